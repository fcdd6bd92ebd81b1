package wallet

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// Coin is an amount of one asset in atomic units
type Coin struct {
	Denom  string `json:"denom"`
	Amount int64  `json:"amount"`
}

// SendMsg transfers coins between two addresses
type SendMsg struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Coins []Coin `json:"coins"`
}

// Tx is an unsigned transfer transaction. Field order is fixed so the JSON
// encoding is canonical and can be signed directly.
type Tx struct {
	ChainID       string    `json:"chain_id"`
	AccountNumber int64     `json:"account_number"`
	Sequence      int64     `json:"sequence"`
	Memo          string    `json:"memo"`
	Source        int64     `json:"source"`
	Msgs          []SendMsg `json:"msgs"`
}

// SignBytes returns the canonical bytes a signer commits to
func (tx Tx) SignBytes() []byte {
	b, _ := json.Marshal(tx)
	return b
}

// SignHash returns sha256(SignBytes())
func (tx Tx) SignHash() []byte {
	sum := sha256.Sum256(tx.SignBytes())
	return sum[:]
}

// SignedTx is a transaction with a 64-byte secp256k1 signature (r||s) and
// the signer's compressed public key
type SignedTx struct {
	Tx
	Signature []byte `json:"signature"`
	PubKey    []byte `json:"pub_key"`
}

// Encode returns the broadcast encoding of the signed transaction
func (s SignedTx) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSignedTx parses the broadcast encoding
func DecodeSignedTx(data []byte) (SignedTx, error) {
	var s SignedTx
	if err := json.Unmarshal(data, &s); err != nil {
		return SignedTx{}, fmt.Errorf("decode signed tx: %w", err)
	}
	return s, nil
}

// Verify checks the signature against the public key and that the key
// belongs to the sending address
func (s SignedTx) Verify(prefix string) error {
	if len(s.Signature) != 64 {
		return fmt.Errorf("signature must be 64 bytes, got %d", len(s.Signature))
	}
	if !crypto.VerifySignature(s.PubKey, s.SignHash(), s.Signature) {
		return fmt.Errorf("invalid signature")
	}
	addr, err := AddressFromPubKey(prefix, s.PubKey)
	if err != nil {
		return err
	}
	for _, m := range s.Msgs {
		if m.From != addr {
			return fmt.Errorf("%w: signed by %s, sends from %s", ErrAddressMismatch, addr, m.From)
		}
	}
	return nil
}

// SignRequest asks a backend to sign one transfer from its own address
type SignRequest struct {
	To            string
	Symbol        string
	Amount        int64
	Memo          string
	ChainID       string
	AccountNumber int64
	Sequence      int64
	// BeforeSign runs once, right before the backend waits on the user
	BeforeSign func()
}

// tx builds the unsigned transaction for the request
func (r SignRequest) tx(from string) Tx {
	coins := []Coin{{Denom: r.Symbol, Amount: r.Amount}}
	return Tx{
		ChainID:       r.ChainID,
		AccountNumber: r.AccountNumber,
		Sequence:      r.Sequence,
		Memo:          r.Memo,
		Msgs: []SendMsg{
			{From: from, To: r.To, Coins: coins},
		},
	}
}

func (r SignRequest) beforeSign() {
	if r.BeforeSign != nil {
		r.BeforeSign()
	}
}

// AddressFromPubKey derives the bech32 address for a compressed or
// uncompressed secp256k1 public key: bech32(prefix, ripemd160(sha256(compressed)))
func AddressFromPubKey(prefix string, pub []byte) (string, error) {
	pub, err := compressPubKey(pub)
	if err != nil {
		return "", err
	}

	sha := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sha[:])

	conv, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// ValidateAddress checks that addr is bech32 with the given prefix and a 20 byte payload
func ValidateAddress(prefix, addr string) error {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if hrp != prefix {
		return fmt.Errorf("address %q has prefix %q, want %q", addr, hrp, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil || len(raw) != 20 {
		return fmt.Errorf("address %q has an invalid payload", addr)
	}
	return nil
}

// compressPubKey returns the 33-byte form of a secp256k1 public key
func compressPubKey(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 33:
		return pub, nil
	case 65:
		key, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return crypto.CompressPubkey(key), nil
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
}
