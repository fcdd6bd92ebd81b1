package wallet

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestAddressFromPubKey_CompressedAndUncompressedAgree(t *testing.T) {
	key := newKey(t)

	fromCompressed, err := AddressFromPubKey(testPrefix, crypto.CompressPubkey(&key.PublicKey))
	if err != nil {
		t.Fatalf("compressed: %v", err)
	}
	fromFull, err := AddressFromPubKey(testPrefix, crypto.FromECDSAPub(&key.PublicKey))
	if err != nil {
		t.Fatalf("uncompressed: %v", err)
	}
	if fromCompressed != fromFull {
		t.Errorf("addresses differ: %s vs %s", fromCompressed, fromFull)
	}
	if !strings.HasPrefix(fromCompressed, testPrefix+"1") {
		t.Errorf("address %s missing prefix", fromCompressed)
	}
	if err := ValidateAddress(testPrefix, fromCompressed); err != nil {
		t.Errorf("ValidateAddress: %v", err)
	}
}

func TestAddressFromPubKey_BadLength(t *testing.T) {
	if _, err := AddressFromPubKey(testPrefix, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for short key")
	}
}

func TestValidateAddress(t *testing.T) {
	addr := addressOf(t, newKey(t))

	tests := []struct {
		name    string
		prefix  string
		addr    string
		wantErr bool
	}{
		{"valid", testPrefix, addr, false},
		{"wrong prefix", "bnb", addr, true},
		{"garbage", testPrefix, "tbnb1notanaddress", true},
		{"empty", testPrefix, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.prefix, tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func testSignedTx(t *testing.T) (SignedTx, string) {
	t.Helper()
	key := newKey(t)
	from := addressOf(t, key)

	req := SignRequest{
		To:            addressOf(t, newKey(t)),
		Symbol:        "TCAN-014",
		Amount:        250_000_000,
		Memo:          "ESCROW:job:provider",
		ChainID:       "Binance-Chain-Ganges",
		AccountNumber: 7,
		Sequence:      3,
	}
	tx := req.tx(from)
	sig, err := crypto.Sign(tx.SignHash(), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return SignedTx{Tx: tx, Signature: sig[:64], PubKey: crypto.CompressPubkey(&key.PublicKey)}, from
}

func TestSignedTx_Verify(t *testing.T) {
	signed, _ := testSignedTx(t)
	if err := signed.Verify(testPrefix); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tampered := signed
	tampered.Msgs = []SendMsg{{From: signed.Msgs[0].From, To: signed.Msgs[0].To, Coins: []Coin{{Denom: "TCAN-014", Amount: 1}}}}
	if err := tampered.Verify(testPrefix); err == nil {
		t.Error("tampered transaction should not verify")
	}

	other := signed
	other.Msgs = []SendMsg{{From: addressOf(t, newKey(t)), To: signed.Msgs[0].To, Coins: signed.Msgs[0].Coins}}
	other.Signature = nil
	if err := other.Verify(testPrefix); err == nil {
		t.Error("missing signature should not verify")
	}
}

func TestSignedTx_VerifyRejectsForeignSender(t *testing.T) {
	key := newKey(t)
	tx := Tx{
		ChainID: "Binance-Chain-Ganges",
		Msgs:    []SendMsg{{From: addressOf(t, newKey(t)), To: addressOf(t, key), Coins: []Coin{{Denom: "BNB", Amount: 1}}}},
	}
	sig, err := crypto.Sign(tx.SignHash(), key)
	if err != nil {
		t.Fatal(err)
	}
	signed := SignedTx{Tx: tx, Signature: sig[:64], PubKey: crypto.CompressPubkey(&key.PublicKey)}
	if err := signed.Verify(testPrefix); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Verify() = %v, want ErrAddressMismatch", err)
	}
}

func TestSignedTx_EncodeDecode(t *testing.T) {
	signed, from := testSignedTx(t)

	raw, err := signed.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeSignedTx(raw)
	if err != nil {
		t.Fatalf("DecodeSignedTx: %v", err)
	}
	if decoded.Msgs[0].From != from || decoded.Memo != signed.Memo {
		t.Errorf("decoded tx mismatch: %+v", decoded.Tx)
	}
	if !bytes.Equal(decoded.Signature, signed.Signature) {
		t.Error("signature not preserved")
	}
	if err := decoded.Verify(testPrefix); err != nil {
		t.Errorf("decoded tx should verify: %v", err)
	}
}

func TestTx_SignBytesCanonical(t *testing.T) {
	tx := Tx{ChainID: "c", AccountNumber: 1, Sequence: 2, Memo: "m", Msgs: []SendMsg{{From: "a", To: "b", Coins: []Coin{{Denom: "BNB", Amount: 5}}}}}
	want := `{"chain_id":"c","account_number":1,"sequence":2,"memo":"m","source":0,"msgs":[{"from":"a","to":"b","coins":[{"denom":"BNB","amount":5}]}]}`
	if got := string(tx.SignBytes()); got != want {
		t.Errorf("SignBytes() =\n%s\nwant\n%s", got, want)
	}
}
