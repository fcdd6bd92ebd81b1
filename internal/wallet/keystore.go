package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Keystore signs with a secp256k1 key held in an encrypted V3 keystore.
// The decrypted key lives only for the duration of one signature.
type Keystore struct {
	account
	blob      []byte
	passwords PasswordSource
}

func openKeystore(ctx context.Context, cfg accountConfig, blob []byte, pw PasswordSource) (*Keystore, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("keystore: empty keystore")
	}

	key, err := decrypt(ctx, blob, pw)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	addr, err := AddressFromPubKey(cfg.prefix, crypto.CompressPubkey(&key.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	k := &Keystore{
		account:   cfg.newAccount(addr),
		blob:      append([]byte(nil), blob...),
		passwords: pw,
	}
	k.connected.Store(true)
	return k, nil
}

func (k *Keystore) Kind() Kind { return KindKeystore }

// Blob returns the encrypted keystore for persistence
func (k *Keystore) Blob() []byte {
	return append([]byte(nil), k.blob...)
}

func (k *Keystore) Sign(ctx context.Context, req SignRequest) (SignedTx, error) {
	if !k.IsConnected() {
		return SignedTx{}, ErrNotConnected
	}

	tx := req.tx(k.Address())
	req.beforeSign()

	key, err := decrypt(ctx, k.blob, k.passwords)
	if err != nil {
		return SignedTx{}, err
	}
	defer wipe(key)

	sig, err := crypto.Sign(tx.SignHash(), key)
	if err != nil {
		return SignedTx{}, fmt.Errorf("keystore: sign: %w", err)
	}

	return SignedTx{
		Tx:        tx,
		Signature: sig[:64],
		PubKey:    crypto.CompressPubkey(&key.PublicKey),
	}, nil
}

func (k *Keystore) Close(ctx context.Context) error {
	k.connected.Store(false)
	return nil
}

func (k *Keystore) backend() {}

// decrypt unlocks the keystore. A wrong password counts as the user
// declining to sign.
func decrypt(ctx context.Context, blob []byte, pw PasswordSource) (*ecdsa.PrivateKey, error) {
	password, err := pw.Password(ctx)
	if err != nil {
		return nil, fmt.Errorf("keystore: password: %w", err)
	}

	key, err := keystore.DecryptKey(blob, password)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, fmt.Errorf("keystore: %w: wrong password", ErrSigningRejected)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// wipe zeroes the private scalar before the key is released
func wipe(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetUint64(0)
	}
}

// NewKeystore generates a fresh secp256k1 key and returns it encrypted as
// a V3 keystore. light selects cheap scrypt parameters for tests.
func NewKeystore(password string, light bool) ([]byte, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer wipe(priv)
	return EncryptKeystore(priv, password, light)
}

// EncryptKeystore encrypts an existing key as a V3 keystore
func EncryptKeystore(priv *ecdsa.PrivateKey, password string, light bool) ([]byte, error) {
	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	return keystore.EncryptKey(key, password, scryptN, scryptP)
}
