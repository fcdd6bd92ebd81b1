package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HDPath is a BIP-44 derivation path 44'/714'/account'/0/index
type HDPath [5]uint32

// coinType is the registered BIP-44 coin type of the chain
const coinType = 714

// NewHDPath returns the path for an account and address index
func NewHDPath(account, index uint32) HDPath {
	return HDPath{44, coinType, account, 0, index}
}

func (p HDPath) String() string {
	return fmt.Sprintf("%d'/%d'/%d'/%d/%d", p[0], p[1], p[2], p[3], p[4])
}

// Device is a Ledger transport running the chain's app
type Device interface {
	// PublicKey returns the compressed or uncompressed public key at path
	PublicKey(ctx context.Context, path HDPath) ([]byte, error)
	// Sign asks the user to approve payload on the device and returns a
	// 64-byte r||s signature over sha256(payload). A declined prompt
	// returns an error matching ErrSigningRejected.
	Sign(ctx context.Context, path HDPath, payload []byte) ([]byte, error)
	Close() error
}

// Ledger signs on a hardware device
type Ledger struct {
	account
	path HDPath

	devMu  sync.Mutex
	device Device
}

func openLedger(ctx context.Context, cfg accountConfig, open DeviceOpener, d LedgerDetails) (*Ledger, error) {
	device, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: open device: %w", err)
	}

	path := NewHDPath(d.Account, d.Index)
	pub, err := device.PublicKey(ctx, path)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("ledger: read public key at %s: %w", path, err)
	}
	addr, err := AddressFromPubKey(cfg.prefix, pub)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("ledger: %w", err)
	}

	l := &Ledger{
		account: cfg.newAccount(addr),
		path:    path,
		device:  device,
	}
	l.connected.Store(true)
	return l, nil
}

func (l *Ledger) Kind() Kind { return KindLedger }

// Path returns the derivation path in use
func (l *Ledger) Path() HDPath { return l.path }

func (l *Ledger) Sign(ctx context.Context, req SignRequest) (SignedTx, error) {
	if !l.IsConnected() {
		return SignedTx{}, ErrNotConnected
	}

	tx := req.tx(l.Address())

	// The device handles one exchange at a time.
	l.devMu.Lock()
	defer l.devMu.Unlock()

	pub, err := l.device.PublicKey(ctx, l.path)
	if err != nil {
		return SignedTx{}, fmt.Errorf("ledger: %w", err)
	}
	if pub, err = compressPubKey(pub); err != nil {
		return SignedTx{}, fmt.Errorf("ledger: %w", err)
	}

	req.beforeSign()

	sig, err := l.device.Sign(ctx, l.path, tx.SignBytes())
	if err != nil {
		if errors.Is(err, ErrSigningRejected) {
			return SignedTx{}, err
		}
		return SignedTx{}, fmt.Errorf("ledger: sign: %w", err)
	}

	signed := SignedTx{Tx: tx, Signature: sig, PubKey: pub}
	if err := signed.Verify(l.prefix); err != nil {
		return SignedTx{}, fmt.Errorf("ledger: %w", err)
	}
	return signed, nil
}

func (l *Ledger) Close(ctx context.Context) error {
	if !l.connected.Swap(false) {
		return nil
	}
	// Not under devMu: closing the transport is what unblocks a pending
	// approval prompt.
	return l.device.Close()
}

func (l *Ledger) backend() {}
