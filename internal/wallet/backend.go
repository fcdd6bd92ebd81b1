package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/canwork/jobescrow/internal/chain"
)

// Backend is a connected signing wallet. Exactly three implementations
// exist (*Keystore, *Ledger, *Bridge); the unexported method keeps the set
// closed.
type Backend interface {
	Kind() Kind
	Address() string
	// IsConnected consults local state only
	IsConnected() bool
	// CheckSufficientFunds reports whether the wallet holds amount of asset
	// plus fee of the fee asset, all in atomic units. It never mutates state.
	CheckSufficientFunds(ctx context.Context, asset string, amount, fee int64) (bool, error)
	// Sign produces a signed transfer from this wallet. It calls
	// req.BeforeSign exactly once before waiting on the user.
	Sign(ctx context.Context, req SignRequest) (SignedTx, error)
	// Close tears down sessions and devices
	Close(ctx context.Context) error

	backend()
}

// AccountReader is the part of the chain gateway a backend needs for
// balance checks
type AccountReader interface {
	Account(ctx context.Context, address string) (*chain.Account, error)
}

// accountConfig carries what every backend needs for address derivation
// and balance checks
type accountConfig struct {
	prefix   string
	feeAsset string
	gateway  AccountReader
}

func (c accountConfig) newAccount(address string) account {
	return account{address: address, prefix: c.prefix, feeAsset: c.feeAsset, gateway: c.gateway}
}

// account holds state shared by every backend variant
type account struct {
	mu        sync.RWMutex
	address   string
	prefix    string
	feeAsset  string
	gateway   AccountReader
	connected atomic.Bool
}

func (a *account) Address() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.address
}

func (a *account) setAddress(addr string) {
	a.mu.Lock()
	a.address = addr
	a.mu.Unlock()
}

func (a *account) IsConnected() bool {
	return a.connected.Load()
}

func (a *account) CheckSufficientFunds(ctx context.Context, asset string, amount, fee int64) (bool, error) {
	acct, err := a.gateway.Account(ctx, a.Address())
	if errors.Is(err, chain.ErrNotFound) {
		// An address the chain has never seen holds nothing.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("balance lookup: %w", err)
	}

	if amount <= 0 || fee < 0 {
		return false, nil
	}
	if asset == a.feeAsset {
		free := acct.Free(asset)
		return free >= fee && free-fee >= amount, nil
	}
	return acct.Free(asset) >= amount && acct.Free(a.feeAsset) >= fee, nil
}

// Hooks lets a backend report session events it observes on its own.
// Only bridge sessions use them. Hooks run on the session reader and must
// not block or call back into the backend.
type Hooks struct {
	// OnInit receives the pairing URI to show the user
	OnInit func(uri string)
	// OnUpdate receives a new address chosen in the remote wallet
	OnUpdate func(address string)
	// OnDisconnect fires when the remote side ends the session
	OnDisconnect func()
}

// DeviceOpener opens a Ledger device transport
type DeviceOpener func(ctx context.Context) (Device, error)

// Opener builds backends from connection details
type Opener struct {
	Gateway       AccountReader
	AddressPrefix string
	FeeAsset      string
	// Passwords unlocks keystores whose details carry no password source
	Passwords PasswordSource
	// Devices opens Ledger transports
	Devices DeviceOpener
	// RelayURL is the default bridge relay
	RelayURL string
	Dialer   *websocket.Dialer
}

// Open connects a backend for d
func (o *Opener) Open(ctx context.Context, d Details, hooks Hooks) (Backend, error) {
	base := accountConfig{prefix: o.AddressPrefix, feeAsset: o.FeeAsset, gateway: o.Gateway}

	// Each case returns through its own nil check so a failed open never
	// yields a non-nil Backend holding a nil pointer.
	switch d := d.(type) {
	case KeystoreDetails:
		pw := d.Password
		if pw == nil {
			pw = o.Passwords
		}
		if pw == nil {
			return nil, fmt.Errorf("keystore: no password source")
		}
		k, err := openKeystore(ctx, base, d.Keystore, pw)
		if err != nil {
			return nil, err
		}
		return k, nil
	case LedgerDetails:
		if o.Devices == nil {
			return nil, fmt.Errorf("ledger: no device transport available")
		}
		l, err := openLedger(ctx, base, o.Devices, d)
		if err != nil {
			return nil, err
		}
		return l, nil
	case BridgeDetails:
		relay := d.RelayURL
		if relay == "" {
			relay = o.RelayURL
		}
		if relay == "" {
			return nil, fmt.Errorf("bridge: no relay url")
		}
		br, err := openBridge(ctx, base, o.Dialer, relay, hooks)
		if err != nil {
			return nil, err
		}
		return br, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, d)
	}
}
