package escrow

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/canwork/jobescrow/internal/chain/chaintest"
	"github.com/canwork/jobescrow/internal/wallet"
)

const (
	testPrefix  = "tbnb"
	testChainID = "Binance-Chain-Ganges"
	testAsset   = "CAN-677"
	testJobID   = "5b0d7a56-3f5f-4b8e-9d6e-1a2b3c4d5e6f"
)

func newAddress(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr, err := wallet.AddressFromPubKey(testPrefix, crypto.CompressPubkey(&key.PublicKey))
	if err != nil {
		t.Fatalf("AddressFromPubKey: %v", err)
	}
	return addr, key
}

// testDevice is a Ledger transport holding a software key
type testDevice struct {
	key    *ecdsa.PrivateKey
	reject bool
	hold   bool
	signs  atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func (d *testDevice) PublicKey(ctx context.Context, path wallet.HDPath) ([]byte, error) {
	return crypto.CompressPubkey(&d.key.PublicKey), nil
}

func (d *testDevice) Sign(ctx context.Context, path wallet.HDPath, payload []byte) ([]byte, error) {
	d.signs.Add(1)
	if d.hold {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.closed:
			return nil, fmt.Errorf("device closed")
		}
	}
	if d.reject {
		return nil, fmt.Errorf("%w: declined on device", wallet.ErrSigningRejected)
	}
	h := sha256.Sum256(payload)
	sig, err := crypto.Sign(h[:], d.key)
	if err != nil {
		return nil, err
	}
	return sig[:64], nil
}

func (d *testDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// staticWallets always returns the same connection
type staticWallets struct {
	conn wallet.Connection
	ok   bool
}

func (w staticWallets) ActiveBackend() (wallet.Connection, bool) {
	return w.conn, w.ok
}

// fixture wires an orchestrator to a fake gateway and a ledger wallet
type fixture struct {
	gw     *chaintest.Gateway
	device *testDevice
	from   string
	escrow string
	ledger wallet.Backend
	orch   *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	gw := chaintest.New()
	t.Cleanup(gw.Close)

	escrowAddr, _ := newAddress(t)
	from, key := newAddress(t)
	dev := &testDevice{key: key, closed: make(chan struct{})}

	client := gw.NewClient()
	opener := &wallet.Opener{
		Gateway:       client,
		AddressPrefix: testPrefix,
		FeeAsset:      "BNB",
		Devices:       func(context.Context) (wallet.Device, error) { return dev, nil },
	}
	b, err := opener.Open(context.Background(), wallet.LedgerDetails{}, wallet.Hooks{})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })

	opts := Options{
		Wallets:       staticWallets{conn: wallet.Connection{Kind: wallet.KindLedger, Address: b.Address(), Backend: b}, ok: true},
		Gateway:       client,
		EscrowAddress: escrowAddr,
		FeeAsset:      "BNB",
		ChainID:       testChainID,
		FeeTimeout:    200 * time.Millisecond,
		SignTimeout:   2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	return &fixture{gw: gw, device: dev, from: from, escrow: escrowAddr, ledger: b, orch: orch}
}

func (f *fixture) fund(asset string, atomic int64) {
	f.gw.SetBalance(f.from, asset, atomic)
}

// recorder counts callback invocations
type recorder struct {
	before  atomic.Int32
	success atomic.Int32
	failure atomic.Int32
	mu      sync.Mutex
	receipt Receipt
	reason  string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		BeforeSign: func() { r.before.Add(1) },
		OnSuccess: func(rc Receipt) {
			r.success.Add(1)
			r.mu.Lock()
			r.receipt = rc
			r.mu.Unlock()
		},
		OnFailure: func(reason string) {
			r.failure.Add(1)
			r.mu.Lock()
			r.reason = reason
			r.mu.Unlock()
		},
	}
}

func (r *recorder) assertOnce(t *testing.T, wantSuccess bool) {
	t.Helper()
	s, f := r.success.Load(), r.failure.Load()
	if wantSuccess && (s != 1 || f != 0) {
		t.Fatalf("success=%d failure=%d, want exactly one success", s, f)
	}
	if !wantSuccess && (s != 0 || f != 1) {
		t.Fatalf("success=%d failure=%d, want exactly one failure", s, f)
	}
}

func summary(provider string, amount int64) PaymentSummary {
	return PaymentSummary{JobID: testJobID, ProviderAddress: provider, Asset: testAsset, AmountAtomic: amount}
}

func decodeOnly(t *testing.T, raws [][]byte) wallet.SignedTx {
	t.Helper()
	if len(raws) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(raws))
	}
	tx, err := wallet.DecodeSignedTx(raws[0])
	if err != nil {
		t.Fatalf("DecodeSignedTx: %v", err)
	}
	if err := tx.Verify(testPrefix); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return tx
}
