package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const testPrefix = "tbnb"

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func addressOf(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	addr, err := AddressFromPubKey(testPrefix, crypto.CompressPubkey(&key.PublicKey))
	if err != nil {
		t.Fatalf("AddressFromPubKey: %v", err)
	}
	return addr
}

func newKeystoreBlob(t *testing.T, key *ecdsa.PrivateKey, password string) []byte {
	t.Helper()
	blob, err := EncryptKeystore(key, password, true)
	if err != nil {
		t.Fatalf("EncryptKeystore: %v", err)
	}
	return blob
}

func signDigest(key *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	h := sha256.Sum256(payload)
	sig, err := crypto.Sign(h[:], key)
	if err != nil {
		return nil, err
	}
	return sig[:64], nil
}

// fakeDevice is a Ledger stand-in holding a software key
type fakeDevice struct {
	key *ecdsa.PrivateKey

	mu      sync.Mutex
	reject  bool
	hold    chan struct{}
	signs   int
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeDevice(key *ecdsa.PrivateKey) *fakeDevice {
	return &fakeDevice{key: key, closed: make(chan struct{})}
}

func (d *fakeDevice) PublicKey(ctx context.Context, path HDPath) ([]byte, error) {
	return crypto.FromECDSAPub(&d.key.PublicKey), nil
}

func (d *fakeDevice) Sign(ctx context.Context, path HDPath, payload []byte) ([]byte, error) {
	d.mu.Lock()
	d.signs++
	reject, hold := d.reject, d.hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-d.closed:
			return nil, fmt.Errorf("device closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reject {
		return nil, fmt.Errorf("%w: declined on device", ErrSigningRejected)
	}
	return signDigest(d.key, payload)
}

func (d *fakeDevice) Close() error {
	d.closeMu.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
