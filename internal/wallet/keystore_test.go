package wallet

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/canwork/jobescrow/internal/chain/chaintest"
)

func TestOpener_KeystoreSign(t *testing.T) {
	key := newKey(t)
	blob := newKeystoreBlob(t, key, "hunter2")

	o := &Opener{AddressPrefix: testPrefix, FeeAsset: "BNB"}
	b, err := o.Open(context.Background(), KeystoreDetails{Keystore: blob, Password: StaticPassword("hunter2")}, Hooks{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close(context.Background())

	if b.Kind() != KindKeystore {
		t.Errorf("Kind() = %s", b.Kind())
	}
	if b.Address() != addressOf(t, key) {
		t.Errorf("Address() = %s, want %s", b.Address(), addressOf(t, key))
	}
	if !b.IsConnected() {
		t.Error("keystore should be connected after open")
	}

	calls := 0
	signed, err := b.Sign(context.Background(), SignRequest{
		To:         addressOf(t, newKey(t)),
		Symbol:     "TCAN-014",
		Amount:     100,
		ChainID:    "Binance-Chain-Ganges",
		BeforeSign: func() { calls++ },
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if calls != 1 {
		t.Errorf("BeforeSign called %d times, want 1", calls)
	}
	if err := signed.Verify(testPrefix); err != nil {
		t.Errorf("signed tx should verify: %v", err)
	}
}

func TestOpener_KeystoreWrongPassword(t *testing.T) {
	blob := newKeystoreBlob(t, newKey(t), "right")

	o := &Opener{AddressPrefix: testPrefix, Passwords: StaticPassword("wrong")}
	_, err := o.Open(context.Background(), KeystoreDetails{Keystore: blob}, Hooks{})
	if !errors.Is(err, ErrSigningRejected) {
		t.Errorf("Open() error = %v, want ErrSigningRejected", err)
	}
}

func TestOpener_KeystoreNoPasswordSource(t *testing.T) {
	blob := newKeystoreBlob(t, newKey(t), "pw")
	o := &Opener{AddressPrefix: testPrefix}
	b, err := o.Open(context.Background(), KeystoreDetails{Keystore: blob}, Hooks{})
	if err == nil {
		t.Fatal("expected error without a password source")
	}
	if b != nil {
		t.Errorf("failed open returned backend %v", b)
	}
}

func TestKeystore_SignAfterClose(t *testing.T) {
	blob := newKeystoreBlob(t, newKey(t), "pw")
	o := &Opener{AddressPrefix: testPrefix, Passwords: StaticPassword("pw")}
	b, err := o.Open(context.Background(), KeystoreDetails{Keystore: blob}, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	b.Close(context.Background())

	called := false
	_, err = b.Sign(context.Background(), SignRequest{BeforeSign: func() { called = true }})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Sign() after close = %v, want ErrNotConnected", err)
	}
	if called {
		t.Error("BeforeSign must not run when not connected")
	}
}

func TestCheckSufficientFunds(t *testing.T) {
	gw := chaintest.New()
	defer gw.Close()

	key := newKey(t)
	addr := addressOf(t, key)
	o := &Opener{Gateway: gw.NewClient(), AddressPrefix: testPrefix, FeeAsset: "BNB", Passwords: StaticPassword("pw")}
	b, err := o.Open(context.Background(), KeystoreDetails{Keystore: newKeystoreBlob(t, key, "pw")}, Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(context.Background())

	ctx := context.Background()

	// Unknown account holds nothing.
	ok, err := b.CheckSufficientFunds(ctx, "BNB", 1, 0)
	if err != nil || ok {
		t.Fatalf("unknown account: ok=%v err=%v", ok, err)
	}

	gw.SetBalance(addr, "BNB", 100_000)
	gw.SetBalance(addr, "TCAN-014", 5_000)

	tests := []struct {
		name   string
		asset  string
		amount int64
		fee    int64
		want   bool
	}{
		{"fee asset covers amount plus fee", "BNB", 62_500, 37_500, true},
		{"fee asset one short", "BNB", 62_501, 37_500, false},
		{"token and fee covered", "TCAN-014", 5_000, 37_500, true},
		{"token short", "TCAN-014", 5_001, 37_500, false},
		{"fee short for token transfer", "TCAN-014", 1, 100_001, false},
		{"asset not held", "XYZ-000", 1, 0, false},
		{"amount plus fee overflows", "BNB", math.MaxInt64 - 10, 37_500, false},
		{"zero amount", "BNB", 0, 37_500, false},
		{"negative amount", "TCAN-014", -1, 37_500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.CheckSufficientFunds(ctx, tt.asset, tt.amount, tt.fee)
			if err != nil {
				t.Fatalf("CheckSufficientFunds: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckSufficientFunds(%s, %d, %d) = %v, want %v", tt.asset, tt.amount, tt.fee, got, tt.want)
			}
		})
	}
}

func TestFirstOf(t *testing.T) {
	empty := PasswordFunc(func(context.Context) (string, error) { return "", ErrNoPassword })
	pw, err := FirstOf(empty, StaticPassword("second")).Password(context.Background())
	if err != nil || pw != "second" {
		t.Errorf("FirstOf() = %q, %v", pw, err)
	}

	if _, err := FirstOf(empty).Password(context.Background()); !errors.Is(err, ErrNoPassword) {
		t.Errorf("FirstOf(empty) error = %v, want ErrNoPassword", err)
	}
}
