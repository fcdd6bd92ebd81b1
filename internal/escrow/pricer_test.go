package escrow

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/math"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/internal/chain/chaintest"
)

func newPricer(t *testing.T) (*Pricer, *chaintest.Gateway) {
	t.Helper()
	gw := chaintest.New()
	t.Cleanup(gw.Close)
	gw.SetPrice("CAN-677_BNB", "0.0001")
	gw.SetPrice(BUSDPairTestnet, "300")
	return NewPricer(gw.NewClient(), true), gw
}

func TestPricer_USDToAtomic(t *testing.T) {
	p, gw := newPricer(t)
	ctx := context.Background()

	tests := []struct {
		asset string
		usd   string
		want  int64
	}{
		// 1 CAN = 0.03 USD; 10 USD = 333.33333333.. CAN, rounded up
		{"CAN-677", "10", 33_333_333_334},
		{"CAN-677", "0.03", 100_000_000},
		// BNB skips the asset leg: 30 USD = 0.1 BNB
		{"BNB", "30", 10_000_000},
		{"BNB", "0.000001", 1},
	}
	for _, tt := range tests {
		got, err := p.USDToAtomic(ctx, tt.asset, math.LegacyMustNewDecFromStr(tt.usd))
		if err != nil {
			t.Fatalf("USDToAtomic(%s, %s): %v", tt.asset, tt.usd, err)
		}
		if got != tt.want {
			t.Errorf("USDToAtomic(%s, %s) = %d, want %d", tt.asset, tt.usd, got, tt.want)
		}
	}

	before := gw.Calls("ticker")
	if _, err := p.USDToAtomic(ctx, "BNB", math.LegacyOneDec()); err != nil {
		t.Fatal(err)
	}
	if n := gw.Calls("ticker") - before; n != 1 {
		t.Errorf("BNB pricing made %d ticker calls, want 1", n)
	}
}

func TestPricer_USDToAtomicOutOfRange(t *testing.T) {
	p, gw := newPricer(t)
	gw.SetPrice("CAN-677_BNB", "0.00001")
	gw.SetPrice(BUSDPairTestnet, "1")

	// 1e9 USD at 1e-5 USD per unit is 1e22 atomic units.
	_, err := p.USDToAtomic(context.Background(), "CAN-677", math.LegacyNewDec(1_000_000_000))
	if err == nil {
		t.Fatal("expected an error for an amount beyond the atomic range")
	}
}

func TestPricer_AssetToUSDFloorsToCents(t *testing.T) {
	p, _ := newPricer(t)

	got, err := p.AssetToUSD(context.Background(), "CAN-677", 33_333_333_334)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(math.LegacyMustNewDecFromStr("10.00")) {
		t.Errorf("AssetToUSD = %s, want 10.00", got)
	}

	got, err = p.AssetToUSD(context.Background(), "BNB", 3_333)
	if err != nil {
		t.Fatal(err)
	}
	// 0.00003333 BNB * 300 = 0.009999 USD
	if !got.IsZero() {
		t.Errorf("AssetToUSD = %s, want 0", got)
	}
}

func TestPricer_Errors(t *testing.T) {
	p, _ := newPricer(t)
	ctx := context.Background()

	if _, err := p.USDToAtomic(ctx, "XYZ-000", math.LegacyOneDec()); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("unknown pair err = %v, want ErrNotFound", err)
	}
	if _, err := p.USDToAtomic(ctx, "BNB", math.LegacyZeroDec()); err == nil {
		t.Error("zero usd should fail")
	}
	if _, err := p.AssetToUSD(ctx, "BNB", -1); err == nil {
		t.Error("negative amount should fail")
	}

	mainnet := NewPricer(nil, false)
	if mainnet.busdPair != BUSDPairMainnet {
		t.Errorf("mainnet pair = %s", mainnet.busdPair)
	}
}
