package escrow

import (
	"context"
	"fmt"

	"cosmossdk.io/math"
)

const (
	// BUSDPairTestnet and BUSDPairMainnet are the BNB/BUSD ticker pairs
	BUSDPairTestnet = "BNB_BUSD-BAF"
	BUSDPairMainnet = "BNB_BUSD-BD1"

	atomicPerUnit = 100_000_000
)

// TickerSource returns weighted average prices for trading pairs
type TickerSource interface {
	Ticker(ctx context.Context, symbol string) (math.LegacyDec, error)
}

// Pricer converts between USD and asset amounts through BNB
type Pricer struct {
	tickers  TickerSource
	busdPair string
	feeAsset string
}

// NewPricer returns a pricer for testnet or mainnet pairs
func NewPricer(tickers TickerSource, testnet bool) *Pricer {
	pair := BUSDPairMainnet
	if testnet {
		pair = BUSDPairTestnet
	}
	return &Pricer{tickers: tickers, busdPair: pair, feeAsset: "BNB"}
}

// PriceUSD returns the USD price of one whole unit of asset
func (p *Pricer) PriceUSD(ctx context.Context, asset string) (math.LegacyDec, error) {
	assetBNB := math.LegacyOneDec()
	if asset != p.feeAsset {
		price, err := p.tickers.Ticker(ctx, asset+"_"+p.feeAsset)
		if err != nil {
			return math.LegacyDec{}, fmt.Errorf("price of %s: %w", asset, err)
		}
		assetBNB = price
	}

	bnbUSD, err := p.tickers.Ticker(ctx, p.busdPair)
	if err != nil {
		return math.LegacyDec{}, fmt.Errorf("price of %s: %w", p.feeAsset, err)
	}

	price := assetBNB.Mul(bnbUSD)
	if !price.IsPositive() {
		return math.LegacyDec{}, fmt.Errorf("price of %s is not positive", asset)
	}
	return price, nil
}

// USDToAtomic returns the atomic amount of asset worth usd, rounded up so
// the recipient never receives less than the agreed value
func (p *Pricer) USDToAtomic(ctx context.Context, asset string, usd math.LegacyDec) (int64, error) {
	if usd.IsNil() || !usd.IsPositive() {
		return 0, fmt.Errorf("usd amount must be positive")
	}
	price, err := p.PriceUSD(ctx, asset)
	if err != nil {
		return 0, err
	}

	units := usd.MulInt64(atomicPerUnit).QuoRoundUp(price).Ceil().TruncateInt()
	if !units.IsInt64() {
		return 0, fmt.Errorf("%s USD of %s exceeds the transferable range", usd, asset)
	}
	return units.Int64(), nil
}

// AssetToUSD values an atomic amount of asset in USD, floored to cents
func (p *Pricer) AssetToUSD(ctx context.Context, asset string, atomic int64) (math.LegacyDec, error) {
	if atomic < 0 {
		return math.LegacyDec{}, fmt.Errorf("amount must not be negative")
	}
	price, err := p.PriceUSD(ctx, asset)
	if err != nil {
		return math.LegacyDec{}, err
	}

	usd := math.LegacyNewDec(atomic).Mul(price).QuoInt64(atomicPerUnit)
	cents := usd.MulInt64(100).TruncateDec()
	return cents.QuoInt64(100), nil
}
