package escrow

import (
	"context"
	"errors"
	gomath "math"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/wallet"
)

func TestEscrowFunds_Success(t *testing.T) {
	f := newFixture(t, nil)
	provider, _ := newAddress(t)
	f.fund(testAsset, 5_000_000_000)
	f.fund("BNB", 100_000)

	var rec recorder
	out := f.orch.EscrowFunds(context.Background(), summary(provider, 4_000_000_000), rec.callbacks())
	if !out.Succeeded() {
		t.Fatalf("outcome = %+v, want success", out)
	}
	rec.assertOnce(t, true)
	if rec.before.Load() != 1 {
		t.Errorf("BeforeSign fired %d times, want 1", rec.before.Load())
	}
	if rec.receipt.TxHash == "" || rec.receipt.TxHash != out.Receipt.TxHash {
		t.Errorf("receipt hash = %q, outcome hash = %q", rec.receipt.TxHash, out.Receipt.TxHash)
	}

	tx := decodeOnly(t, f.gw.Broadcasts())
	if tx.Memo != "ESCROW:"+testJobID+":"+provider {
		t.Errorf("memo = %q", tx.Memo)
	}
	msg := tx.Msgs[0]
	if msg.From != f.from || msg.To != f.escrow {
		t.Errorf("transfer %s -> %s, want %s -> %s", msg.From, msg.To, f.from, f.escrow)
	}
	if msg.Coins[0].Denom != testAsset || msg.Coins[0].Amount != 4_000_000_000 {
		t.Errorf("coins = %+v", msg.Coins)
	}
	if tx.ChainID != testChainID {
		t.Errorf("chain id = %q", tx.ChainID)
	}
}

func TestEscrowFunds_InsufficientDoesNotSign(t *testing.T) {
	tests := []struct {
		name  string
		asset int64
		bnb   int64
	}{
		{"no account", 0, 0},
		{"short on asset", 100, 100_000},
		{"short on fee", 5_000_000_000, 37_499},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.asset > 0 {
				f.fund(testAsset, tt.asset)
			}
			if tt.bnb > 0 {
				f.fund("BNB", tt.bnb)
			}
			provider, _ := newAddress(t)

			var rec recorder
			out := f.orch.EscrowFunds(context.Background(), summary(provider, 4_000_000_000), rec.callbacks())
			if out.Succeeded() {
				t.Fatal("expected failure")
			}
			if !errors.Is(out.Err, ErrInsufficientFunds) {
				t.Errorf("err = %v, want ErrInsufficientFunds", out.Err)
			}
			if out.Reason != "insufficient CAN-677 or BNB" {
				t.Errorf("reason = %q", out.Reason)
			}
			rec.assertOnce(t, false)
			if rec.before.Load() != 0 {
				t.Error("BeforeSign should not fire without funds")
			}
			if f.device.signs.Load() != 0 {
				t.Error("device was asked to sign")
			}
			if len(f.gw.Broadcasts()) != 0 {
				t.Error("nothing should be broadcast")
			}
		})
	}
}

func TestExecute_NoWallet(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Wallets = staticWallets{} })

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrNoWallet) {
		t.Fatalf("err = %v, want ErrNoWallet", out.Err)
	}
	if out.Reason != "no wallet connected" {
		t.Errorf("reason = %q", out.Reason)
	}
	rec.assertOnce(t, false)
}

func TestReleaseFunds_SendsReleaseCommand(t *testing.T) {
	f := newFixture(t, nil)
	f.fund("BNB", 37_501)

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !out.Succeeded() {
		t.Fatalf("outcome = %+v", out)
	}
	rec.assertOnce(t, true)

	tx := decodeOnly(t, f.gw.Broadcasts())
	if tx.Memo != "RELEASE:"+testJobID {
		t.Errorf("memo = %q", tx.Memo)
	}
	coin := tx.Msgs[0].Coins[0]
	if coin.Denom != "BNB" || coin.Amount != 1 {
		t.Errorf("coin = %+v, want 1 atomic BNB", coin)
	}
	if tx.Msgs[0].To != f.escrow {
		t.Errorf("to = %s, want escrow", tx.Msgs[0].To)
	}
}

func TestReleaseFunds_FeeAssetIncludesFee(t *testing.T) {
	f := newFixture(t, nil)
	f.fund("BNB", 37_500)

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", out.Err)
	}
	if out.Reason != "insufficient BNB or BNB" {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestInvalidJobIDFailsWithoutGateway(t *testing.T) {
	f := newFixture(t, nil)

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), "not-a-uuid", rec.callbacks())
	if out.Succeeded() {
		t.Fatal("expected failure")
	}
	rec.assertOnce(t, false)
	if f.gw.Calls("account") != 0 {
		t.Error("gateway should not be consulted for an invalid job id")
	}
}

func TestSigningRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.device.reject = true
	f.fund(testAsset, 5_000_000_000)
	f.fund("BNB", 100_000)
	provider, _ := newAddress(t)

	var rec recorder
	out := f.orch.EscrowFunds(context.Background(), summary(provider, 1_000), rec.callbacks())
	if !errors.Is(out.Err, ErrSigningRejected) {
		t.Fatalf("err = %v, want ErrSigningRejected", out.Err)
	}
	if out.Reason != "signing rejected" {
		t.Errorf("reason = %q", out.Reason)
	}
	rec.assertOnce(t, false)
	if rec.before.Load() != 1 {
		t.Errorf("BeforeSign fired %d times, want 1", rec.before.Load())
	}
	if len(f.gw.Broadcasts()) != 0 {
		t.Error("rejected signature must not be broadcast")
	}
}

func TestSignTimeoutAbandons(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SignTimeout = 50 * time.Millisecond })
	f.device.hold = true
	f.fund("BNB", 100_000)

	var rec recorder
	start := time.Now()
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrSignAbandoned) {
		t.Fatalf("err = %v, want ErrSignAbandoned", out.Err)
	}
	if time.Since(start) > time.Second {
		t.Error("abandoned sign should resolve at the timeout")
	}
	rec.assertOnce(t, false)
}

func TestBroadcastRejectedUsesChainLog(t *testing.T) {
	f := newFixture(t, nil)
	f.fund("BNB", 100_000)
	f.gw.RejectBroadcasts("signature verification failed")

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrBroadcastFailure) {
		t.Fatalf("err = %v, want ErrBroadcastFailure", out.Err)
	}
	if out.Reason != "signature verification failed" {
		t.Errorf("reason = %q, want chain log", out.Reason)
	}
	rec.assertOnce(t, false)
}

func TestBroadcastClientErrorUsesGatewayMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.fund("BNB", 100_000)
	f.gw.RejectBroadcastsWithStatus(http.StatusBadRequest, "signature verification failed")

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrBroadcastFailure) {
		t.Fatalf("err = %v, want ErrBroadcastFailure", out.Err)
	}
	if out.Reason != "signature verification failed" {
		t.Errorf("reason = %q, want gateway message", out.Reason)
	}
	rec.assertOnce(t, false)
}

func TestExecute_NeverSignsUnfundableAmounts(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		wantErr error
	}{
		{"zero", 0, ErrInvalidAmount},
		{"negative", -5, ErrInvalidAmount},
		{"amount plus fee overflows", gomath.MaxInt64 - 10, ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.fund("BNB", 1)

			var rec recorder
			out := f.orch.Execute(context.Background(), Intent{To: f.escrow, Symbol: "BNB", Amount: tt.amount}, rec.callbacks())
			if !errors.Is(out.Err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", out.Err, tt.wantErr)
			}
			rec.assertOnce(t, false)
			if n := f.device.signs.Load(); n != 0 {
				t.Errorf("device signed %d times", n)
			}
			if n := len(f.gw.Broadcasts()); n != 0 {
				t.Errorf("broadcasts = %d", n)
			}
		})
	}
}

func TestBalanceCheckErrorKeepsCause(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FeeTimeout = 50 * time.Millisecond })
	f.gw.Close()

	out := f.orch.Execute(context.Background(), Intent{To: f.escrow, Symbol: "BNB", Amount: 1}, Callbacks{})
	if !errors.Is(out.Err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", out.Err)
	}
	if out.Reason != "could not check wallet balance" {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestSequenceAdvancesBetweenTransfers(t *testing.T) {
	f := newFixture(t, nil)
	f.fund("BNB", 1_000_000)

	for i := 0; i < 2; i++ {
		if out := f.orch.ReleaseFunds(context.Background(), testJobID, Callbacks{}); !out.Succeeded() {
			t.Fatalf("release %d: %+v", i, out)
		}
	}

	raws := f.gw.Broadcasts()
	if len(raws) != 2 {
		t.Fatalf("broadcasts = %d", len(raws))
	}
	first, _ := wallet.DecodeSignedTx(raws[0])
	second, _ := wallet.DecodeSignedTx(raws[1])
	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequences %d then %d", first.Sequence, second.Sequence)
	}
}

func TestFeeFallback(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"gateway error", func(f *fixture) { f.gw.FailFees(http.StatusServiceUnavailable) }},
		{"slow gateway", func(f *fixture) { f.gw.DelayFees(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			f := newFixture(t, func(o *Options) {
				o.FeeTimeout = 50 * time.Millisecond
				o.Metrics = m
			})
			f.gw.SetSendFee(99_999)
			tt.setup(f)

			if fee := f.orch.Fee(context.Background()); fee != DefaultFee {
				t.Errorf("fee = %d, want default %d", fee, DefaultFee)
			}
			// Not retried once cached.
			f.gw.FailFees(0)
			f.gw.DelayFees(0)
			if fee := f.orch.Fee(context.Background()); fee != DefaultFee {
				t.Errorf("second fee = %d, want cached default", fee)
			}
		})
	}
}

func TestFeeFetchIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.SetSendFee(50_000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if fee := f.orch.Fee(ctx); fee != 50_000 {
		t.Errorf("fee = %d, want gateway fee 50000", fee)
	}
}

func TestFeeFetchedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.SetSendFee(50_000)
	f.fund("BNB", 49_999)

	var rec recorder
	out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrInsufficientFunds) {
		t.Fatalf("fee from gateway should apply: %+v", out)
	}
	f.orch.ReleaseFunds(context.Background(), testJobID, Callbacks{})

	if n := f.gw.Calls("fees"); n != 1 {
		t.Errorf("fee schedule fetched %d times, want 1", n)
	}
}

func TestCallbacksExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		funded  bool
		reject  bool
		hold    bool
		success bool
	}{
		{"funded and signed", true, false, false, true},
		{"funded and rejected", true, true, false, false},
		{"funded and abandoned", true, false, true, false},
		{"unfunded", false, false, false, false},
		{"unfunded with rejecting device", false, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.SignTimeout = 50 * time.Millisecond })
			f.device.reject = tt.reject
			f.device.hold = tt.hold
			if tt.funded {
				f.fund("BNB", 100_000)
			}

			var rec recorder
			out := f.orch.ReleaseFunds(context.Background(), testJobID, rec.callbacks())
			if out.Succeeded() != tt.success {
				t.Fatalf("outcome = %+v", out)
			}
			rec.assertOnce(t, tt.success)
			if !tt.funded && f.device.signs.Load() != 0 {
				t.Error("unfunded wallet was asked to sign")
			}
		})
	}
}

func TestWalletDisconnectAbortsSign(t *testing.T) {
	f := newFixture(t, nil)
	f.device.hold = true
	f.fund("BNB", 100_000)

	done := make(chan Outcome, 1)
	go func() {
		done <- f.orch.ReleaseFunds(context.Background(), testJobID, Callbacks{})
	}()

	waitUntil(t, func() bool { return f.device.signs.Load() == 1 })
	f.ledger.Close(context.Background())

	select {
	case out := <-done:
		if out.Succeeded() {
			t.Fatal("sign should fail after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sign did not resolve after disconnect")
	}
}

func TestReleaseSmartChain(t *testing.T) {
	sc := NewMockSmartChainEscrow()
	f := newFixture(t, func(o *Options) { o.SmartChain = sc })

	var rec recorder
	out := f.orch.ReleaseSmartChain(context.Background(), testJobID, rec.callbacks())
	if !errors.Is(out.Err, ErrDepositNotFound) {
		t.Fatalf("err = %v, want ErrDepositNotFound", out.Err)
	}
	rec.assertOnce(t, false)

	sc.MockDeposit(testJobID, common.HexToAddress("0x01"), common.HexToAddress("0x02"), big.NewInt(1e18))

	var ok recorder
	out = f.orch.ReleaseSmartChain(context.Background(), testJobID, ok.callbacks())
	if !out.Succeeded() || !strings.HasPrefix(out.Receipt.TxHash, "0x") {
		t.Fatalf("outcome = %+v", out)
	}
	ok.assertOnce(t, true)

	d, err := sc.Deposit(context.Background(), testJobID)
	if err != nil || !d.Released {
		t.Fatalf("deposit = %+v, %v", d, err)
	}

	out = f.orch.ReleaseSmartChain(context.Background(), testJobID, Callbacks{})
	if !errors.Is(out.Err, ErrAlreadyReleased) {
		t.Errorf("second release err = %v, want ErrAlreadyReleased", out.Err)
	}
	if len(f.gw.Broadcasts()) != 0 {
		t.Error("smart chain release must not touch the BEP2 gateway")
	}
}

func TestNewOrchestrator_Validation(t *testing.T) {
	if _, err := NewOrchestrator(Options{}); err == nil {
		t.Error("expected error without wallets and gateway")
	}
	f := newFixture(t, nil)
	if _, err := NewOrchestrator(Options{Wallets: staticWallets{}, Gateway: f.gw.NewClient()}); err == nil {
		t.Error("expected error without escrow address")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
