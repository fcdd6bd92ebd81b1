package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/util"
	"github.com/canwork/jobescrow/internal/wallet"
)

// DefaultFee is used when the fee schedule cannot be fetched: 0.000375 BNB
const DefaultFee int64 = 37500

const (
	defaultFeeTimeout  = 5 * time.Second
	defaultSignTimeout = 5 * time.Minute
	escrowName         = "Escrow"
)

var (
	// ErrNoWallet is returned when no wallet is connected
	ErrNoWallet = errors.New("no wallet connected")
	// ErrInsufficientFunds is returned before any signing attempt
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for transfers of zero or less
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	// ErrSigningRejected is returned when the user or device declined
	ErrSigningRejected = wallet.ErrSigningRejected
	// ErrSignAbandoned is returned when signing timed out or the wallet went away
	ErrSignAbandoned = errors.New("signing abandoned")
	// ErrBroadcastFailure is returned when the chain rejected the transaction
	ErrBroadcastFailure = errors.New("broadcast failed")
	// ErrNetwork is returned for gateway failures
	ErrNetwork = chain.ErrNetwork
)

// Wallets exposes the active connection
type Wallets interface {
	ActiveBackend() (wallet.Connection, bool)
}

// Gateway is the part of the chain client the orchestrator uses
type Gateway interface {
	SendFee(ctx context.Context) (int64, error)
	Account(ctx context.Context, address string) (*chain.Account, error)
	Broadcast(ctx context.Context, signed []byte) (*chain.BroadcastResult, error)
}

// Callbacks observe one execution. Exactly one of OnSuccess or OnFailure
// fires, exactly once. Any of them may be nil.
type Callbacks struct {
	// BeforeSign fires right before the wallet waits on the user
	BeforeSign func()
	OnSuccess  func(Receipt)
	OnFailure  func(reason string)
}

// Receipt describes a broadcast transaction
type Receipt struct {
	TxHash string
	Intent Intent
	From   string
}

// Status is the result tag of an execution
type Status int

const (
	StatusFailed Status = iota
	StatusSucceeded
)

func (s Status) String() string {
	if s == StatusSucceeded {
		return "succeeded"
	}
	return "failed"
}

// Outcome is the single result of an execution. Reason is safe to show to
// users; Err carries the wrapped cause.
type Outcome struct {
	Status  Status
	Receipt Receipt
	Reason  string
	Err     error
}

// Succeeded reports whether the transfer was broadcast
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// Options configures an Orchestrator
type Options struct {
	Wallets       Wallets
	Gateway       Gateway
	EscrowAddress string
	FeeAsset      string
	ChainID       string
	// DefaultFee replaces the network fee when the lookup fails
	DefaultFee  int64
	FeeTimeout  time.Duration
	SignTimeout time.Duration
	// SmartChain handles releases for jobs escrowed on the smart chain
	SmartChain *SmartChainEscrow
	Metrics    *metrics.Collector
}

// Orchestrator runs escrow deposits and releases against the active wallet
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	feeOnce sync.Once
	fee     atomic.Int64
}

// NewOrchestrator returns an orchestrator. The fee is fetched lazily on the
// first execution.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Wallets == nil || opts.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: wallets and gateway are required")
	}
	if opts.EscrowAddress == "" {
		return nil, fmt.Errorf("orchestrator: escrow address is required")
	}
	if opts.FeeAsset == "" {
		opts.FeeAsset = "BNB"
	}
	if opts.DefaultFee <= 0 {
		opts.DefaultFee = DefaultFee
	}
	if opts.FeeTimeout <= 0 {
		opts.FeeTimeout = defaultFeeTimeout
	}
	if opts.SignTimeout <= 0 {
		opts.SignTimeout = defaultSignTimeout
	}
	return &Orchestrator{
		opts:   opts,
		logger: logging.With(logging.Component("escrow")),
	}, nil
}

// Fee returns the cached network fee, fetching it on first use
func (o *Orchestrator) Fee(ctx context.Context) int64 {
	o.ensureFeeCached(ctx)
	return o.fee.Load()
}

// EscrowFunds deposits the job budget with an ESCROW memo naming the provider
func (o *Orchestrator) EscrowFunds(ctx context.Context, p PaymentSummary, cb Callbacks) Outcome {
	if _, err := uuid.Parse(p.JobID); err != nil {
		return o.settle("escrow", newSettler(cb), Outcome{Reason: "invalid job id", Err: err})
	}
	if p.ProviderAddress == "" || p.Asset == "" || p.AmountAtomic <= 0 {
		return o.settle("escrow", newSettler(cb), Outcome{
			Reason: "incomplete payment summary",
			Err:    fmt.Errorf("payment summary for job %s is incomplete", p.JobID),
		})
	}

	intent := Intent{
		To:     o.opts.EscrowAddress,
		ToName: escrowName,
		Symbol: p.Asset,
		Amount: p.AmountAtomic,
		Memo:   EscrowMemo(p.JobID, p.ProviderAddress),
		Info:   "Payment to escrow",
	}
	return o.execute(ctx, "escrow", intent, cb)
}

// ReleaseFunds sends the RELEASE command for a job: a transfer of one atomic
// unit of the fee asset to the escrow address
func (o *Orchestrator) ReleaseFunds(ctx context.Context, jobID string, cb Callbacks) Outcome {
	if _, err := uuid.Parse(jobID); err != nil {
		return o.settle("release", newSettler(cb), Outcome{Reason: "invalid job id", Err: err})
	}

	intent := Intent{
		To:     o.opts.EscrowAddress,
		ToName: escrowName,
		Symbol: o.opts.FeeAsset,
		Amount: releaseAmount,
		Memo:   ReleaseMemo(jobID),
		Info:   "Release funds from escrow",
	}
	return o.execute(ctx, "release", intent, cb)
}

// ReleaseSmartChain releases a job escrowed in the smart-chain contract
func (o *Orchestrator) ReleaseSmartChain(ctx context.Context, jobID string, cb Callbacks) Outcome {
	s := newSettler(cb)
	if o.opts.SmartChain == nil {
		return o.settle("release_bsc", s, Outcome{Reason: "smart chain escrow not configured", Err: fmt.Errorf("no smart chain escrow")})
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return o.settle("release_bsc", s, Outcome{Reason: "invalid job id", Err: err})
	}

	s.beforeSign()
	hash, err := o.opts.SmartChain.Release(ctx, jobID)
	if err != nil {
		return o.settle("release_bsc", s, Outcome{Reason: "smart chain release failed", Err: err})
	}
	return o.settle("release_bsc", s, Outcome{
		Status:  StatusSucceeded,
		Receipt: Receipt{TxHash: hash, Intent: Intent{Memo: ReleaseMemo(jobID)}},
	})
}

// Execute signs and broadcasts an arbitrary transfer from the active wallet
func (o *Orchestrator) Execute(ctx context.Context, intent Intent, cb Callbacks) Outcome {
	return o.execute(ctx, "transfer", intent, cb)
}

func (o *Orchestrator) execute(ctx context.Context, op string, intent Intent, cb Callbacks) Outcome {
	s := newSettler(cb)
	if intent.Amount <= 0 {
		return o.settle(op, s, Outcome{Reason: ErrInvalidAmount.Error(), Err: ErrInvalidAmount})
	}
	fee := o.Fee(ctx)

	conn, ok := o.opts.Wallets.ActiveBackend()
	if !ok {
		return o.settle(op, s, Outcome{Reason: ErrNoWallet.Error(), Err: ErrNoWallet})
	}
	backend := conn.Backend
	log := o.logger.With(logging.WalletKind(string(conn.Kind)), logging.Address(conn.Address), "memo", intent.Memo)

	enough, err := backend.CheckSufficientFunds(ctx, intent.Symbol, intent.Amount, fee)
	if err != nil {
		return o.settle(op, s, Outcome{Reason: "could not check wallet balance", Err: fmt.Errorf("balance check: %w", err)})
	}
	if !enough {
		reason := fmt.Sprintf("insufficient %s or %s", intent.Symbol, o.opts.FeeAsset)
		return o.settle(op, s, Outcome{Reason: reason, Err: fmt.Errorf("%w: %s", ErrInsufficientFunds, reason)})
	}

	acct, err := o.opts.Gateway.Account(ctx, conn.Address)
	if err != nil {
		return o.settle(op, s, Outcome{Reason: "could not load wallet account", Err: fmt.Errorf("account lookup: %w", err)})
	}

	req := wallet.SignRequest{
		To:            intent.To,
		Symbol:        intent.Symbol,
		Amount:        intent.Amount,
		Memo:          intent.Memo,
		ChainID:       o.opts.ChainID,
		AccountNumber: acct.AccountNumber,
		Sequence:      acct.Sequence,
		BeforeSign:    s.beforeSign,
	}

	log.Info("signing transfer", "symbol", intent.Symbol, "amount", intent.Amount)
	signed, err := o.sign(ctx, conn, req)
	if err != nil {
		return o.settle(op, s, Outcome{Reason: signReason(err), Err: err})
	}

	raw, err := signed.Encode()
	if err != nil {
		return o.settle(op, s, Outcome{Reason: "could not encode transaction", Err: err})
	}

	res, err := o.opts.Gateway.Broadcast(ctx, raw)
	if err != nil {
		if errors.Is(err, chain.ErrBroadcastRejected) {
			reason := "transaction rejected"
			if res != nil && res.Log != "" {
				reason = res.Log
			}
			return o.settle(op, s, Outcome{Reason: reason, Err: fmt.Errorf("%w: %w", ErrBroadcastFailure, err)})
		}
		return o.settle(op, s, Outcome{Reason: "network failure while broadcasting", Err: err})
	}

	log.Info("transfer broadcast", "hash", res.Hash)
	return o.settle(op, s, Outcome{
		Status:  StatusSucceeded,
		Receipt: Receipt{TxHash: res.Hash, Intent: intent, From: conn.Address},
	})
}

// sign runs the wallet signature under the sign timeout and the connection
// lifetime. An abandoned signature resolves as ErrSignAbandoned.
func (o *Orchestrator) sign(ctx context.Context, conn wallet.Connection, req wallet.SignRequest) (wallet.SignedTx, error) {
	signCtx, cancel := context.WithTimeout(ctx, o.opts.SignTimeout)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	type result struct {
		tx  wallet.SignedTx
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	util.SafeGoRecover("escrow-sign", func() {
		tx, err := conn.Backend.Sign(signCtx, req)
		done <- result{tx, err}
	}, func(r any) {
		done <- result{err: fmt.Errorf("wallet panicked during signing: %v", r)}
	})

	select {
	case r := <-done:
		o.opts.Metrics.RecordSign(time.Since(start))
		return r.tx, r.err
	case <-signCtx.Done():
		if conn.Context().Err() != nil {
			return wallet.SignedTx{}, fmt.Errorf("%w: wallet disconnected", ErrSignAbandoned)
		}
		return wallet.SignedTx{}, fmt.Errorf("%w: %v", ErrSignAbandoned, signCtx.Err())
	}
}

func signReason(err error) string {
	switch {
	case errors.Is(err, wallet.ErrSigningRejected):
		return "signing rejected"
	case errors.Is(err, ErrSignAbandoned):
		return "signing did not complete"
	case errors.Is(err, wallet.ErrNotConnected):
		return "wallet not connected"
	default:
		return "signing failed"
	}
}

// ensureFeeCached fetches the send fee once per orchestrator. A failed or
// slow lookup falls back to the default and is not retried.
func (o *Orchestrator) ensureFeeCached(ctx context.Context) {
	o.feeOnce.Do(func() {
		// The result is cached for the process, so the caller's cancellation must not decide it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FeeTimeout)
		defer cancel()

		fee, err := o.opts.Gateway.SendFee(fctx)
		if err != nil || fee <= 0 {
			o.logger.Warn("fee lookup failed, using default", logging.Err(err), "fee", o.opts.DefaultFee)
			o.opts.Metrics.RecordFeeFallback()
			fee = o.opts.DefaultFee
		}
		o.fee.Store(fee)
	})
}

func (o *Orchestrator) settle(op string, s *settler, out Outcome) Outcome {
	o.opts.Metrics.RecordTransaction(op, out.Status.String())
	if !out.Succeeded() {
		o.logger.Warn("transfer failed", "operation", op, "reason", out.Reason, logging.Err(out.Err))
	}
	s.resolve(out)
	return out
}

// settler guarantees each callback fires at most once
type settler struct {
	cb         Callbacks
	beforeOnce sync.Once
	doneOnce   sync.Once
}

func newSettler(cb Callbacks) *settler {
	return &settler{cb: cb}
}

func (s *settler) beforeSign() {
	s.beforeOnce.Do(func() {
		if s.cb.BeforeSign != nil {
			s.cb.BeforeSign()
		}
	})
}

func (s *settler) resolve(out Outcome) {
	s.doneOnce.Do(func() {
		if out.Succeeded() {
			if s.cb.OnSuccess != nil {
				s.cb.OnSuccess(out.Receipt)
			}
			return
		}
		if s.cb.OnFailure != nil {
			s.cb.OnFailure(out.Reason)
		}
	})
}
