package jobflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/canwork/jobescrow/internal/escrow"
	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/pkg/types"
)

var (
	// ErrJobNotFound is returned by stores for unknown job IDs
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by Create for a duplicate ID
	ErrJobExists = errors.New("job already exists")
	// ErrNotParty is returned when the user plays no role on the job
	ErrNotParty = errors.New("user is not a party to this job")
	// ErrMovementInProgress is returned while a transfer for the job is pending
	ErrMovementInProgress = errors.New("a transfer for this job is already in progress")
	// ErrInvalidJob is returned by CreateJob for incomplete input
	ErrInvalidJob = errors.New("invalid job")
)

// Store persists jobs. ApplyAtomic must run mutate against the latest
// version and commit its result without interleaving other writers of the
// same job; writers of different jobs must not block each other.
type Store interface {
	Get(ctx context.Context, id string) (types.Job, error)
	Create(ctx context.Context, job types.Job) (types.Job, error)
	ApplyAtomic(ctx context.Context, id string, mutate func(types.Job) (types.Job, error)) (types.Job, error)
	AppendAction(ctx context.Context, id string, a types.JobAction) (types.Job, error)
	ListByUser(ctx context.Context, userID string) ([]types.Job, error)
}

// UserLookup resolves users by ID
type UserLookup interface {
	GetByID(ctx context.Context, id string) (types.User, error)
}

// FundMover runs escrow transfers
type FundMover interface {
	EscrowFunds(ctx context.Context, p escrow.PaymentSummary, cb escrow.Callbacks) escrow.Outcome
	ReleaseFunds(ctx context.Context, jobID string, cb escrow.Callbacks) escrow.Outcome
	ReleaseSmartChain(ctx context.Context, jobID string, cb escrow.Callbacks) escrow.Outcome
}

// Converter prices a USD budget in an asset's atomic units
type Converter interface {
	USDToAtomic(ctx context.Context, asset string, usd math.LegacyDec) (int64, error)
}

// DepositReader looks up smart-chain escrow deposits
type DepositReader interface {
	Deposit(ctx context.Context, jobID string) (*escrow.Deposit, error)
}

// Notifier tells the other party what happened. Implementations must not
// block; failures stay inside the notifier.
type Notifier interface {
	ActionPerformed(ctx context.Context, job types.Job, a types.JobAction)
	BidsDeclined(ctx context.Context, job types.Job, losers []types.Bid)
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	Store    Store
	Users    UserLookup
	Funds    FundMover
	Prices   Converter
	Deposits DepositReader
	Notifier Notifier
	// Asset is the token escrowed for BEP2 jobs
	Asset string
	// DepositDecimals is the decimal count of the smart-chain escrow token (default 18)
	DepositDecimals int
	Metrics         *metrics.Collector
}

const defaultDepositDecimals = 18

// NewJob is the input to CreateJob. An empty ProviderID posts a public job
// that accepts bids.
type NewJob struct {
	ClientID         string
	ProviderID       string
	Information      types.JobInformation
	Budget           math.LegacyDec
	PaymentType      types.PaymentType
	Timeline         types.TimeRange
	WorkType         types.WorkType
	WeeklyCommitment int
	BscEscrow        bool
	Message          string
}

// Service applies job actions for users
type Service struct {
	opts   ServiceOptions
	logger *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewService returns a Service. Funds, Prices, Deposits and Notifier may be
// nil; actions that need a missing collaborator fail.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("jobflow: store is required")
	}
	if opts.DepositDecimals <= 0 {
		opts.DepositDecimals = defaultDepositDecimals
	}
	return &Service{
		opts:     opts,
		logger:   logging.With(logging.Component("jobflow")),
		inflight: make(map[string]struct{}),
	}, nil
}

// CreateJob stores a new job with its createJob action
func (s *Service) CreateJob(ctx context.Context, n NewJob) (types.Job, error) {
	if n.ClientID == "" {
		return types.Job{}, fmt.Errorf("%w: client is required", ErrInvalidJob)
	}
	if n.ProviderID == n.ClientID {
		return types.Job{}, fmt.Errorf("%w: client cannot hire themselves", ErrInvalidJob)
	}
	if n.Information.Title == "" {
		return types.Job{}, fmt.Errorf("%w: title is required", ErrInvalidJob)
	}
	if n.ProviderID != "" && (n.Budget.IsNil() || !n.Budget.IsPositive()) {
		return types.Job{}, fmt.Errorf("%w: a direct job needs a positive budget", ErrInvalidJob)
	}
	if n.PaymentType == "" {
		n.PaymentType = types.PaymentFixed
	}
	budget := n.Budget
	if budget.IsNil() {
		budget = math.LegacyZeroDec()
	}

	state := types.JobStatePendingTerms
	if n.ProviderID == "" {
		state = types.JobStateAcceptingOffers
	}

	created := types.NewJobAction(types.ActionCreateJob, types.RoleClient, n.Message).
		WithProposal(budget, n.PaymentType, n.Timeline, n.WorkType, n.WeeklyCommitment)

	job := types.Job{
		ID:                  types.NewJobID(),
		ClientID:            n.ClientID,
		ProviderID:          n.ProviderID,
		State:               state,
		PaymentType:         n.PaymentType,
		Budget:              budget,
		Information:         n.Information,
		BscEscrow:           n.BscEscrow,
		TimelineExpectation: n.Timeline,
		WorkType:            n.WorkType,
		WeeklyCommitment:    n.WeeklyCommitment,
		Actions:             []types.JobAction{created},
	}

	stored, err := s.opts.Store.Create(ctx, job)
	if err != nil {
		return types.Job{}, fmt.Errorf("create job: %w", err)
	}

	s.opts.Metrics.RecordJobAction(types.ActionCreateJob.Key())
	s.logger.Info("job created", logging.JobID(stored.ID), "state", stored.State)
	s.notify(ctx, stored, created)
	return stored, nil
}

// Get returns the job as userID may see it: private actions of the other
// party are reduced to their type and time
func (s *Service) Get(ctx context.Context, jobID, userID string) (types.Job, error) {
	job, err := s.opts.Store.Get(ctx, jobID)
	if err != nil {
		return types.Job{}, err
	}
	role, ok := job.RoleOf(userID)
	if !ok {
		return types.Job{}, ErrNotParty
	}
	return redact(job, role), nil
}

// List returns the jobs userID is a party to, redacted for them
func (s *Service) List(ctx context.Context, userID string) ([]types.Job, error) {
	jobs, err := s.opts.Store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := range jobs {
		if role, ok := j.RoleOf(userID); ok {
			jobs[i] = redact(j, role)
		}
	}
	return jobs, nil
}

// AvailableActions returns what userID may do on the job right now
func (s *Service) AvailableActions(ctx context.Context, jobID, userID string) ([]types.ActionType, error) {
	job, err := s.opts.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	role, ok := job.RoleOf(userID)
	if !ok {
		if job.State == types.JobStateAcceptingOffers && bidIndex(job.Bids, userID) < 0 {
			return []types.ActionType{types.ActionBid}, nil
		}
		return nil, nil
	}
	return Available(job, role), nil
}

// PerformAction applies a on behalf of userID. Actions that move funds run
// the transfer first and only record the action once it succeeded; cb
// observes that transfer. For other actions cb is not used.
func (s *Service) PerformAction(ctx context.Context, jobID, userID string, a types.JobAction, cb escrow.Callbacks) (types.Job, error) {
	job, err := s.opts.Store.Get(ctx, jobID)
	if err != nil {
		return types.Job{}, err
	}

	role, err := actorRole(job, userID, a.Type)
	if err != nil {
		return types.Job{}, err
	}
	a.ExecutedBy = role
	if a.Type == types.ActionBid {
		a.Subject = userID
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	log := s.logger.With(logging.JobID(jobID), logging.Action(a.Type.Key()), "role", role)

	res, err := Apply(job, a)
	if err != nil {
		s.opts.Metrics.RecordRejectedAction(a.Type.Key())
		log.Info("action rejected", logging.Err(err))
		return types.Job{}, err
	}

	if res.Movement != nil {
		return s.move(ctx, job, *res.Movement, cb)
	}

	updated, err := s.opts.Store.ApplyAtomic(ctx, jobID, func(cur types.Job) (types.Job, error) {
		r, err := Apply(cur, a)
		if err != nil {
			return types.Job{}, err
		}
		if r.Movement != nil {
			return types.Job{}, illegal(cur, a, "action now requires a transfer")
		}
		return r.Job, nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.opts.Metrics.RecordRejectedAction(a.Type.Key())
		}
		log.Info("action lost to a concurrent update", logging.Err(err))
		return types.Job{}, err
	}

	s.opts.Metrics.RecordJobAction(a.Type.Key())
	log.Info("action applied", "state", updated.State)
	s.notify(ctx, updated, a)
	return updated, nil
}

// SelectBid hires the provider behind bid index on a public job. Every other
// bid is declined.
func (s *Service) SelectBid(ctx context.Context, jobID, clientID string, index int) (types.Job, error) {
	var chosen types.Bid
	var losers []types.Bid

	updated, err := s.opts.Store.ApplyAtomic(ctx, jobID, func(cur types.Job) (types.Job, error) {
		if cur.ClientID != clientID {
			return types.Job{}, ErrNotParty
		}
		next, c, l, err := AcceptBid(cur, index)
		if err != nil {
			return types.Job{}, err
		}
		chosen, losers = c, l
		return next, nil
	})
	if err != nil {
		return types.Job{}, err
	}

	s.opts.Metrics.RecordJobAction(types.ActionAcceptTerms.Key())
	s.logger.Info("bid selected", logging.JobID(jobID), "provider", chosen.ProviderID, "declined", len(losers))

	s.notify(ctx, updated, updated.Actions[len(updated.Actions)-1])
	if s.opts.Notifier != nil && len(losers) > 0 {
		s.opts.Notifier.BidsDeclined(ctx, updated, losers)
	}
	return updated, nil
}

// move runs the transfer for m and confirms it on the job. cb fires exactly
// once with the transfer's result.
func (s *Service) move(ctx context.Context, job types.Job, m FundMovement, cb escrow.Callbacks) (types.Job, error) {
	if !s.begin(job.ID) {
		err := ErrMovementInProgress
		callFailure(cb, err.Error())
		return types.Job{}, err
	}
	defer s.end(job.ID)

	log := s.logger.With(logging.JobID(job.ID), "movement", m.Kind, "chain", m.Chain)

	out := s.transfer(ctx, job, m, escrow.Callbacks{BeforeSign: cb.BeforeSign})
	if !out.Succeeded() {
		s.opts.Metrics.RecordRejectedAction(m.Action.Type.Key())
		log.Warn("transfer failed", "reason", out.Reason, logging.Err(out.Err))
		callFailure(cb, out.Reason)
		if out.Err == nil {
			return types.Job{}, errors.New(out.Reason)
		}
		return types.Job{}, fmt.Errorf("%s: %w", out.Reason, out.Err)
	}

	m.TxHash = out.Receipt.TxHash
	updated, err := s.opts.Store.ApplyAtomic(ctx, job.ID, func(cur types.Job) (types.Job, error) {
		return Confirm(cur, m, job.ID)
	})
	if cb.OnSuccess != nil {
		cb.OnSuccess(out.Receipt)
	}
	if err != nil {
		// The transfer is on chain; only the job record could not follow.
		log.Error("transfer succeeded but job could not be confirmed", "tx", m.TxHash, logging.Err(err))
		return types.Job{}, fmt.Errorf("confirm %s: %w", m.Kind, err)
	}

	s.opts.Metrics.RecordJobAction(m.Action.Type.Key())
	log.Info("transfer confirmed", "tx", m.TxHash, "state", updated.State)
	confirmed := m.Action
	confirmed.TxHash = m.TxHash
	s.notify(ctx, updated, confirmed)
	return updated, nil
}

func (s *Service) transfer(ctx context.Context, job types.Job, m FundMovement, cb escrow.Callbacks) escrow.Outcome {
	switch {
	case m.Kind == MovementEscrow && m.Chain == ChainSmart:
		return s.verifyDeposit(ctx, job)
	case m.Kind == MovementEscrow:
		if s.opts.Funds == nil || s.opts.Prices == nil {
			return failed("escrow is not configured", nil)
		}
		summary, err := s.paymentSummary(ctx, job)
		if err != nil {
			return failed("could not prepare escrow payment", err)
		}
		return s.opts.Funds.EscrowFunds(ctx, summary, cb)
	case m.Chain == ChainSmart:
		if s.opts.Funds == nil {
			return failed("escrow is not configured", nil)
		}
		return s.opts.Funds.ReleaseSmartChain(ctx, job.ID, cb)
	default:
		if s.opts.Funds == nil {
			return failed("escrow is not configured", nil)
		}
		return s.opts.Funds.ReleaseFunds(ctx, job.ID, cb)
	}
}

// verifyDeposit accepts a smart-chain escrow the client funded from their
// own wallet once the contract holds at least the priced budget between the
// job's two parties
func (s *Service) verifyDeposit(ctx context.Context, job types.Job) escrow.Outcome {
	if s.opts.Deposits == nil || s.opts.Users == nil || s.opts.Prices == nil {
		return failed("smart chain escrow is not configured", nil)
	}
	d, err := s.opts.Deposits.Deposit(ctx, job.ID)
	if err != nil {
		return failed("no smart chain deposit found for this job", err)
	}
	if d.Released {
		return failed("smart chain deposit was already released", escrow.ErrAlreadyReleased)
	}

	client, err := s.smartChainAddress(ctx, job.ClientID)
	if err != nil {
		return failed("client has no smart chain address", err)
	}
	provider, err := s.smartChainAddress(ctx, job.ProviderID)
	if err != nil {
		return failed("provider has no smart chain address", err)
	}
	if d.Client != client {
		return failed("smart chain deposit was not made by the client", fmt.Errorf("deposit from %s, want %s", d.Client.Hex(), client.Hex()))
	}
	if d.Provider != provider {
		return failed("smart chain deposit names another provider", fmt.Errorf("deposit for %s, want %s", d.Provider.Hex(), provider.Hex()))
	}

	want, err := s.depositAmount(ctx, job.Budget)
	if err != nil {
		return failed("could not price the job budget", err)
	}
	if d.Amount == nil || d.Amount.Cmp(want) < 0 {
		return failed("smart chain deposit is below the job budget", fmt.Errorf("%w: deposit %v, want %s", escrow.ErrInsufficientFunds, d.Amount, want))
	}
	return escrow.Outcome{Status: escrow.StatusSucceeded}
}

func (s *Service) smartChainAddress(ctx context.Context, userID string) (common.Address, error) {
	u, err := s.opts.Users.GetByID(ctx, userID)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(u.SmartChainAddress) {
		return common.Address{}, fmt.Errorf("user %s has no smart chain address", userID)
	}
	return common.HexToAddress(u.SmartChainAddress), nil
}

// depositAmount prices usd in the escrow token's base units. Prices are
// quoted in 8-decimal atomic units and scaled to the token's decimals.
func (s *Service) depositAmount(ctx context.Context, usd math.LegacyDec) (*big.Int, error) {
	atomic, err := s.opts.Prices.USDToAtomic(ctx, s.opts.Asset, usd)
	if err != nil {
		return nil, err
	}
	amount := big.NewInt(atomic)
	shift := s.opts.DepositDecimals - types.AtomicDecimals
	if shift >= 0 {
		return amount.Mul(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil)), nil
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-shift)), nil)
	// Round up so the deposit never covers less than the budget.
	amount.Add(amount, new(big.Int).Sub(div, big.NewInt(1)))
	return amount.Quo(amount, div), nil
}

func (s *Service) paymentSummary(ctx context.Context, job types.Job) (escrow.PaymentSummary, error) {
	if s.opts.Users == nil {
		return escrow.PaymentSummary{}, fmt.Errorf("no user directory")
	}
	provider, err := s.opts.Users.GetByID(ctx, job.ProviderID)
	if err != nil {
		return escrow.PaymentSummary{}, fmt.Errorf("provider lookup: %w", err)
	}
	if provider.Address == "" {
		return escrow.PaymentSummary{}, fmt.Errorf("provider %s has no wallet address", job.ProviderID)
	}
	amount, err := s.opts.Prices.USDToAtomic(ctx, s.opts.Asset, job.Budget)
	if err != nil {
		return escrow.PaymentSummary{}, fmt.Errorf("price budget: %w", err)
	}
	return escrow.PaymentSummary{
		JobID:           job.ID,
		ProviderAddress: provider.Address,
		Asset:           s.opts.Asset,
		AmountAtomic:    amount,
	}, nil
}

func (s *Service) begin(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[jobID]; busy {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Service) end(jobID string) {
	s.inflightMu.Lock()
	delete(s.inflight, jobID)
	s.inflightMu.Unlock()
}

func (s *Service) notify(ctx context.Context, job types.Job, a types.JobAction) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.ActionPerformed(ctx, job, a)
	}
}

// actorRole resolves the role userID acts as. Non-parties may only bid on
// public jobs.
func actorRole(job types.Job, userID string, t types.ActionType) (types.Role, error) {
	if userID == "" {
		return "", ErrNotParty
	}
	if role, ok := job.RoleOf(userID); ok {
		return role, nil
	}
	if t == types.ActionBid && job.ProviderID == "" {
		return types.RoleProvider, nil
	}
	return "", ErrNotParty
}

func redact(job types.Job, viewer types.Role) types.Job {
	out := job.Clone()
	for i, a := range out.Actions {
		out.Actions[i] = a.VisibleTo(viewer)
	}
	return out
}

func failed(reason string, err error) escrow.Outcome {
	return escrow.Outcome{Status: escrow.StatusFailed, Reason: reason, Err: err}
}

func callFailure(cb escrow.Callbacks, reason string) {
	if cb.OnFailure != nil {
		cb.OnFailure(reason)
	}
}
