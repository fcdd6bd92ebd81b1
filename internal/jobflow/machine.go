// Package jobflow implements the job action state machine and the service
// that applies actions against a job store and the escrow orchestrator.
package jobflow

import (
	"errors"
	"fmt"

	"github.com/canwork/jobescrow/pkg/types"
)

// ErrIllegalTransition matches every *TransitionError
var ErrIllegalTransition = errors.New("illegal transition")

// TransitionError describes an action that is not legal for the job's state
// and the acting role. It is always caller-correctable.
type TransitionError struct {
	JobID  string
	State  types.JobState
	Role   types.Role
	Action types.ActionType
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition: %s cannot %s job %s in state %s", e.Role, e.Action.Key(), e.JobID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is match ErrIllegalTransition
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func illegal(job types.Job, a types.JobAction, reason string) *TransitionError {
	return &TransitionError{JobID: job.ID, State: job.State, Role: a.ExecutedBy, Action: a.Type, Reason: reason}
}

// legalActions maps each state to the actions each role may take in it.
// States missing from the map accept nothing.
var legalActions = map[types.JobState]map[types.Role][]types.ActionType{
	types.JobStateAcceptingOffers: {
		types.RoleClient:   {types.ActionInvite, types.ActionDeclineBid, types.ActionCancelJob, types.ActionAddMessage},
		types.RoleProvider: {types.ActionBid, types.ActionAddMessage},
	},
	types.JobStatePendingTerms: {
		types.RoleClient:   {types.ActionAcceptTerms, types.ActionDeclineTerms, types.ActionCounterOffer, types.ActionCancelJob, types.ActionAddMessage},
		types.RoleProvider: {types.ActionCounterOffer, types.ActionDeclineTerms, types.ActionAddMessage},
	},
	types.JobStateNegotiating: {
		types.RoleClient:   {types.ActionAcceptTerms, types.ActionDeclineTerms, types.ActionCounterOffer, types.ActionCancelJob, types.ActionAddMessage},
		types.RoleProvider: {types.ActionAcceptTerms, types.ActionCounterOffer, types.ActionDeclineTerms, types.ActionAddMessage},
	},
	types.JobStateEscrowPending: {
		types.RoleClient:   {types.ActionEnterEscrow, types.ActionEnterEscrowBsc, types.ActionCancelJobEarly},
		types.RoleProvider: {types.ActionAddMessage},
	},
	types.JobStateInProgress: {
		types.RoleClient:   {types.ActionAcceptFinish, types.ActionDispute, types.ActionAddMessage},
		types.RoleProvider: {types.ActionFinishedJob, types.ActionDispute, types.ActionAddMessage},
	},
	types.JobStateDisputeRaised: {
		types.RoleClient:   {types.ActionAcceptFinish, types.ActionAddMessage},
		types.RoleProvider: {types.ActionAddMessage},
	},
	types.JobStateComplete: {
		types.RoleClient:   {types.ActionReview},
		types.RoleProvider: {types.ActionReview},
	},
}

// LegalActions returns the actions role may take on a job in state. The
// result is a copy.
func LegalActions(state types.JobState, role types.Role) []types.ActionType {
	actions := legalActions[state][role]
	out := make([]types.ActionType, len(actions))
	copy(out, actions)
	return out
}

// IsLegal reports whether the table allows action for role in state
func IsLegal(state types.JobState, role types.Role, action types.ActionType) bool {
	for _, a := range legalActions[state][role] {
		if a == action {
			return true
		}
	}
	return false
}

// Available narrows LegalActions by the job's own history: a review already
// left, a counter offer the role itself made, and the escrow family the job
// settles on.
func Available(job types.Job, role types.Role) []types.ActionType {
	var out []types.ActionType
	for _, t := range legalActions[job.State][role] {
		probe := types.JobAction{Type: t, ExecutedBy: role}
		if guard(job, probe) == "" {
			out = append(out, t)
		}
	}
	return out
}

// guard returns why a table-legal action is still refused for this job, or
// "" when it may proceed
func guard(job types.Job, a types.JobAction) string {
	switch a.Type {
	case types.ActionReview:
		if job.HasAction(types.ActionReview, a.ExecutedBy) {
			return "review already left"
		}
	case types.ActionAcceptTerms:
		if last, ok := job.LastAction(types.ActionCounterOffer); ok && last.ExecutedBy == a.ExecutedBy {
			return "cannot accept own counter offer"
		}
	case types.ActionEnterEscrow:
		if job.BscEscrow {
			return "job settles on the smart chain"
		}
	case types.ActionEnterEscrowBsc:
		if !job.BscEscrow {
			return "job settles on the beacon chain"
		}
	}
	return ""
}

// MovementKind is the direction of a fund movement
type MovementKind string

const (
	MovementEscrow  MovementKind = "escrow"
	MovementRelease MovementKind = "release"
)

// SettlementChain selects which escrow family settles a job
type SettlementChain string

const (
	ChainBEP2  SettlementChain = "bep2"
	ChainSmart SettlementChain = "smartchain"
)

func chainFor(job types.Job) SettlementChain {
	if job.BscEscrow {
		return ChainSmart
	}
	return ChainBEP2
}

// FundMovement is a transfer that must succeed before the job may advance.
// Confirm records Action and moves the job from From to To.
type FundMovement struct {
	Kind   MovementKind
	Chain  SettlementChain
	JobID  string
	From   types.JobState
	To     types.JobState
	Action types.JobAction
	// TxHash is filled in once the transfer was broadcast
	TxHash string
}

// Result is the outcome of applying an action. When Movement is set the
// action is not recorded yet and Job equals the input.
type Result struct {
	Job      types.Job
	Recorded bool
	Movement *FundMovement
}

// Apply validates action against job and returns the next job. The input is
// never modified.
func Apply(job types.Job, a types.JobAction) (Result, error) {
	if !a.ExecutedBy.Valid() {
		return Result{}, illegal(job, a, "unknown role")
	}
	if !IsLegal(job.State, a.ExecutedBy, a.Type) {
		return Result{}, illegal(job, a, "")
	}
	if reason := guard(job, a); reason != "" {
		return Result{}, illegal(job, a, reason)
	}
	a.Private = a.Type.IsPrivate()

	next := job.Clone()
	switch a.Type {
	case types.ActionCounterOffer:
		if !a.HasAmount() {
			return Result{}, illegal(job, a, "counter offer needs a positive amount")
		}
		next.Budget = a.AmountUSD
		if a.PaymentType != "" {
			next.PaymentType = a.PaymentType
		}
		if a.TimelineExpectation != "" {
			next.TimelineExpectation = a.TimelineExpectation
		}
		if a.WorkType != "" {
			next.WorkType = a.WorkType
		}
		if a.WeeklyCommitment > 0 {
			next.WeeklyCommitment = a.WeeklyCommitment
		}
		next.State = types.JobStateNegotiating

	case types.ActionAcceptTerms:
		next.State = types.JobStateEscrowPending

	case types.ActionDeclineTerms:
		next.State = types.JobStateDeclined

	case types.ActionCancelJob, types.ActionCancelJobEarly:
		next.State = types.JobStateCancelled

	case types.ActionDispute:
		next.State = types.JobStateDisputeRaised

	case types.ActionEnterEscrow, types.ActionEnterEscrowBsc:
		if job.Budget.IsNil() || !job.Budget.IsPositive() {
			return Result{}, illegal(job, a, "job has no agreed budget")
		}
		return Result{Job: job, Movement: &FundMovement{
			Kind:   MovementEscrow,
			Chain:  chainFor(job),
			JobID:  job.ID,
			From:   job.State,
			To:     types.JobStateInProgress,
			Action: a,
		}}, nil

	case types.ActionAcceptFinish:
		return Result{Job: job, Movement: &FundMovement{
			Kind:   MovementRelease,
			Chain:  chainFor(job),
			JobID:  job.ID,
			From:   job.State,
			To:     types.JobStateComplete,
			Action: a,
		}}, nil

	case types.ActionReview:
		if a.Rating < 1 || a.Rating > 5 {
			return Result{}, illegal(job, a, "rating must be between 1 and 5")
		}

	case types.ActionBid:
		if a.Subject == "" {
			return Result{}, illegal(job, a, "bid needs a bidder")
		}
		if !a.HasAmount() {
			return Result{}, illegal(job, a, "bid needs a positive amount")
		}
		for _, b := range job.Bids {
			if b.ProviderID == a.Subject {
				return Result{}, illegal(job, a, "provider already bid")
			}
		}
		next.Bids = append(next.Bids, types.Bid{
			ProviderID: a.Subject,
			Budget:     a.AmountUSD,
			Message:    a.Message,
			Timestamp:  a.Timestamp,
		})

	case types.ActionDeclineBid:
		i := bidIndex(job.Bids, a.Subject)
		if i < 0 {
			return Result{}, illegal(job, a, "no bid from that provider")
		}
		next.Bids = append(next.Bids[:i:i], next.Bids[i+1:]...)

	case types.ActionInvite:
		if a.Subject == "" {
			return Result{}, illegal(job, a, "invite needs an invitee")
		}

	case types.ActionAddMessage:
		if a.Message == "" {
			return Result{}, illegal(job, a, "message is empty")
		}

	case types.ActionFinishedJob:
		// recorded only; the client settles with acceptFinish
	}

	next.Actions = append(next.Actions, a)
	return Result{Job: next, Recorded: true}, nil
}

// Confirm records a fund movement once its transfer succeeded. It is the only
// way a job reaches inProgress or complete.
func Confirm(job types.Job, m FundMovement, jobID string) (types.Job, error) {
	if jobID == "" || jobID != m.JobID || jobID != job.ID {
		return types.Job{}, fmt.Errorf("%w: movement for job %q confirmed against job %q", ErrIllegalTransition, m.JobID, job.ID)
	}
	if job.State != m.From {
		return types.Job{}, illegal(job, m.Action, fmt.Sprintf("job left %s before the transfer settled", m.From))
	}
	if m.To != types.JobStateInProgress && m.To != types.JobStateComplete {
		return types.Job{}, illegal(job, m.Action, fmt.Sprintf("movement cannot lead to %s", m.To))
	}

	a := m.Action
	a.TxHash = m.TxHash
	a.Private = a.Type.IsPrivate()

	next := job.Clone()
	next.State = m.To
	next.Actions = append(next.Actions, a)
	return next, nil
}

// SelectBid splits bids into the chosen one and every other bid
func SelectBid(bids []types.Bid, index int) (types.Bid, []types.Bid, error) {
	if index < 0 || index >= len(bids) {
		return types.Bid{}, nil, fmt.Errorf("bid index %d out of range [0,%d)", index, len(bids))
	}
	losers := make([]types.Bid, 0, len(bids)-1)
	losers = append(losers, bids[:index]...)
	losers = append(losers, bids[index+1:]...)
	return bids[index], losers, nil
}

// AcceptBid assigns the chosen provider to a public job and accepts their
// bid as the agreed terms
func AcceptBid(job types.Job, index int) (types.Job, types.Bid, []types.Bid, error) {
	if job.State != types.JobStateAcceptingOffers {
		return types.Job{}, types.Bid{}, nil, &TransitionError{
			JobID: job.ID, State: job.State, Role: types.RoleClient, Action: types.ActionAcceptTerms,
			Reason: "job is not accepting offers",
		}
	}
	chosen, losers, err := SelectBid(job.Bids, index)
	if err != nil {
		return types.Job{}, types.Bid{}, nil, err
	}

	a := types.NewJobAction(types.ActionAcceptTerms, types.RoleClient, "")
	a.Subject = chosen.ProviderID
	a.AmountUSD = chosen.Budget

	next := job.Clone()
	next.ProviderID = chosen.ProviderID
	next.Budget = chosen.Budget
	next.State = types.JobStateEscrowPending
	next.Bids = nil
	next.Actions = append(next.Actions, a)
	return next, chosen, losers, nil
}

func bidIndex(bids []types.Bid, providerID string) int {
	for i, b := range bids {
		if b.ProviderID == providerID {
			return i
		}
	}
	return -1
}
