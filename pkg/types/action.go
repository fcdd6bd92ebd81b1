package types

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
)

// ActionType is the kind of a job action. Values are the stored names.
type ActionType string

const (
	ActionCreateJob      ActionType = "Create job"
	ActionCancelJob      ActionType = "Cancel job"
	ActionDeclineTerms   ActionType = "Decline terms"
	ActionCounterOffer   ActionType = "Counter offer"
	ActionAcceptTerms    ActionType = "Accept terms"
	ActionEnterEscrow    ActionType = "Pay Escrow"
	ActionEnterEscrowBsc ActionType = "Pay Bsc Escrow"
	ActionAddMessage     ActionType = "Add Note"
	ActionFinishedJob    ActionType = "Mark as complete"
	ActionAcceptFinish   ActionType = "Complete job"
	ActionDispute        ActionType = "Raise dispute"
	ActionReview         ActionType = "Leave a review"
	ActionBid            ActionType = "Place Bid"
	ActionDeclineBid     ActionType = "Decline Bid"
	ActionInvite         ActionType = "Invite to job"
	ActionCancelJobEarly ActionType = "Cancel Job Early"
	ActionReleaseEscrow  ActionType = "Release escrow"
	ActionRefundEscrow   ActionType = "Refund escrow"
	ActionValueEscrow    ActionType = "Confirmed value"
)

// AllActionTypes lists every action kind
var AllActionTypes = []ActionType{
	ActionCreateJob,
	ActionCancelJob,
	ActionDeclineTerms,
	ActionCounterOffer,
	ActionAcceptTerms,
	ActionEnterEscrow,
	ActionEnterEscrowBsc,
	ActionAddMessage,
	ActionFinishedJob,
	ActionAcceptFinish,
	ActionDispute,
	ActionReview,
	ActionBid,
	ActionDeclineBid,
	ActionInvite,
	ActionCancelJobEarly,
	ActionReleaseEscrow,
	ActionRefundEscrow,
	ActionValueEscrow,
}

// ParseActionType accepts either the stored name ("Counter offer") or the
// identifier form ("counterOffer").
func ParseActionType(s string) (ActionType, error) {
	for _, t := range AllActionTypes {
		if string(t) == s || t.Key() == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// Key returns the identifier form of the action type
func (t ActionType) Key() string {
	switch t {
	case ActionCreateJob:
		return "createJob"
	case ActionCancelJob:
		return "cancelJob"
	case ActionDeclineTerms:
		return "declineTerms"
	case ActionCounterOffer:
		return "counterOffer"
	case ActionAcceptTerms:
		return "acceptTerms"
	case ActionEnterEscrow:
		return "enterEscrow"
	case ActionEnterEscrowBsc:
		return "enterEscrowBsc"
	case ActionAddMessage:
		return "addMessage"
	case ActionFinishedJob:
		return "finishedJob"
	case ActionAcceptFinish:
		return "acceptFinish"
	case ActionDispute:
		return "dispute"
	case ActionReview:
		return "review"
	case ActionBid:
		return "bid"
	case ActionDeclineBid:
		return "declineBid"
	case ActionInvite:
		return "invite"
	case ActionCancelJobEarly:
		return "cancelJobEarly"
	case ActionReleaseEscrow:
		return "releaseEscrow"
	case ActionRefundEscrow:
		return "refundEscrow"
	case ActionValueEscrow:
		return "valueEscrow"
	default:
		return string(t)
	}
}

// IsPrivate reports whether records of this type are hidden from the counterparty
func (t ActionType) IsPrivate() bool {
	switch t {
	case ActionReview, ActionEnterEscrow, ActionEnterEscrowBsc:
		return true
	default:
		return false
	}
}

// IsProposal reports whether the action carries a payment proposal payload
func (t ActionType) IsProposal() bool {
	return t == ActionCreateJob || t == ActionCounterOffer || t == ActionBid
}

// JobAction is an immutable record of something a party did to a job
type JobAction struct {
	Type       ActionType `json:"type"`
	ExecutedBy Role       `json:"executedBy"`
	Timestamp  time.Time  `json:"timestamp"`
	Private    bool       `json:"private"`
	Message    string     `json:"message,omitempty"`
	Rating     int        `json:"rating,omitempty"`
	// Subject is the user an action refers to: bidder, invitee or declined provider
	Subject string `json:"subject,omitempty"`
	// TxHash is set on fund-moving actions once the transfer was broadcast
	TxHash string `json:"txHash,omitempty"`

	// Payment proposal payload, set only for proposal-type actions
	AmountUSD           math.LegacyDec `json:"amountUsd,omitempty"`
	PaymentType         PaymentType    `json:"paymentType,omitempty"`
	TimelineExpectation TimeRange      `json:"timelineExpectation,omitempty"`
	WorkType            WorkType       `json:"workType,omitempty"`
	WeeklyCommitment    int            `json:"weeklyCommitment,omitempty"`
}

// NewJobAction builds an action stamped with the current time.
// Private is derived from the type and cannot be set by callers.
func NewJobAction(t ActionType, by Role, message string) JobAction {
	return JobAction{
		Type:       t,
		ExecutedBy: by,
		Timestamp:  time.Now().UTC(),
		Private:    t.IsPrivate(),
		Message:    message,
	}
}

// WithProposal attaches a payment proposal to the action
func (a JobAction) WithProposal(usd math.LegacyDec, pt PaymentType, timeline TimeRange, work WorkType, weekly int) JobAction {
	a.AmountUSD = usd
	a.PaymentType = pt
	a.TimelineExpectation = timeline
	a.WorkType = work
	a.WeeklyCommitment = weekly
	return a
}

// HasAmount reports whether a USD amount was proposed
func (a JobAction) HasAmount() bool {
	return !a.AmountUSD.IsNil() && a.AmountUSD.IsPositive()
}

// VisibleTo returns the action as the given role may see it. Private
// actions recorded by the other party keep only their type and timestamp.
func (a JobAction) VisibleTo(viewer Role) JobAction {
	if !a.Private || a.ExecutedBy == viewer {
		return a
	}
	return JobAction{
		Type:       a.Type,
		ExecutedBy: a.ExecutedBy,
		Timestamp:  a.Timestamp,
		Private:    true,
	}
}

// Summary renders a one-line plain description of the action
func (a JobAction) Summary(executor string) string {
	switch a.Type {
	case ActionCreateJob:
		if a.HasAmount() {
			return fmt.Sprintf("Job created by %s. Proposed budget of $%s%s USD", executor, FormatUSD(a.AmountUSD), a.PaymentType.Suffix())
		}
		return fmt.Sprintf("Job created by %s.", executor)
	case ActionCounterOffer:
		return fmt.Sprintf("%s proposed a counter offer. Proposed budget at $%s%s USD", executor, FormatUSD(a.AmountUSD), a.PaymentType.Suffix())
	case ActionAcceptTerms:
		return fmt.Sprintf("%s accepted the terms of this job.", executor)
	case ActionDeclineTerms:
		return fmt.Sprintf("%s declined the terms of this job.", executor)
	case ActionCancelJob:
		return fmt.Sprintf("%s cancelled this job.", executor)
	case ActionCancelJobEarly:
		return fmt.Sprintf("%s cancelled the job early.", executor)
	case ActionAddMessage:
		return fmt.Sprintf("%s left a message: %s", executor, a.Message)
	case ActionEnterEscrow, ActionEnterEscrowBsc:
		return fmt.Sprintf("%s sent tokens to escrow.", executor)
	default:
		return fmt.Sprintf("Job action: %s, by %s", a.Type, executor)
	}
}
