package types

import (
	"fmt"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
)

// Role is the party a user is acting as on a job
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// Valid reports whether r is one of the two job parties
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleProvider
}

// Counterparty returns the other side of the job
func (r Role) Counterparty() Role {
	if r == RoleClient {
		return RoleProvider
	}
	return RoleClient
}

// JobState is the lifecycle state of a job
type JobState string

const (
	JobStateDraft           JobState = "draft"
	JobStateAcceptingOffers JobState = "acceptingOffers"
	JobStatePendingTerms    JobState = "pendingTerms"
	JobStateNegotiating     JobState = "negotiating"
	JobStateEscrowPending   JobState = "escrowPending"
	JobStateInProgress      JobState = "inProgress"
	JobStateDisputeRaised   JobState = "disputeRaised"
	JobStateComplete        JobState = "complete"
	JobStateCancelled       JobState = "cancelled"
	JobStateDeclined        JobState = "declined"
)

// AllJobStates lists every job state in lifecycle order
var AllJobStates = []JobState{
	JobStateDraft,
	JobStateAcceptingOffers,
	JobStatePendingTerms,
	JobStateNegotiating,
	JobStateEscrowPending,
	JobStateInProgress,
	JobStateDisputeRaised,
	JobStateComplete,
	JobStateCancelled,
	JobStateDeclined,
}

// Terminal reports whether no further state transition can leave s.
// complete is terminal even though reviews may still be recorded on it.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDraft, JobStateComplete, JobStateCancelled, JobStateDeclined:
		return true
	default:
		return false
	}
}

// ParseJobState validates a state name
func ParseJobState(s string) (JobState, error) {
	for _, st := range AllJobStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// PaymentType is how the budget is denominated
type PaymentType string

const (
	PaymentFixed  PaymentType = "fixed"
	PaymentHourly PaymentType = "hourly"
)

// Suffix returns the display suffix for an amount of this payment type
func (p PaymentType) Suffix() string {
	if p == PaymentHourly {
		return "/hr"
	}
	return "/total"
}

// TimeRange is the expected duration of a job
type TimeRange string

const (
	TimeRangeOneDay      TimeRange = "Up to 1 day"
	TimeRangeOneWeek     TimeRange = "Up to 1 week"
	TimeRangeOneMonth    TimeRange = "Up to 1 month"
	TimeRangeThreeMonths TimeRange = "Up to 3 months"
	TimeRangeOngoing     TimeRange = "Ongoing"
)

// WorkType distinguishes a single deliverable from ongoing work
type WorkType string

const (
	WorkTypeOneOff  WorkType = "one-off"
	WorkTypeOngoing WorkType = "ongoing"
)

// Attachment is an uploaded file reference. The core never reads it.
type Attachment struct {
	Name     string `json:"name"`
	FilePath string `json:"filePath,omitempty"`
	URL      string `json:"url,omitempty"`
}

// JobInformation is the descriptive part of a job; opaque to the state machine
type JobInformation struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Skills      []string     `json:"skills,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Bid is a provider offer on a public job
type Bid struct {
	ProviderID string         `json:"providerId"`
	Budget     math.LegacyDec `json:"budget"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Job is a unit of work negotiated between a client and a provider
type Job struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"clientId"`
	ProviderID  string         `json:"providerId"`
	State       JobState       `json:"state"`
	PaymentType PaymentType    `json:"paymentType"`
	Budget      math.LegacyDec `json:"budget"`
	Information JobInformation `json:"information"`
	BscEscrow   bool           `json:"bscEscrow"`

	// Proposal fields, last written by createJob or counterOffer
	TimelineExpectation TimeRange `json:"timelineExpectation,omitempty"`
	WorkType            WorkType  `json:"workType,omitempty"`
	WeeklyCommitment    int       `json:"weeklyCommitment,omitempty"`

	Actions []JobAction `json:"actions"`
	Bids    []Bid       `json:"bids,omitempty"`

	// Version increments on every stored mutation
	Version int64 `json:"version"`
}

// NewJobID returns a fresh job identifier
func NewJobID() string {
	return uuid.NewString()
}

// Clone returns a deep copy so callers can mutate without aliasing
func (j Job) Clone() Job {
	c := j
	c.Information.Skills = append([]string(nil), j.Information.Skills...)
	c.Information.Attachments = append([]Attachment(nil), j.Information.Attachments...)
	c.Actions = append([]JobAction(nil), j.Actions...)
	c.Bids = append([]Bid(nil), j.Bids...)
	return c
}

// RoleOf returns the role the given user plays on the job
func (j Job) RoleOf(userID string) (Role, bool) {
	switch userID {
	case j.ClientID:
		return RoleClient, true
	case j.ProviderID:
		return RoleProvider, true
	default:
		return "", false
	}
}

// PartyID returns the user ID acting as role
func (j Job) PartyID(role Role) string {
	if role == RoleClient {
		return j.ClientID
	}
	return j.ProviderID
}

// LastAction returns the most recent action of the given type
func (j Job) LastAction(t ActionType) (JobAction, bool) {
	for i := len(j.Actions) - 1; i >= 0; i-- {
		if j.Actions[i].Type == t {
			return j.Actions[i], true
		}
	}
	return JobAction{}, false
}

// HasAction reports whether role has already recorded an action of type t
func (j Job) HasAction(t ActionType, role Role) bool {
	for _, a := range j.Actions {
		if a.Type == t && a.ExecutedBy == role {
			return true
		}
	}
	return false
}

// User is a marketplace account as seen by the core
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"` // bound wallet address, empty when unbound
	// SmartChainAddress is the 0x address the user escrows from or is paid to on the smart chain
	SmartChainAddress string `json:"smartChainAddress,omitempty"`
}
