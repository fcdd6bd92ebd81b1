// Package notify tells job parties what their counterparty did. Delivery is
// fire-and-forget: a failing sink is logged and counted, never surfaced to
// the action that triggered it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/canwork/jobescrow/internal/logging"
)

// Kind names a notification template
type Kind string

const (
	KindJobRequested  Kind = "jobRequested"
	KindJobCancelled  Kind = "jobCancelled"
	KindTermsAccepted Kind = "termsAccepted"
	KindTermsDeclined Kind = "termsDeclined"
	KindCounterOffer  Kind = "counterOffer"
	KindEscrowFunded  Kind = "escrowFunded"
	KindJobCommenced  Kind = "jobCommenced"
	KindMessage       Kind = "message"
	KindWorkFinished  Kind = "workFinished"
	KindJobCompleted  Kind = "jobCompleted"
	KindDisputeRaised Kind = "disputeRaised"
	KindBidPlaced     Kind = "bidPlaced"
	KindBidDeclined   Kind = "bidDeclined"
	KindInvited       Kind = "invited"
)

// Notification is one message to one user
type Notification struct {
	Kind      Kind      `json:"kind"`
	JobID     string    `json:"jobId"`
	Recipient string    `json:"recipient"`
	Email     string    `json:"email,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink delivers notifications
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs every notification at info level
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.With(logging.Component("notify"))}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification",
		"kind", n.Kind,
		logging.JobID(n.JobID),
		"recipient", n.Recipient,
		"title", n.Title,
	)
	return nil
}

// Fanout delivers to every sink and joins their errors
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
