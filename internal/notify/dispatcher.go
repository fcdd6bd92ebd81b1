package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/util"
	"github.com/canwork/jobescrow/pkg/types"
)

const defaultDeliveryTimeout = 30 * time.Second

var _ jobflow.Notifier = (*Dispatcher)(nil)

// Directory resolves the display name and email of a user
type Directory interface {
	GetByID(ctx context.Context, id string) (types.User, error)
}

// Dispatcher turns job actions into notifications and delivers them in the
// background
type Dispatcher struct {
	sink    Sink
	users   Directory
	metrics *metrics.Collector
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher delivering to sink. users and m may be nil.
func NewDispatcher(sink Sink, users Directory, m *metrics.Collector) *Dispatcher {
	if sink == nil {
		sink = NewLogSink()
	}
	return &Dispatcher{
		sink:    sink,
		users:   users,
		metrics: m,
		timeout: defaultDeliveryTimeout,
		logger:  logging.With(logging.Component("notify")),
	}
}

// ActionPerformed notifies whoever a should reach. It never blocks on delivery.
func (d *Dispatcher) ActionPerformed(ctx context.Context, job types.Job, a types.JobAction) {
	d.dispatch(ctx, d.plan(ctx, job, a))
}

// BidsDeclined tells each losing bidder their bid was not selected
func (d *Dispatcher) BidsDeclined(ctx context.Context, job types.Job, losers []types.Bid) {
	client := d.user(ctx, job.ClientID)
	var out []Notification
	for _, b := range losers {
		out = append(out, d.message(ctx, KindBidDeclined, job, client, b.ProviderID,
			fmt.Sprintf("Your bid on %q was not selected", job.Information.Title),
			fmt.Sprintf("%s hired another provider for %q.", client.Name, job.Information.Title)))
	}
	d.dispatch(ctx, out)
}

// Wait blocks until every delivery started so far has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, ns []Notification) {
	// Deliveries outlive the request that caused them
	base := context.WithoutCancel(ctx)
	for _, n := range ns {
		d.wg.Add(1)
		util.SafeGoRecover("notify-"+string(n.Kind), func() {
			defer d.wg.Done()
			dctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			err := d.sink.Notify(dctx, n)
			d.metrics.RecordNotification(string(n.Kind), err == nil)
			if err != nil {
				d.logger.Warn("notification failed",
					"kind", n.Kind, logging.JobID(n.JobID), "recipient", n.Recipient, logging.Err(err))
			}
		}, func(any) {
			d.metrics.RecordNotification(string(n.Kind), false)
		})
	}
}

// plan maps an action to its notifications. Private reviews notify no one.
func (d *Dispatcher) plan(ctx context.Context, job types.Job, a types.JobAction) []Notification {
	actor := d.user(ctx, job.PartyID(a.ExecutedBy))
	if a.Type == types.ActionBid {
		actor = d.user(ctx, a.Subject)
	}
	other := job.PartyID(a.ExecutedBy.Counterparty())
	title := job.Information.Title

	one := func(k Kind, to, subject, body string) []Notification {
		if to == "" {
			return nil
		}
		return []Notification{d.message(ctx, k, job, actor, to, subject, body)}
	}

	switch a.Type {
	case types.ActionCreateJob:
		return one(KindJobRequested, job.ProviderID,
			fmt.Sprintf("You have a work request from %s", actor.Name),
			fmt.Sprintf("%s has requested a job: %q. Please review it.", actor.Name, title))
	case types.ActionCancelJob, types.ActionCancelJobEarly:
		return one(KindJobCancelled, other,
			fmt.Sprintf("%s has cancelled the job", actor.Name),
			fmt.Sprintf("%s has cancelled %q.", actor.Name, title))
	case types.ActionAcceptTerms:
		return one(KindTermsAccepted, other,
			fmt.Sprintf("%s accepted the terms of %q", actor.Name, title),
			"A payment into escrow is now required to proceed.")
	case types.ActionDeclineTerms:
		return one(KindTermsDeclined, other,
			fmt.Sprintf("%s declined the terms of %q", actor.Name, title),
			fmt.Sprintf("%s has declined the job %q.", actor.Name, title))
	case types.ActionCounterOffer:
		return one(KindCounterOffer, other,
			fmt.Sprintf("%s made a counter offer on %q", actor.Name, title),
			a.Summary(actor.Name))
	case types.ActionEnterEscrow, types.ActionEnterEscrowBsc:
		client := d.message(ctx, KindEscrowFunded, job, actor, job.ClientID,
			fmt.Sprintf("Your funds for %q are in escrow", title),
			"Your payment has been deposited into escrow. Work can now begin.")
		provider := d.message(ctx, KindJobCommenced, job, actor, job.ProviderID,
			fmt.Sprintf("Work on %q can begin", title),
			fmt.Sprintf("%s has funded the escrow for %q. You can start working.", actor.Name, title))
		return []Notification{client, provider}
	case types.ActionAddMessage:
		return one(KindMessage, other,
			fmt.Sprintf("New message from %s", actor.Name), a.Message)
	case types.ActionFinishedJob:
		return one(KindWorkFinished, job.ClientID,
			fmt.Sprintf("%s marked %q as complete", actor.Name, title),
			"Please review the work and complete the job to release the escrow.")
	case types.ActionAcceptFinish:
		return one(KindJobCompleted, job.ProviderID,
			fmt.Sprintf("%q is complete", title),
			fmt.Sprintf("%s completed the job and the escrow was released.", actor.Name))
	case types.ActionDispute:
		return one(KindDisputeRaised, other,
			fmt.Sprintf("%s raised a dispute on %q", actor.Name, title),
			a.Message)
	case types.ActionBid:
		return one(KindBidPlaced, job.ClientID,
			fmt.Sprintf("New bid on %q", title),
			fmt.Sprintf("%s bid $%s on your job.", actor.Name, a.AmountUSD.String()))
	case types.ActionDeclineBid:
		return one(KindBidDeclined, a.Subject,
			fmt.Sprintf("Your bid on %q was declined", title),
			fmt.Sprintf("%s declined your bid.", actor.Name))
	case types.ActionInvite:
		return one(KindInvited, a.Subject,
			fmt.Sprintf("%s invited you to %q", actor.Name, title),
			a.Message)
	default:
		return nil
	}
}

func (d *Dispatcher) message(ctx context.Context, k Kind, job types.Job, from types.User, to, subject, body string) Notification {
	recipient := d.user(ctx, to)
	return Notification{
		Kind:      k,
		JobID:     job.ID,
		Recipient: recipient.ID,
		Email:     recipient.Email,
		Sender:    from.ID,
		Title:     subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// user resolves id, falling back to the bare ID so a missing profile never
// drops a notification
func (d *Dispatcher) user(ctx context.Context, id string) types.User {
	if d.users != nil && id != "" {
		if u, err := d.users.GetByID(ctx, id); err == nil {
			if u.Name == "" {
				u.Name = u.ID
			}
			return u
		}
	}
	return types.User{ID: id, Name: id}
}
