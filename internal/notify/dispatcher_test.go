package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"cosmossdk.io/math"

	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/pkg/types"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (s *recordingSink) Notify(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	if s.fail {
		return errors.New("mail server down")
	}
	return nil
}

func (s *recordingSink) sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Notification(nil), s.got...)
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

type panicSink struct{}

func (panicSink) Notify(context.Context, Notification) error { panic("boom") }

type users map[string]types.User

func (u users) GetByID(ctx context.Context, id string) (types.User, error) {
	if usr, ok := u[id]; ok {
		return usr, nil
	}
	return types.User{}, errors.New("no such user")
}

var directory = users{
	"alice": {ID: "alice", Name: "Alice", Email: "alice@example.com"},
	"bob":   {ID: "bob", Name: "Bob", Email: "bob@example.com"},
}

func testJob() types.Job {
	return types.Job{
		ID:          "job-1",
		ClientID:    "alice",
		ProviderID:  "bob",
		Information: types.JobInformation{Title: "Logo"},
	}
}

func TestDispatcher_Plan(t *testing.T) {
	tests := []struct {
		name   string
		action types.JobAction
		want   map[Kind]string // kind -> recipient
	}{
		{"create", types.NewJobAction(types.ActionCreateJob, types.RoleClient, ""), map[Kind]string{KindJobRequested: "bob"}},
		{"cancel", types.NewJobAction(types.ActionCancelJob, types.RoleClient, ""), map[Kind]string{KindJobCancelled: "bob"}},
		{"accept by provider", types.NewJobAction(types.ActionAcceptTerms, types.RoleProvider, ""), map[Kind]string{KindTermsAccepted: "alice"}},
		{"decline", types.NewJobAction(types.ActionDeclineTerms, types.RoleProvider, ""), map[Kind]string{KindTermsDeclined: "alice"}},
		{"counter offer", types.NewJobAction(types.ActionCounterOffer, types.RoleClient, ""), map[Kind]string{KindCounterOffer: "bob"}},
		{"escrow", types.NewJobAction(types.ActionEnterEscrow, types.RoleClient, ""), map[Kind]string{KindEscrowFunded: "alice", KindJobCommenced: "bob"}},
		{"message", types.NewJobAction(types.ActionAddMessage, types.RoleProvider, "hi"), map[Kind]string{KindMessage: "alice"}},
		{"finished", types.NewJobAction(types.ActionFinishedJob, types.RoleProvider, ""), map[Kind]string{KindWorkFinished: "alice"}},
		{"complete", types.NewJobAction(types.ActionAcceptFinish, types.RoleClient, ""), map[Kind]string{KindJobCompleted: "bob"}},
		{"dispute", types.NewJobAction(types.ActionDispute, types.RoleProvider, ""), map[Kind]string{KindDisputeRaised: "alice"}},
		{"review", types.NewJobAction(types.ActionReview, types.RoleClient, ""), map[Kind]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(&recordingSink{}, directory, nil)
			got := d.plan(context.Background(), testJob(), tt.action)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d notifications, want %d: %+v", len(got), len(tt.want), got)
			}
			for _, n := range got {
				if tt.want[n.Kind] != n.Recipient {
					t.Errorf("%s went to %q, want %q", n.Kind, n.Recipient, tt.want[n.Kind])
				}
				if n.JobID != "job-1" || n.Title == "" {
					t.Errorf("incomplete notification %+v", n)
				}
			}
		})
	}
}

func TestDispatcher_PublicJobActions(t *testing.T) {
	job := testJob()
	job.ProviderID = ""
	d := NewDispatcher(&recordingSink{}, directory, nil)

	created := d.plan(context.Background(), job, types.NewJobAction(types.ActionCreateJob, types.RoleClient, ""))
	if len(created) != 0 {
		t.Errorf("public job creation should notify no one, got %+v", created)
	}

	bid := types.NewJobAction(types.ActionBid, types.RoleProvider, "")
	bid.Subject = "carol"
	bid.AmountUSD = math.LegacyNewDec(250)
	got := d.plan(context.Background(), job, bid)
	if len(got) != 1 || got[0].Recipient != "alice" || got[0].Sender != "carol" {
		t.Errorf("bid notifications = %+v", got)
	}

	invite := types.NewJobAction(types.ActionInvite, types.RoleClient, "join us")
	invite.Subject = "bob"
	got = d.plan(context.Background(), job, invite)
	if len(got) != 1 || got[0].Kind != KindInvited || got[0].Email != "bob@example.com" {
		t.Errorf("invite notifications = %+v", got)
	}
}

func TestDispatcher_DeliversAsync(t *testing.T) {
	sink := &recordingSink{}
	m := metrics.New()
	d := NewDispatcher(sink, directory, m)

	d.ActionPerformed(context.Background(), testJob(), types.NewJobAction(types.ActionEnterEscrow, types.RoleClient, ""))
	d.Wait()

	sent := sink.sent()
	if len(sent) != 2 || sent[0].Kind != KindEscrowFunded || sent[1].Kind != KindJobCommenced {
		t.Errorf("sent = %+v", sent)
	}
}

func TestDispatcher_CancelledContextStillDelivers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, directory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.ActionPerformed(ctx, testJob(), types.NewJobAction(types.ActionAddMessage, types.RoleClient, "ping"))
	d.Wait()

	if len(sink.sent()) != 1 {
		t.Error("a finished request must not cancel its notifications")
	}
}

func TestDispatcher_FailuresStayInside(t *testing.T) {
	for _, sink := range []Sink{&recordingSink{fail: true}, panicSink{}} {
		d := NewDispatcher(sink, directory, nil)
		d.ActionPerformed(context.Background(), testJob(), types.NewJobAction(types.ActionCancelJob, types.RoleClient, ""))
		d.Wait()
	}
}

func TestDispatcher_BidsDeclined(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, directory, nil)

	job := testJob()
	d.BidsDeclined(context.Background(), job, []types.Bid{{ProviderID: "carol"}, {ProviderID: "dave"}})
	d.Wait()

	sent := sink.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sent))
	}
	recipients := map[string]bool{}
	for _, n := range sent {
		if n.Kind != KindBidDeclined {
			t.Errorf("kind = %s", n.Kind)
		}
		recipients[n.Recipient] = true
	}
	if !recipients["carol"] || !recipients["dave"] {
		t.Errorf("recipients = %v", recipients)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{fail: true}
	err := Fanout{ok, bad, NewLogSink()}.Notify(context.Background(), Notification{Kind: KindMessage})
	if err == nil {
		t.Error("expected the failing sink's error")
	}
	if len(ok.sent()) != 1 || len(bad.sent()) != 1 {
		t.Error("every sink should be tried")
	}
}
