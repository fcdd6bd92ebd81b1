package chain

import (
	"testing"
	"time"
)

func TestEndpointTracker_StartsHealthyInOrder(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com", "https://gw2.example.com"})

	if et.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", et.Len())
	}
	got := et.Ordered()
	if len(got) != 2 || got[0] != "https://gw1.example.com" {
		t.Fatalf("expected configured order, got %v", got)
	}
}

func TestEndpointTracker_RecordSuccessUpdatesLatency(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com"})

	et.RecordSuccess("https://gw1.example.com", 100*time.Millisecond)
	et.RecordSuccess("https://gw1.example.com", 200*time.Millisecond)

	// EWMA after two samples: first=100ms, second=0.3*200+0.7*100=130ms
	ep := et.Snapshot()[0]
	if ep.Latency < 120*time.Millisecond || ep.Latency > 140*time.Millisecond {
		t.Errorf("expected EWMA latency ~130ms, got %v", ep.Latency)
	}
}

func TestEndpointTracker_ErrorsDemoteEndpoint(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com", "https://gw2.example.com"})

	for i := 0; i < defaultMaxConsecutiveErrors; i++ {
		et.RecordError("https://gw1.example.com")
	}

	got := et.Ordered()
	if len(got) != 1 || got[0] != "https://gw2.example.com" {
		t.Fatalf("expected only gw2, got %v", got)
	}
	if et.Snapshot()[0].Healthy {
		t.Error("gw1 should be marked unhealthy")
	}
}

func TestEndpointTracker_SuccessResetsErrors(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com"})

	et.RecordError("https://gw1.example.com")
	et.RecordError("https://gw1.example.com")
	et.RecordSuccess("https://gw1.example.com", 10*time.Millisecond)
	et.RecordError("https://gw1.example.com")

	if ep := et.Snapshot()[0]; !ep.Healthy || ep.ConsecutiveErrs != 1 {
		t.Errorf("expected healthy with 1 error, got %+v", ep)
	}
}

func TestEndpointTracker_SortsByLatency(t *testing.T) {
	et := NewEndpointTracker([]string{"https://slow.example.com", "https://fast.example.com"})

	et.RecordSuccess("https://slow.example.com", 200*time.Millisecond)
	et.RecordSuccess("https://fast.example.com", 10*time.Millisecond)

	if got := et.Ordered(); got[0] != "https://fast.example.com" {
		t.Errorf("expected fast endpoint first, got %v", got)
	}
}

func TestEndpointTracker_AllUnhealthyFallsBackToConfiguredOrder(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com", "https://gw2.example.com"})
	for i := 0; i < defaultMaxConsecutiveErrors; i++ {
		et.RecordError("https://gw1.example.com")
		et.RecordError("https://gw2.example.com")
	}

	got := et.Ordered()
	if len(got) != 2 || got[0] != "https://gw1.example.com" {
		t.Errorf("expected fallback to configured order, got %v", got)
	}
}

func TestEndpointTracker_RecoveryAfterInterval(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com", "https://gw2.example.com"})
	et.recovery = 10 * time.Millisecond

	for i := 0; i < defaultMaxConsecutiveErrors; i++ {
		et.RecordError("https://gw1.example.com")
	}
	if got := et.Ordered(); len(got) != 1 {
		t.Fatalf("expected 1 endpoint immediately after errors, got %v", got)
	}

	time.Sleep(15 * time.Millisecond)

	got := et.Ordered()
	if len(got) != 2 || got[1] != "https://gw1.example.com" {
		t.Fatalf("expected gw1 as recovery probe at the end, got %v", got)
	}
}

func TestEndpointTracker_UnknownURLIgnored(t *testing.T) {
	et := NewEndpointTracker([]string{"https://gw1.example.com"})

	et.RecordSuccess("https://unknown.example.com", 50*time.Millisecond)
	et.RecordError("https://unknown.example.com")

	if et.Len() != 1 {
		t.Errorf("expected 1 endpoint, got %d", et.Len())
	}
}

func TestEndpointTracker_CountsRequests(t *testing.T) {
	et := NewEndpointTracker([]string{"http://a"})
	et.RecordSuccess("http://a", 10*time.Millisecond)
	et.RecordError("http://a")
	et.RecordError("http://a")

	ep := et.Snapshot()[0]
	if ep.Requests != 3 || ep.Failures != 2 {
		t.Errorf("Requests = %d, Failures = %d; want 3, 2", ep.Requests, ep.Failures)
	}
}
