package chain

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxConsecutiveErrors = 3
	defaultRecoveryInterval     = 30 * time.Second
	ewmaAlpha                   = 0.3
	defaultInitialLatency       = 100 * time.Millisecond
)

// EndpointHealth tracks the health state of a single gateway base URL.
// It is served as-is on the health endpoint.
type EndpointHealth struct {
	URL             string        `json:"url"`
	Latency         time.Duration `json:"latency_ns"` // EWMA
	ConsecutiveErrs int           `json:"consecutive_errors"`
	Requests        uint64        `json:"requests"`
	Failures        uint64        `json:"failures"`
	LastSuccess     time.Time     `json:"last_success,omitzero"`
	LastError       time.Time     `json:"last_error,omitzero"`
	Healthy         bool          `json:"healthy"`
	latencySamples  int
}

// EndpointTracker orders gateway base URLs by health and latency.
type EndpointTracker struct {
	mu        sync.RWMutex
	endpoints []*EndpointHealth
	maxErrors int
	recovery  time.Duration
}

// NewEndpointTracker creates a tracker from a list of URLs.
// All endpoints start healthy, in the given order.
func NewEndpointTracker(urls []string) *EndpointTracker {
	endpoints := make([]*EndpointHealth, len(urls))
	for i, u := range urls {
		endpoints[i] = &EndpointHealth{
			URL:     u,
			Healthy: true,
			Latency: defaultInitialLatency,
		}
	}
	return &EndpointTracker{
		endpoints: endpoints,
		maxErrors: defaultMaxConsecutiveErrors,
		recovery:  defaultRecoveryInterval,
	}
}

// RecordSuccess records a successful call to the endpoint.
func (et *EndpointTracker) RecordSuccess(url string, latency time.Duration) {
	et.mu.Lock()
	defer et.mu.Unlock()

	ep := et.find(url)
	if ep == nil {
		return
	}

	ep.Requests++
	ep.ConsecutiveErrs = 0
	ep.LastSuccess = time.Now()
	ep.Healthy = true

	if ep.latencySamples == 0 {
		ep.Latency = latency
	} else {
		ep.Latency = time.Duration(
			ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(ep.Latency),
		)
	}
	ep.latencySamples++
}

// RecordError records a failed call to the endpoint.
func (et *EndpointTracker) RecordError(url string) {
	et.mu.Lock()
	defer et.mu.Unlock()

	ep := et.find(url)
	if ep == nil {
		return
	}

	ep.Requests++
	ep.Failures++
	ep.ConsecutiveErrs++
	ep.LastError = time.Now()

	if ep.ConsecutiveErrs >= et.maxErrors {
		ep.Healthy = false
	}
}

// Ordered returns the URLs to try, best first: healthy endpoints by latency,
// then unhealthy ones whose recovery interval has passed. When nothing
// qualifies every endpoint is returned in configured order so a call is
// always attempted.
func (et *EndpointTracker) Ordered() []string {
	et.mu.RLock()
	defer et.mu.RUnlock()

	now := time.Now()

	type candidate struct {
		url     string
		latency time.Duration
		recover bool
	}

	var candidates []candidate
	for _, ep := range et.endpoints {
		if ep.Healthy {
			candidates = append(candidates, candidate{url: ep.URL, latency: ep.Latency})
		} else if now.Sub(ep.LastError) >= et.recovery {
			candidates = append(candidates, candidate{url: ep.URL, latency: time.Hour, recover: true})
		}
	}

	if len(candidates) == 0 {
		urls := make([]string, len(et.endpoints))
		for i, ep := range et.endpoints {
			urls[i] = ep.URL
		}
		return urls
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].recover != candidates[j].recover {
			return !candidates[i].recover
		}
		return candidates[i].latency < candidates[j].latency
	})

	urls := make([]string, len(candidates))
	for i, c := range candidates {
		urls[i] = c.url
	}
	return urls
}

// Snapshot returns a copy of every endpoint's health
func (et *EndpointTracker) Snapshot() []EndpointHealth {
	et.mu.RLock()
	defer et.mu.RUnlock()

	out := make([]EndpointHealth, len(et.endpoints))
	for i, ep := range et.endpoints {
		out[i] = *ep
	}
	return out
}

// Len returns the total number of tracked endpoints.
func (et *EndpointTracker) Len() int {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return len(et.endpoints)
}

// find returns the endpoint with the given URL (must hold lock).
func (et *EndpointTracker) find(url string) *EndpointHealth {
	for _, ep := range et.endpoints {
		if ep.URL == url {
			return ep
		}
	}
	return nil
}
