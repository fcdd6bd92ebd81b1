package wallet

import "sync"

// EventType tags a connection event
type EventType int

const (
	EventInit EventType = iota
	EventConnectRequest
	EventConnectConfirmationRequired
	EventConnectSuccess
	EventConnectFailure
	EventUpdate
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventInit:
		return "init"
	case EventConnectRequest:
		return "connect_request"
	case EventConnectConfirmationRequired:
		return "connect_confirmation_required"
	case EventConnectSuccess:
		return "connect_success"
	case EventConnectFailure:
		return "connect_failure"
	case EventUpdate:
		return "update"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one entry in the connection manager's ordered stream
type Event struct {
	Type    EventType
	Kind    Kind
	Address string
	// Details is set on ConnectRequest and ConnectConfirmationRequired
	Details Details
	// Forced marks a request replayed by ConfirmConnect
	Forced bool
	// Reason explains a ConnectFailure
	Reason string
	// URI is the pairing URI carried by Init
	URI string
}

// Subscription delivers events in emission order. The queue is unbounded
// so a slow consumer never stalls the manager.
type Subscription struct {
	ch     chan Event
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool

	once    sync.Once
	onClose func(*Subscription)
}

func newSubscription(onClose func(*Subscription)) *Subscription {
	s := &Subscription{
		ch:      make(chan Event),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close stops delivery and drops undelivered events
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		<-s.done
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.ch)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- e:
		case <-s.stop:
			return
		}
	}
}
