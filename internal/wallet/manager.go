package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/metrics"
	"github.com/canwork/jobescrow/internal/util"
	"github.com/canwork/jobescrow/pkg/types"
)

var (
	// ErrConfirmationRequired is returned when the user already has a
	// different address bound and the request awaits ConfirmConnect
	ErrConfirmationRequired = errors.New("connection requires confirmation")
	// ErrAddressInUse is returned when the address is bound to another user
	ErrAddressInUse = errors.New("address in use")
	// ErrSuperseded is returned when a newer request or a disconnect
	// overtook this one while the backend was opening
	ErrSuperseded = errors.New("connect request superseded")
)

// Directory is the part of the user directory the manager consults for
// address bindings
type Directory interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByAddress(ctx context.Context, address string) (types.User, bool, error)
	// BindAddress binds address to the user. It reports false when the
	// binding was refused.
	BindAddress(ctx context.Context, userID, address string) (bool, error)
}

// BackendOpener builds a connected backend from details
type BackendOpener interface {
	Open(ctx context.Context, d Details, hooks Hooks) (Backend, error)
}

// State is the connection manager's slot state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConfirmation
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection is the active wallet
type Connection struct {
	Kind    Kind
	Address string
	Backend Backend

	ctx context.Context
}

// Context is cancelled when the connection is cleared from the slot
func (c Connection) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// ManagerOptions configures a ConnectionManager
type ManagerOptions struct {
	// UserID is the authenticated user whose bindings are checked
	UserID    string
	Directory Directory
	Opener    BackendOpener
	// Store persists keystore and ledger connections. nil keeps nothing.
	Store   ConnectionStore
	Metrics *metrics.Collector
}

type activeSlot struct {
	conn    Connection
	details Details
	cancel  context.CancelFunc
}

type pendingConnect struct {
	details Details
	backend Backend
}

// hookTarget ties bridge hooks to the backend they came from
type hookTarget struct {
	backend Backend
}

// ConnectionManager owns the single active wallet slot. Every mutation of
// the slot goes through it and is announced on the event stream in order.
type ConnectionManager struct {
	userID  string
	dir     Directory
	opener  BackendOpener
	store   ConnectionStore
	metrics *metrics.Collector

	mu      sync.Mutex
	state   State
	active  *activeSlot
	pending *pendingConnect
	// gen advances on every request, confirmation and disconnect so that
	// stale opens and hooks can tell they were overtaken
	gen atomic.Uint64

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewConnectionManager returns a manager with an empty slot
func NewConnectionManager(opts ManagerOptions) (*ConnectionManager, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("connection manager: user id is required")
	}
	if opts.Directory == nil || opts.Opener == nil {
		return nil, fmt.Errorf("connection manager: directory and opener are required")
	}
	return &ConnectionManager{
		userID:  opts.UserID,
		dir:     opts.Directory,
		opener:  opts.Opener,
		store:   opts.Store,
		metrics: opts.Metrics,
		subs:    make(map[*Subscription]struct{}),
	}, nil
}

// Subscribe returns a new event subscription. Close it when done.
func (m *ConnectionManager) Subscribe() *Subscription {
	s := newSubscription(func(s *Subscription) {
		m.subMu.Lock()
		delete(m.subs, s)
		m.subMu.Unlock()
	})
	m.subMu.Lock()
	m.subs[s] = struct{}{}
	m.subMu.Unlock()
	return s
}

// State returns the current slot state
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveBackend returns the connected wallet, if any
func (m *ConnectionManager) ActiveBackend() (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Connection{}, false
	}
	return m.active.conn, true
}

// Pending returns the request awaiting confirmation, if any
func (m *ConnectionManager) Pending() (Kind, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return "", "", false
	}
	return m.pending.backend.Kind(), m.pending.backend.Address(), true
}

// RequestConnect opens a backend for d and binds it to the slot unless the
// address conflicts with the directory. It returns nil on ConnectSuccess,
// ErrConfirmationRequired when the request is buffered, and an error on
// ConnectFailure.
func (m *ConnectionManager) RequestConnect(ctx context.Context, d Details) error {
	if d == nil {
		return fmt.Errorf("%w: nil details", ErrUnknownKind)
	}
	kind := d.Kind()

	m.mu.Lock()
	gen := m.gen.Add(1)
	// A new request supersedes any buffered one.
	m.dropPendingLocked(ctx)
	m.state = StateConnecting
	m.emitLocked(Event{Type: EventConnectRequest, Kind: kind, Details: d})
	m.mu.Unlock()

	target := &hookTarget{}
	b, err := m.opener.Open(ctx, d, m.hooksFor(gen, kind, target))

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen.Load() {
		if b != nil {
			closeBackend(ctx, b)
		}
		return ErrSuperseded
	}
	if err != nil {
		m.failLocked(ctx, kind, "", err.Error())
		return err
	}
	target.backend = b
	return m.resolveLocked(ctx, d, b, false)
}

// ConfirmConnect replays the buffered request with the conflict check
// bypassed. It is a no-op when nothing is pending.
func (m *ConnectionManager) ConfirmConnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pending
	if p == nil {
		return nil
	}
	m.pending = nil
	m.gen.Add(1)
	m.state = StateConnecting
	m.emitLocked(Event{Type: EventConnectRequest, Kind: p.backend.Kind(), Details: p.details, Forced: true})
	return m.resolveLocked(ctx, p.details, p.backend, true)
}

// Disconnect tears down the active backend and clears the slot and the
// persisted record. The slot is cleared even when teardown fails.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked(ctx)
}

func (m *ConnectionManager) disconnectLocked(ctx context.Context) error {
	m.gen.Add(1)
	m.dropPendingLocked(ctx)

	var kind Kind
	var addr string
	var teardownErr error
	if m.active != nil {
		kind, addr = m.active.conn.Kind, m.active.conn.Address
		teardownErr = m.releaseActiveLocked(ctx)
	}
	m.clearRecordLocked(ctx)
	m.state = StateDisconnected
	m.emitLocked(Event{Type: EventDisconnect, Kind: kind, Address: addr})

	if teardownErr != nil {
		return fmt.Errorf("wallet teardown: %w", teardownErr)
	}
	return nil
}

// Update handles an address change reported by the active backend. The
// new address goes through the same conflict rules as a fresh request.
func (m *ConnectionManager) Update(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNotConnected
	}
	if address == m.active.conn.Address {
		return nil
	}

	slot := m.active
	kind := slot.conn.Kind
	m.dropPendingLocked(ctx)
	m.emitLocked(Event{Type: EventUpdate, Kind: kind, Address: address})

	// The old binding no longer describes the backend; take it out of the
	// slot without closing it and re-resolve.
	slot.cancel()
	m.active = nil
	m.setConnected(false)
	m.gen.Add(1)
	m.state = StateConnecting
	return m.resolveLocked(ctx, slot.details, slot.conn.Backend, false)
}

// Restore replays a persisted keystore or ledger connection as a fresh
// request. Bridge records are discarded.
func (m *ConnectionManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load connection record: %w", err)
	}
	if rec == nil {
		return nil
	}

	d, err := rec.Details()
	if err != nil || !rec.Kind.Persistable() {
		logging.Warn("discarding persisted connection",
			logging.WalletKind(string(rec.Kind)),
			logging.Address(rec.Address))
		return m.store.Clear(ctx)
	}

	logging.Info("restoring wallet connection",
		logging.WalletKind(string(rec.Kind)),
		logging.Address(rec.Address))
	return m.RequestConnect(ctx, d)
}

// Shutdown closes the active and pending backends and every subscription.
// The persisted record is kept so the next process can restore it.
func (m *ConnectionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.gen.Add(1)
	m.dropPendingLocked(ctx)
	if m.active != nil {
		if err := m.releaseActiveLocked(ctx); err != nil {
			logging.Warn("wallet teardown failed", logging.Err(err))
		}
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// resolveLocked applies the address conflict rules to an opened backend
func (m *ConnectionManager) resolveLocked(ctx context.Context, d Details, b Backend, forced bool) error {
	kind := b.Kind()
	addr := b.Address()

	user, err := m.dir.GetByID(ctx, m.userID)
	if err != nil {
		closeBackend(ctx, b)
		m.failLocked(ctx, kind, addr, "user lookup failed")
		return fmt.Errorf("user lookup: %w", err)
	}

	if user.Address == addr {
		m.successLocked(ctx, d, b)
		return nil
	}

	if user.Address != "" && !forced {
		m.pending = &pendingConnect{details: d, backend: b}
		m.state = StateAwaitingConfirmation
		m.emitLocked(Event{
			Type:    EventConnectConfirmationRequired,
			Kind:    kind,
			Address: addr,
			Details: d,
		})
		return ErrConfirmationRequired
	}

	owner, found, err := m.dir.GetByAddress(ctx, addr)
	if err != nil {
		closeBackend(ctx, b)
		m.failLocked(ctx, kind, addr, "address lookup failed")
		return fmt.Errorf("address lookup: %w", err)
	}
	if found && owner.ID != m.userID {
		closeBackend(ctx, b)
		m.failLocked(ctx, kind, addr, ErrAddressInUse.Error())
		return ErrAddressInUse
	}

	ok, err := m.dir.BindAddress(ctx, m.userID, addr)
	if err != nil || !ok {
		closeBackend(ctx, b)
		reason := "address binding refused"
		if err != nil {
			reason = "address binding failed"
		}
		m.failLocked(ctx, kind, addr, reason)
		if err == nil {
			err = errors.New(reason)
		}
		return err
	}

	m.successLocked(ctx, d, b)
	return nil
}

func (m *ConnectionManager) successLocked(ctx context.Context, d Details, b Backend) {
	if m.active != nil && m.active.conn.Backend != b {
		if err := m.releaseActiveLocked(ctx); err != nil {
			logging.Warn("closing replaced wallet failed", logging.Err(err))
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := Connection{Kind: b.Kind(), Address: b.Address(), Backend: b, ctx: connCtx}
	m.active = &activeSlot{conn: conn, details: d, cancel: cancel}
	m.state = StateConnected
	m.setConnected(true)

	if m.store != nil {
		if rec, ok := recordFor(b); ok {
			if err := m.store.Save(ctx, rec); err != nil {
				logging.Warn("persisting wallet connection failed", logging.Err(err))
			}
		} else {
			m.clearRecordLocked(ctx)
		}
	}

	logging.Info("wallet connected",
		logging.WalletKind(string(conn.Kind)),
		logging.Address(conn.Address))
	m.emitLocked(Event{Type: EventConnectSuccess, Kind: conn.Kind, Address: conn.Address})
}

func (m *ConnectionManager) failLocked(ctx context.Context, kind Kind, addr, reason string) {
	if m.active != nil {
		if err := m.releaseActiveLocked(ctx); err != nil {
			logging.Warn("wallet teardown failed", logging.Err(err))
		}
	}
	m.clearRecordLocked(ctx)
	m.state = StateDisconnected

	logging.Warn("wallet connection failed",
		logging.WalletKind(string(kind)),
		logging.Address(addr),
		"reason", reason)
	m.emitLocked(Event{Type: EventConnectFailure, Kind: kind, Address: addr, Reason: reason})
}

// releaseActiveLocked cancels the connection context, closes the backend
// and empties the slot
func (m *ConnectionManager) releaseActiveLocked(ctx context.Context) error {
	slot := m.active
	m.active = nil
	m.setConnected(false)
	slot.cancel()
	return slot.conn.Backend.Close(ctx)
}

func (m *ConnectionManager) dropPendingLocked(ctx context.Context) {
	if m.pending == nil {
		return
	}
	closeBackend(ctx, m.pending.backend)
	m.pending = nil
	if m.active == nil {
		m.state = StateDisconnected
	} else {
		m.state = StateConnected
	}
}

func (m *ConnectionManager) clearRecordLocked(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		logging.Warn("clearing wallet connection record failed", logging.Err(err))
	}
}

// emitLocked publishes e. Callers hold m.mu except for Init, which is
// emitted while a backend is still opening.
func (m *ConnectionManager) emitLocked(e Event) {
	m.metrics.RecordWalletEvent(e.Type.String())

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs {
		s.push(e)
	}
}

func (m *ConnectionManager) setConnected(v bool) {
	m.metrics.SetWalletConnected(v)
}

// hooksFor wires bridge session notifications back into the manager. Each
// hook runs on its own goroutine so the session reader never waits on the
// manager lock.
func (m *ConnectionManager) hooksFor(gen uint64, kind Kind, target *hookTarget) Hooks {
	return Hooks{
		OnInit: func(uri string) {
			if gen == m.gen.Load() {
				m.emitLocked(Event{Type: EventInit, Kind: kind, URI: uri})
			}
		},
		OnUpdate: func(address string) {
			util.SafeGo("wallet-update", func() {
				if !m.owns(target) {
					return
				}
				if err := m.Update(context.Background(), address); err != nil {
					logging.Warn("wallet update not applied", logging.Err(err), logging.Address(address))
				}
			})
		},
		OnDisconnect: func() {
			util.SafeGo("wallet-remote-disconnect", func() {
				m.remoteDisconnect(target)
			})
		},
	}
}

// owns reports whether target's backend is the active one
func (m *ConnectionManager) owns(target *hookTarget) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return target.backend != nil && m.active != nil && m.active.conn.Backend == target.backend
}

func (m *ConnectionManager) remoteDisconnect(target *hookTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	b := target.backend
	switch {
	case b == nil:
	case m.pending != nil && m.pending.backend == b:
		m.dropPendingLocked(ctx)
	case m.active != nil && m.active.conn.Backend == b:
		logging.Info("wallet session ended remotely", logging.Address(b.Address()))
		if err := m.disconnectLocked(ctx); err != nil {
			logging.Warn("wallet teardown failed", logging.Err(err))
		}
	}
}

func closeBackend(ctx context.Context, b Backend) {
	if err := b.Close(ctx); err != nil {
		logging.Debug("closing wallet backend", logging.Err(err), logging.WalletKind(string(b.Kind())))
	}
}
