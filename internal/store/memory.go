package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

// MemoryStore keeps jobs in process. Each job has its own lock so writers of
// different jobs never wait on each other.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]types.Job
	locks map[string]*sync.Mutex
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]types.Job),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, notFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, job types.Job) (types.Job, error) {
	job, err := prepareCreate(job)
	if err != nil {
		return types.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return types.Job{}, fmt.Errorf("%w: %s", jobflow.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	s.locks[job.ID] = &sync.Mutex{}
	return job.Clone(), nil
}

func (s *MemoryStore) ApplyAtomic(ctx context.Context, id string, mutate func(types.Job) (types.Job, error)) (types.Job, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return types.Job{}, notFound(id)
	}

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}

	s.mu.RLock()
	cur := s.jobs[id]
	s.mu.RUnlock()

	next, err := commitMutation(cur, mutate)
	if err != nil {
		return types.Job{}, err
	}

	s.mu.Lock()
	s.jobs[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) AppendAction(ctx context.Context, id string, a types.JobAction) (types.Job, error) {
	return s.ApplyAtomic(ctx, id, appendMutation(a))
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Job
	for _, j := range s.jobs {
		if j.ClientID == userID || (userID != "" && j.ProviderID == userID) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// MemoryDirectory is an in-process user directory
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]types.User
}

// NewMemoryDirectory returns a directory holding users
func NewMemoryDirectory(users ...types.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]types.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// AddUser registers a user. Its address, if any, must be free.
func (d *MemoryDirectory) AddUser(ctx context.Context, u types.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.ID]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
	}
	if u.Address != "" {
		if _, taken := d.byAddress(u.Address); taken {
			return fmt.Errorf("%w: address %s is bound", ErrUserExists, u.Address)
		}
	}
	d.users[u.ID] = u
	return nil
}

func (d *MemoryDirectory) GetByID(ctx context.Context, id string) (types.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, nil
}

func (d *MemoryDirectory) GetByAddress(ctx context.Context, address string) (types.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byAddress(address)
	return u, ok, nil
}

// BindAddress moves userID onto address. It refuses an address bound to
// someone else.
func (d *MemoryDirectory) BindAddress(ctx context.Context, userID, address string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if owner, taken := d.byAddress(address); taken && owner.ID != userID {
		return false, nil
	}
	u.Address = address
	d.users[userID] = u
	return true, nil
}

func (d *MemoryDirectory) byAddress(address string) (types.User, bool) {
	if address == "" {
		return types.User{}, false
	}
	for _, u := range d.users {
		if u.Address == address {
			return u, true
		}
	}
	return types.User{}, false
}
