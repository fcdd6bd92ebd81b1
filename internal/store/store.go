// Package store persists jobs and users. Every job store serializes writers
// of one job through ApplyAtomic; directories keep wallet addresses unique.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/canwork/jobescrow/internal/jobflow"
	"github.com/canwork/jobescrow/pkg/types"
)

// ErrUserNotFound is returned for unknown user IDs
var ErrUserNotFound = errors.New("user not found")

// ErrUserExists is returned when adding a user whose ID or address is taken
var ErrUserExists = errors.New("user already exists")

var (
	_ jobflow.Store = (*MemoryStore)(nil)
	_ jobflow.Store = (*SQLiteStore)(nil)
	_ jobflow.Store = (*PostgresStore)(nil)
	_ jobflow.Store = (*MySQLStore)(nil)
)

func encodeJob(job types.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return types.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// prepareCreate validates a new job and resets its version
func prepareCreate(job types.Job) (types.Job, error) {
	if job.ID == "" {
		return types.Job{}, fmt.Errorf("job id is required")
	}
	job = job.Clone()
	job.Version = 1
	return job, nil
}

// commitMutation runs mutate on cur and stamps the next version. The job's
// identity cannot be changed by a mutator.
func commitMutation(cur types.Job, mutate func(types.Job) (types.Job, error)) (types.Job, error) {
	next, err := mutate(cur.Clone())
	if err != nil {
		return types.Job{}, err
	}
	if next.ID != cur.ID {
		return types.Job{}, fmt.Errorf("mutation changed job id %s to %q", cur.ID, next.ID)
	}
	next.Version = cur.Version + 1
	return next, nil
}

func appendMutation(a types.JobAction) func(types.Job) (types.Job, error) {
	return func(j types.Job) (types.Job, error) {
		a.Private = a.Type.IsPrivate()
		j.Actions = append(j.Actions, a)
		return j, nil
	}
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", jobflow.ErrJobNotFound, id)
}
