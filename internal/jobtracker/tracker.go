package jobtracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Davud77/botplus-maps/internal/entities"
)

// ErrNotFound is returned by Get for an unknown job id. It is distinct
// from a job whose status is "error".
var ErrNotFound = errors.New("job not found")

// Tracker persists one JSON record per job id. Records are replaced
// atomically (write to a temp file, then rename), so a reader never
// observes a partially written job. No locking: the pipeline guarantees
// a single writer per job id.
type Tracker struct {
	dir string
}

func New(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tracker dir: %w", err)
	}
	return &Tracker{dir: dir}, nil
}

func (t *Tracker) path(id string) string {
	return filepath.Join(t.dir, id+".json")
}

// Put persists the job's full state.
func (t *Tracker) Put(job entities.Job) error {
	job.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	dst := t.path(job.ID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace job %s: %w", job.ID, err)
	}
	return nil
}

// Get reads a job's state. Unknown ids return ErrNotFound.
func (t *Tracker) Get(id string) (entities.Job, error) {
	data, err := os.ReadFile(t.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return entities.Job{}, ErrNotFound
		}
		return entities.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}

	var job entities.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return entities.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Delete removes a job record. Missing records are not an error.
func (t *Tracker) Delete(id string) error {
	err := os.Remove(t.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep removes terminal job records older than maxAge and returns how
// many were deleted. Pending and processing records are kept regardless
// of age so a slow job is never reaped out from under its poller.
func (t *Tracker) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, fmt.Errorf("read tracker dir: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		job, err := t.Get(id)
		if err != nil {
			continue
		}
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := t.Delete(id); err == nil {
			removed++
		}
	}
	return removed, nil
}
