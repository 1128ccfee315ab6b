package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// fileLeaseStore persists one JSON lease record per lease name under the data
// directory. Every read-modify-write runs under an exclusive flock on the
// record file, which is the cross-process mutual-exclusion primitive: two
// processes sharing one data directory cannot both win an acquire.
type fileLeaseStore struct {
	dir string
	now func() time.Time
}

func newFileLeaseStore(dir string) *fileLeaseStore {
	return &fileLeaseStore{dir: dir, now: time.Now}
}

func (s *fileLeaseStore) path(name string) string {
	return filepath.Join(s.dir, name+".lease")
}

// withLock opens the record file, takes an exclusive flock, and runs fn with
// the current record. fn returns the record to write back, or nil to leave
// the file untouched.
func (s *fileLeaseStore) withLock(name string, fn func(current LeaseRecord, held bool) (*LeaseRecord, error)) error {
	file, err := os.OpenFile(s.path(name), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lease file: %w", err)
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock lease file: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	var current LeaseRecord
	held := false
	data, err := os.ReadFile(s.path(name))
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &current); err == nil {
			held = true
		}
		// A corrupt record is treated as absent and overwritten on the
		// next acquire.
	}

	updated, err := fn(current, held)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	out, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("failed to marshal lease record: %w", err)
	}
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lease file: %w", err)
	}
	if _, err := file.WriteAt(out, 0); err != nil {
		return fmt.Errorf("failed to write lease record: %w", err)
	}
	return file.Sync()
}

func (s *fileLeaseStore) Acquire(ctx context.Context, req LeaseRequest) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}

	var record LeaseRecord
	acquired := false
	err := s.withLock(req.Name, func(current LeaseRecord, held bool) (*LeaseRecord, error) {
		now := s.now()
		if held && !current.Expired(now) && current.HolderID != req.HolderID {
			return nil, nil
		}
		record = LeaseRecord{
			HolderID:   req.HolderID,
			Epoch:      current.Epoch + 1,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.Duration),
		}
		acquired = true
		return &record, nil
	})
	if err != nil {
		return LeaseRecord{}, false, err
	}
	return record, acquired, nil
}

func (s *fileLeaseStore) Renew(ctx context.Context, req LeaseRequest, epoch int64) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}

	var record LeaseRecord
	renewed := false
	err := s.withLock(req.Name, func(current LeaseRecord, held bool) (*LeaseRecord, error) {
		now := s.now()
		if !held || current.HolderID != req.HolderID || current.Epoch != epoch || current.Expired(now) {
			return nil, nil
		}
		current.ExpiresAt = now.Add(req.Duration)
		record = current
		renewed = true
		return &current, nil
	})
	if err != nil {
		return LeaseRecord{}, false, err
	}
	return record, renewed, nil
}

func (s *fileLeaseStore) Release(ctx context.Context, req LeaseRequest, epoch int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.withLock(req.Name, func(current LeaseRecord, held bool) (*LeaseRecord, error) {
		if !held || current.HolderID != req.HolderID || current.Epoch != epoch {
			return nil, nil
		}
		// Expire in place so the next acquire sees a lapsed lease and the
		// epoch keeps advancing.
		current.ExpiresAt = s.now()
		return &current, nil
	})
}

func (s *fileLeaseStore) Current(ctx context.Context, name string) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}

	var record LeaseRecord
	held := false
	err := s.withLock(name, func(current LeaseRecord, ok bool) (*LeaseRecord, error) {
		record = current
		held = ok
		return nil, nil
	})
	if err != nil {
		return LeaseRecord{}, false, err
	}
	return record, held, nil
}
