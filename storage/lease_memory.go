package storage

import (
	"context"
	"sync"
	"time"
)

// memoryLeaseStore keeps lease records in process memory. It carries the same
// acquire/renew/steal-after-expiry semantics as the file store so tests and
// memory-medium deployments behave identically.
type memoryLeaseStore struct {
	mu      sync.Mutex
	records map[string]LeaseRecord
	now     func() time.Time
}

func newMemoryLeaseStore() *memoryLeaseStore {
	return &memoryLeaseStore{
		records: make(map[string]LeaseRecord),
		now:     time.Now,
	}
}

func (s *memoryLeaseStore) Acquire(ctx context.Context, req LeaseRequest) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, held := s.records[req.Name]
	if held && !current.Expired(now) && current.HolderID != req.HolderID {
		return LeaseRecord{}, false, nil
	}

	record := LeaseRecord{
		HolderID:   req.HolderID,
		Epoch:      current.Epoch + 1,
		AcquiredAt: now,
		ExpiresAt:  now.Add(req.Duration),
	}
	s.records[req.Name] = record
	return record, true, nil
}

func (s *memoryLeaseStore) Renew(ctx context.Context, req LeaseRequest, epoch int64) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, held := s.records[req.Name]
	if !held || current.HolderID != req.HolderID || current.Epoch != epoch || current.Expired(now) {
		return LeaseRecord{}, false, nil
	}

	current.ExpiresAt = now.Add(req.Duration)
	s.records[req.Name] = current
	return current, true, nil
}

func (s *memoryLeaseStore) Release(ctx context.Context, req LeaseRequest, epoch int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, held := s.records[req.Name]
	if held && current.HolderID == req.HolderID && current.Epoch == epoch {
		// Expire immediately instead of deleting so the epoch keeps advancing.
		current.ExpiresAt = s.now()
		s.records[req.Name] = current
	}
	return nil
}

func (s *memoryLeaseStore) Current(ctx context.Context, name string) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, held := s.records[name]
	return record, held, nil
}
