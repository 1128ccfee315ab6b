// Package storage selects the physical medium for application data and for
// the coordination records (lease, shape cursors) that must survive process
// restarts. The medium is chosen once at construction; callers program
// against the Backend capability interface.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexuslocal/config"
)

// Medium identifies the physical storage variant.
type Medium int

const (
	MediumMemory Medium = iota
	MediumFile
)

func (m Medium) String() string {
	switch m {
	case MediumMemory:
		return "memory"
	case MediumFile:
		return "file"
	default:
		return "unknown"
	}
}

// LeaseRequest identifies a named lease and the identity asking for it.
type LeaseRequest struct {
	Name     string
	HolderID string
	Duration time.Duration
}

// LeaseRecord is the persisted mutual-exclusion grant. It is stored in the
// same medium as application data so a restart can detect a stale lease.
type LeaseRecord struct {
	HolderID   string    `json:"holder_id"`
	Epoch      int64     `json:"epoch"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record has lapsed at the given instant.
func (r LeaseRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// LeaseStore grants and renews named leases. Acquire succeeds when the lease
// is unheld, expired, or already held by the same holder; Renew succeeds only
// while the caller still holds the lease at the expected epoch.
type LeaseStore interface {
	Acquire(ctx context.Context, req LeaseRequest) (LeaseRecord, bool, error)
	Renew(ctx context.Context, req LeaseRequest, epoch int64) (LeaseRecord, bool, error)
	Release(ctx context.Context, req LeaseRequest, epoch int64) error
	Current(ctx context.Context, name string) (LeaseRecord, bool, error)
}

// Backend exposes the capabilities of one storage medium: the DSN the SQL
// engine opens, and the lease store used for single-writer election.
type Backend interface {
	Medium() Medium
	// DSN is the data source name passed to the SQL engine. Empty means an
	// engine-private in-memory database.
	DSN() string
	LeaseStore() LeaseStore
	Close() error
}

type memoryBackend struct {
	leases *memoryLeaseStore
}

// NewMemoryBackend creates a process-private backend. Data and coordination
// records do not survive the process; a memory-backed lease still arbitrates
// between instances within the process. Because the empty DSN opens an
// engine-private in-memory database, each leader starts from a blank slate:
// data and the commit sequence survive a leader change only on the file
// medium.
func NewMemoryBackend() Backend {
	return &memoryBackend{leases: newMemoryLeaseStore()}
}

func (b *memoryBackend) Medium() Medium         { return MediumMemory }
func (b *memoryBackend) DSN() string            { return "" }
func (b *memoryBackend) LeaseStore() LeaseStore { return b.leases }
func (b *memoryBackend) Close() error           { return nil }

type fileBackend struct {
	dir    string
	leases *fileLeaseStore
}

// NewFileBackend creates a backend rooted at dir. The database file and the
// lease records live under the same directory so they share durability.
func NewFileBackend(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &fileBackend{
		dir:    dir,
		leases: newFileLeaseStore(dir),
	}, nil
}

func (b *fileBackend) Medium() Medium         { return MediumFile }
func (b *fileBackend) DSN() string            { return filepath.Join(b.dir, "nexuslocal.db") }
func (b *fileBackend) LeaseStore() LeaseStore { return b.leases }
func (b *fileBackend) Close() error           { return nil }

// FromConfig builds the backend named by the storage configuration.
func FromConfig(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Medium {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unsupported storage medium: %q", cfg.Medium)
	}
}
