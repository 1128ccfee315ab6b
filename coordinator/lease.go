package coordinator

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslocal/config"
)

// Phase is the lifecycle position of an instance's view of the writer lease.
type Phase int

const (
	// PhaseFollower: some other instance holds (or may hold) the lease.
	PhaseFollower Phase = iota
	// PhaseAcquired: this instance just won the lease.
	PhaseAcquired
	// PhaseRenewing: this instance holds the lease and has renewed it at
	// least once.
	PhaseRenewing
	// PhaseExpired: this instance held the lease and lost it.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseFollower:
		return "follower"
	case PhaseAcquired:
		return "acquired"
	case PhaseRenewing:
		return "renewing"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Leading reports whether the phase carries write authority.
func (p Phase) Leading() bool {
	return p == PhaseAcquired || p == PhaseRenewing
}

// LeaseState is the explicit, observable leadership value propagated through
// the event bus and leader-change callbacks. There is no process-wide
// "current leader" singleton; every instance holds its own last-observed
// state.
type LeaseState struct {
	Phase     Phase
	HolderID  string
	Epoch     int64
	ExpiresAt time.Time
}

// Options holds the coordination timing parameters.
type Options struct {
	LeaseName       string
	Heartbeat       time.Duration
	Expiry          time.Duration
	AcquireInterval time.Duration
	RequestTimeout  time.Duration
	MaxRetries      int
	TracerProvider  trace.TracerProvider
}

// DefaultOptions returns the documented defaults: 1s heartbeat, 5s expiry,
// 10s follower request timeout.
func DefaultOptions() Options {
	return Options{
		LeaseName:       "writer",
		Heartbeat:       time.Second,
		Expiry:          5 * time.Second,
		AcquireInterval: time.Second,
		RequestTimeout:  10 * time.Second,
		MaxRetries:      3,
	}
}

// OptionsFromConfig maps the loaded configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.Lease.Name != "" {
		opts.LeaseName = cfg.Lease.Name
	}
	opts.Heartbeat = cfg.HeartbeatInterval(logger)
	opts.Expiry = cfg.LeaseExpiry(logger)
	opts.AcquireInterval = config.ParseDuration(cfg.Lease.AcquireInterval, opts.Heartbeat, logger)
	opts.RequestTimeout = cfg.RequestTimeout(logger)
	if cfg.Routing.MaxRetries > 0 {
		opts.MaxRetries = cfg.Routing.MaxRetries
	}
	return opts
}
