package maintenance

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/logging"
)

// Sources that can flip the switch.
const (
	SourceConfig = "config"
	SourceAdmin  = "admin"
	SourceFile   = "flag_file"
)

// Switch is the process-wide maintenance flag. It is read once per request
// and written by operators through the admin API or the flag file.
type Switch struct {
	enabled    atomic.Bool
	retryAfter time.Duration

	mu        sync.Mutex
	source    string
	changedAt time.Time

	metrics Metrics
}

// Metrics tracks maintenance mode statistics.
type Metrics struct {
	TotalBlocked  atomic.Int64
	TotalBypassed atomic.Int64
}

// Snapshot is a point-in-time copy of maintenance state and metrics.
type Snapshot struct {
	Enabled       bool      `json:"enabled"`
	RetryAfter    int       `json:"retry_after"`
	Source        string    `json:"source"`
	ChangedAt     time.Time `json:"changed_at"`
	TotalBlocked  int64     `json:"total_blocked"`
	TotalBypassed int64     `json:"total_bypassed"`
}

// New creates a Switch from config.
func New(cfg config.MaintenanceConfig) *Switch {
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 5 * time.Minute
	}
	s := &Switch{
		retryAfter: retryAfter,
		source:     SourceConfig,
		changedAt:  time.Now(),
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// Active reports whether maintenance mode is on.
func (s *Switch) Active() bool {
	return s.enabled.Load()
}

// RetryAfter is the hint returned to callers turned away during maintenance.
func (s *Switch) RetryAfter() time.Duration {
	return s.retryAfter
}

// Set turns maintenance mode on or off and records who did it.
func (s *Switch) Set(on bool, source string) {
	prev := s.enabled.Swap(on)

	s.mu.Lock()
	s.source = source
	s.changedAt = time.Now()
	s.mu.Unlock()

	if prev != on {
		logging.Warn("maintenance mode changed",
			zap.Bool("enabled", on),
			zap.String("source", source),
		)
	}
}

// Admit decides whether a request may pass. Admin callers always pass and
// are counted as bypasses while maintenance is on.
func (s *Switch) Admit(admin bool) bool {
	if !s.enabled.Load() {
		return true
	}
	if admin {
		s.metrics.TotalBypassed.Add(1)
		return true
	}
	s.metrics.TotalBlocked.Add(1)
	return false
}

// Snapshot returns a point-in-time copy of state and metrics.
func (s *Switch) Snapshot() Snapshot {
	s.mu.Lock()
	source, changedAt := s.source, s.changedAt
	s.mu.Unlock()

	return Snapshot{
		Enabled:       s.enabled.Load(),
		RetryAfter:    int(s.retryAfter / time.Second),
		Source:        source,
		ChangedAt:     changedAt,
		TotalBlocked:  s.metrics.TotalBlocked.Load(),
		TotalBypassed: s.metrics.TotalBypassed.Load(),
	}
}
