package output

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// StatusReporter is the monitor as seen by the health endpoint.
type StatusReporter interface {
	StateName() string
	Err() error
}

type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Status        string        `json:"status"`
	Source        string        `json:"source,omitempty"`
	Backend       string        `json:"backend,omitempty"`
	Tracked       int           `json:"tracked_addresses"`
	Blocked       int           `json:"blocked_addresses"`
	LastLine      time.Time     `json:"last_line"`
	LastBlock     time.Time     `json:"last_block"`
	Uptime        time.Duration `json:"uptime_ns"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

// HealthChecker reports the monitor state. It is also a pipeline observer so
// it can show when input and blocks were last seen.
type HealthChecker struct {
	monitor   StatusReporter
	stats     DetectorStats
	source    func() string
	backend   func() string
	startTime time.Time
	now       func() time.Time

	mu        sync.RWMutex
	lastLine  time.Time
	lastBlock time.Time
}

type HealthCheckerConfig struct {
	Monitor StatusReporter
	Stats   DetectorStats
	Source  func() string
	Backend func() string
}

func NewHealthChecker(config HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		monitor:   config.Monitor,
		stats:     config.Stats,
		source:    config.Source,
		backend:   config.Backend,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Attach sets the monitor after construction; the monitor itself takes the
// checker as an observer.
func (h *HealthChecker) Attach(monitor StatusReporter) {
	h.mu.Lock()
	h.monitor = monitor
	h.mu.Unlock()
}

func (h *HealthChecker) OnLine(string) {
	h.mu.Lock()
	h.lastLine = h.now()
	h.mu.Unlock()
}

func (h *HealthChecker) OnBlock(_ *domain.BlockDecision, _ string, _ bool, err error) {
	if err != nil {
		return
	}
	h.mu.Lock()
	h.lastBlock = h.now()
	h.mu.Unlock()
}

func (h *HealthChecker) Check() HealthStatus {
	status := HealthStatus{Uptime: h.now().Sub(h.startTime)}
	status.UptimeSeconds = status.Uptime.Seconds()

	h.mu.RLock()
	status.LastLine = h.lastLine
	status.LastBlock = h.lastBlock
	monitor := h.monitor
	h.mu.RUnlock()

	if h.source != nil {
		status.Source = h.source()
	}
	if h.backend != nil {
		status.Backend = h.backend()
	}
	if h.stats != nil {
		status.Tracked = h.stats.Tracked()
		status.Blocked = h.stats.BlockedCount()
	}

	if monitor == nil {
		status.Status = "UNKNOWN"
		status.Reason = "monitor not attached"
		return status
	}

	status.Status = monitor.StateName()
	if err := monitor.Err(); err != nil {
		status.Reason = err.Error()
		return status
	}
	status.Healthy = status.Status == "running"
	if !status.Healthy {
		status.Reason = "monitor not running"
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
