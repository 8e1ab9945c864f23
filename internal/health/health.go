package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus is the outcome of one health check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's health at a point in time.
type CheckResult struct {
	Component string        `json:"component"`
	Status    CheckStatus   `json:"-"`
	StatusStr string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure makes the service not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// OverallHealth is the aggregate across all registered checkers.
type OverallHealth struct {
	Status    CheckStatus   `json:"-"`
	StatusStr string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Ready     bool          `json:"ready"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Manager runs registered checkers and serves aggregate results.
type Manager struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks map[string]Checker
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		checks: make(map[string]Checker),
	}
}

// Register adds a checker, replacing any previous one with the name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[c.Name()] = c
}

// Unregister removes a checker.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Overall runs every checker under its own timeout and aggregates: any
// critical failure makes the service unhealthy and not ready; a
// non-critical failure only degrades it.
func (m *Manager) Overall(ctx context.Context) OverallHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checks))
	for _, c := range m.checks {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	overall := OverallHealth{
		Status:    StatusHealthy,
		Ready:     true,
		Timestamp: time.Now(),
	}
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
		result := c.Check(checkCtx)
		cancel()
		result.StatusStr = result.Status.String()
		overall.Checks = append(overall.Checks, result)

		switch result.Status {
		case StatusUnhealthy:
			if c.IsCritical() {
				overall.Status = StatusUnhealthy
				overall.Ready = false
				overall.Message = result.Component + ": " + result.Message
			} else if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
			m.logger.Warn("health check failed",
				zap.String("component", result.Component),
				zap.String("error", result.Error),
			)
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
			}
		}
	}
	overall.StatusStr = overall.Status.String()
	return overall
}
