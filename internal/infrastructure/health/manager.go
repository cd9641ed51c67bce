package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"skytrader/internal/core"
)

// Check reports a component's health. A nil error is healthy.
type Check func(ctx context.Context) error

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]Check
}

// NewHealthManager creates a health manager. Each check gets timeout to
// answer; zero means 2s.
func NewHealthManager(logger core.ILogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hm := &HealthManager{
		timeout: timeout,
		checks:  make(map[string]Check),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check Check) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components lists registered component names
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStatus runs every check and reports "Healthy" or the failure. The
// second result is true when all checks passed.
func (hm *HealthManager) GetStatus(ctx context.Context) (map[string]string, bool) {
	hm.mu.RLock()
	checks := make(map[string]Check, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	status := make(map[string]string, len(checks))
	healthy := true
	for component, check := range checks {
		if err := hm.run(ctx, check); err != nil {
			status[component] = "Unhealthy: " + err.Error()
			healthy = false
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", component, "error", err)
			}
		} else {
			status[component] = "Healthy"
		}
	}
	return status, healthy
}

// IsHealthy returns true if all components are healthy
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	_, ok := hm.GetStatus(ctx)
	return ok
}

func (hm *HealthManager) run(ctx context.Context, check Check) error {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()
	return check(ctx)
}

// Freshness fails when last() is zero or older than maxAge
func Freshness(last func() time.Time, maxAge time.Duration) Check {
	return freshness(last, maxAge, time.Now)
}

func freshness(last func() time.Time, maxAge time.Duration, now func() time.Time) Check {
	return func(ctx context.Context) error {
		t := last()
		if t.IsZero() {
			return fmt.Errorf("no success yet")
		}
		if age := now().Sub(t); age > maxAge {
			return fmt.Errorf("last success %s ago", age.Truncate(time.Second))
		}
		return nil
	}
}
