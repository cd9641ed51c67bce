// Package alert delivers engine notifications to the configured channels
// without blocking the caller.
package alert

import (
	"context"
	"sync"
	"time"

	"skytrader/internal/core"
	"skytrader/pkg/concurrency"
)

type AlertPayload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans every alert out to its channels on a worker pool. It
// implements core.INotifier.
type AlertManager struct {
	channels    []AlertChannel
	logger      core.ILogger
	pool        *concurrency.WorkerPool
	sendTimeout time.Duration
	mu          sync.RWMutex
}

func NewAlertManager(logger core.ILogger, workers, buffer int) *AlertManager {
	logger = logger.WithField("component", "alert_manager")
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  workers,
			MaxCapacity: buffer,
			NonBlocking: true,
		}, logger),
		sendTimeout: 10 * time.Second,
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert queues the alert for every channel and returns at once. When the
// queue is full the alert is dropped for that channel and logged.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	switch level {
	case core.AlertError, core.AlertCritical:
		am.logger.Error(title, "message", message, "level", level)
	case core.AlertWarning:
		am.logger.Warn(title, "message", message)
	default:
		am.logger.Info(title, "message", message)
	}

	// Delivery outlives the caller's context
	base := context.WithoutCancel(ctx)

	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, ch := range am.channels {
		c := ch
		err := am.pool.Submit(func() {
			sendCtx, cancel := context.WithTimeout(base, am.sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		})
		if err != nil {
			am.logger.Warn("Alert dropped", "channel", c.Name(), "title", title, "error", err)
		}
	}
}

// Stats reports the delivery pool counters
func (am *AlertManager) Stats() map[string]interface{} {
	return am.pool.Stats()
}

// Stop delivers queued alerts and stops the workers
func (am *AlertManager) Stop() {
	am.pool.Stop()
}

var _ core.INotifier = (*AlertManager)(nil)
