package signal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"skytrader/internal/core"
	"skytrader/internal/risk"
	"skytrader/internal/trading/lifecycle"
	"skytrader/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const (
	ModeAll = "all"
	ModeOff = "off"
)

// Commander is the lifecycle surface the dispatcher drives
type Commander interface {
	Open(ctx context.Context, req lifecycle.OpenRequest) (*lifecycle.Result, error)
	Close(ctx context.Context) (*lifecycle.Result, error)
}

// Dispatcher is the single entry point for every signal producer. Ordering
// across sources is not guaranteed; the engine's mutation lock decides.
type Dispatcher struct {
	cmd      Commander
	notifier core.INotifier
	breaker  *risk.CircuitBreaker
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	mu         sync.Mutex
	mode       string
	timeframes map[string]bool
	last       map[string]core.Direction
	sources    []Source
}

// NewDispatcher creates a dispatcher in mode. breaker may be nil.
func NewDispatcher(cmd Commander, notifier core.INotifier, breaker *risk.CircuitBreaker, logger core.ILogger, mode string) *Dispatcher {
	if mode == "" {
		mode = ModeAll
	}
	return &Dispatcher{
		cmd:        cmd,
		notifier:   notifier,
		breaker:    breaker,
		logger:     logger.WithField("component", "dispatcher"),
		metrics:    telemetry.GetGlobalMetrics(),
		mode:       mode,
		timeframes: make(map[string]bool),
		last:       make(map[string]core.Direction),
	}
}

// AddSource registers a source for Run. Timeframe sources also become
// selectable modes.
func (d *Dispatcher) AddSource(s Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, s)
	if tf, ok := s.(interface{ Timeframe() string }); ok {
		d.timeframes[tf.Timeframe()] = true
	}
}

// Run runs every source until ctx ends or one fails
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	sources := append([]Source(nil), d.sources...)
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		s := s
		g.Go(func() error {
			d.logger.Info("Signal source started", "source", s.Name())
			if err := s.Run(ctx); err != nil {
				return fmt.Errorf("source %s: %w", s.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SetMode selects which timeframe sources may dispatch: all, off or one
// timeframe. Disabled sources keep computing.
func (d *Dispatcher) SetMode(mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mode != ModeAll && mode != ModeOff && !d.timeframes[mode] {
		return fmt.Errorf("unknown mode %q, expected %s", mode, strings.Join(d.modesLocked(), ", "))
	}
	d.mode = mode
	d.logger.Info("Signal mode changed", "mode", mode)
	return nil
}

func (d *Dispatcher) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Modes lists the accepted SetMode values
func (d *Dispatcher) Modes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modesLocked()
}

func (d *Dispatcher) modesLocked() []string {
	modes := make([]string, 0, len(d.timeframes)+2)
	for tf := range d.timeframes {
		modes = append(modes, tf)
	}
	sort.Strings(modes)
	return append([]string{ModeAll, ModeOff}, modes...)
}

// RequestOpen opens on behalf of source, bypassing mode and dedup. Manual
// commands use it directly.
func (d *Dispatcher) RequestOpen(ctx context.Context, source string, req lifecycle.OpenRequest) (*lifecycle.Result, error) {
	d.metrics.Count(ctx, d.metrics.SignalsTotal, "source", source)
	req.Source = source
	return d.cmd.Open(ctx, req)
}

// RequestClose closes on behalf of source
func (d *Dispatcher) RequestClose(ctx context.Context, source string) (*lifecycle.Result, error) {
	d.metrics.Count(ctx, d.metrics.SignalsTotal, "source", source)
	return d.cmd.Close(ctx)
}

// Submit handles a timeframe signal. It is dropped when its timeframe is
// not enabled, when it repeats the source's previous direction, or while
// the failure breaker is open. It reports whether an open was attempted.
func (d *Dispatcher) Submit(ctx context.Context, sig Signal) bool {
	d.mu.Lock()
	enabled := d.mode == ModeAll || d.mode == sig.Timeframe
	repeated := d.last[sig.Source] == sig.Direction
	d.mu.Unlock()

	log := d.logger.WithFields(map[string]interface{}{"source": sig.Source, "direction": sig.Direction})
	switch {
	case !enabled:
		log.Debug("Signal ignored, timeframe disabled")
		return false
	case repeated:
		log.Debug("Signal ignored, same as previous")
		return false
	case d.breaker != nil && d.breaker.IsTripped():
		log.Warn("Signal ignored, automated opens paused after repeated failures")
		return false
	}

	log.Info("Signal accepted", "price", sig.Price.String())
	d.notify(ctx, "Signal", fmt.Sprintf("%s crossover on %s: %s at %s", sig.Timeframe, sig.Source, sig.Direction, sig.Price), core.AlertInfo)

	res, err := d.RequestOpen(ctx, sig.Source, lifecycle.OpenRequest{Direction: sig.Direction})
	if d.breaker != nil && d.breaker.RecordResult(err) {
		st := d.breaker.GetStatus()
		d.notify(ctx, "Automated opens paused",
			fmt.Sprintf("%d consecutive failures, last: %s", st.ConsecutiveFailures, st.Reason), core.AlertCritical)
	}
	if err != nil {
		log.Error("Signal open failed", "error", err)
		return true
	}

	d.mu.Lock()
	d.last[sig.Source] = res.Direction
	d.mu.Unlock()
	return true
}

func (d *Dispatcher) notify(ctx context.Context, title, message string, level core.AlertLevel) {
	if d.notifier != nil {
		d.notifier.Alert(ctx, title, message, level, nil)
	}
}
