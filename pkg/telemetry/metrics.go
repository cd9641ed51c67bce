package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricOpensTotal             = "skytrader_opens_total"
	MetricClosesTotal            = "skytrader_closes_total"
	MetricCommandFailuresTotal   = "skytrader_command_failures_total"
	MetricProtectiveUpdatesTotal = "skytrader_protective_updates_total"
	MetricCorrectionsTotal       = "skytrader_reconcile_corrections_total"
	MetricOrphansSweptTotal      = "skytrader_orphans_swept_total"
	MetricSignalsTotal           = "skytrader_signals_total"
	MetricLatencyVenue           = "skytrader_latency_venue_ms"
	MetricPositionSize           = "skytrader_position_size"
	MetricUnrealizedGain         = "skytrader_unrealized_gain_pct"
)

// MetricsHolder holds the engine's initialized instruments
type MetricsHolder struct {
	OpensTotal             metric.Int64Counter
	ClosesTotal            metric.Int64Counter
	CommandFailuresTotal   metric.Int64Counter
	ProtectiveUpdatesTotal metric.Int64Counter
	CorrectionsTotal       metric.Int64Counter
	OrphansSweptTotal      metric.Int64Counter
	SignalsTotal           metric.Int64Counter
	LatencyVenue           metric.Float64Histogram
	PositionSize           metric.Float64ObservableGauge
	UnrealizedGain         metric.Float64ObservableGauge

	mu                sync.RWMutex
	positionSizeMap   map[string]float64
	unrealizedGainMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Until Setup runs the
// instruments record into a no-op meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap:   make(map[string]float64),
			unrealizedGainMap: make(map[string]float64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("noop"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OpensTotal, err = meter.Int64Counter(MetricOpensTotal, metric.WithDescription("Open commands by outcome")); err != nil {
		return err
	}
	if m.ClosesTotal, err = meter.Int64Counter(MetricClosesTotal, metric.WithDescription("Close commands by outcome")); err != nil {
		return err
	}
	if m.CommandFailuresTotal, err = meter.Int64Counter(MetricCommandFailuresTotal, metric.WithDescription("Lifecycle commands that ended in failure")); err != nil {
		return err
	}
	if m.ProtectiveUpdatesTotal, err = meter.Int64Counter(MetricProtectiveUpdatesTotal, metric.WithDescription("Protective order replacements by leg")); err != nil {
		return err
	}
	if m.CorrectionsTotal, err = meter.Int64Counter(MetricCorrectionsTotal, metric.WithDescription("Local state corrections applied from venue truth")); err != nil {
		return err
	}
	if m.OrphansSweptTotal, err = meter.Int64Counter(MetricOrphansSweptTotal, metric.WithDescription("Protective orders cancelled while flat")); err != nil {
		return err
	}
	if m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal, metric.WithDescription("Signals received by source")); err != nil {
		return err
	}
	if m.LatencyVenue, err = meter.Float64Histogram(MetricLatencyVenue, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Signed position size held locally"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.UnrealizedGain, err = meter.Float64ObservableGauge(MetricUnrealizedGain, metric.WithDescription("Unrealized gain of the open position in percent"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedGainMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

// Count adds one to counter with a single attribute
func (m *MetricsHolder) Count(ctx context.Context, counter metric.Int64Counter, key, value string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}

// RecordVenueLatency records the duration of one venue call
func (m *MetricsHolder) RecordVenueLatency(ctx context.Context, op string, ms float64) {
	if m.LatencyVenue == nil {
		return
	}
	m.LatencyVenue.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) SetUnrealizedGain(symbol string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedGainMap[symbol] = pct
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
