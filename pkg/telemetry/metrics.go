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
	MetricOrdersPlacedTotal  = "hypefollow_orders_placed_total"
	MetricOrdersEnforcedTotal = "hypefollow_orders_enforced_total"
	MetricOrdersSkippedTotal = "hypefollow_orders_skipped_total"
	MetricFillsProcessedTotal = "hypefollow_fills_processed_total"
	MetricDeltaCurrent       = "hypefollow_delta_current"
	MetricMappingsActive     = "hypefollow_mappings_active"
	MetricOrphanFillsActive  = "hypefollow_orphan_fills_active"
	MetricRebalanceTotal     = "hypefollow_rebalance_orders_total"
	MetricLatencyVenue       = "hypefollow_latency_venue_ms"
	MetricEmergencyStop      = "hypefollow_emergency_stop_active"
	MetricValidatorFailures  = "hypefollow_validator_consecutive_failures"
)

// MetricsHolder holds initialized instruments. Counters are safe for
// concurrent use directly from the OTel SDK; the gauges below are
// observable and backed by a mutex-guarded map because their value is
// pulled on collection rather than pushed at the call site.
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersEnforcedTotal metric.Int64Counter
	OrdersSkippedTotal  metric.Int64Counter
	FillsProcessedTotal metric.Int64Counter
	RebalanceTotal      metric.Int64Counter
	LatencyVenue        metric.Float64Histogram

	DeltaCurrent      metric.Float64ObservableGauge
	MappingsActive    metric.Int64ObservableGauge
	OrphanFillsActive metric.Int64ObservableGauge
	EmergencyStop     metric.Int64ObservableGauge
	ValidatorFailures metric.Int64ObservableGauge

	mu                sync.RWMutex
	deltaMap          map[string]float64
	mappingsActiveMap map[string]int64
	orphanFillsMap    map[string]int64
	emergencyStop     int64
	validatorFailures int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			deltaMap:          make(map[string]float64),
			mappingsActiveMap: make(map[string]int64),
			orphanFillsMap:    make(map[string]int64),
		}
		// Start with no-op instruments so counters are usable before
		// InitMetrics registers the real ones.
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter(""))
	})
	return globalMetrics
}

// InitMetrics registers all instruments against meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Follower orders placed from Master events"))
	if err != nil {
		return err
	}
	m.OrdersEnforcedTotal, err = meter.Int64Counter(MetricOrdersEnforcedTotal, metric.WithDescription("Orders promoted to the instrument minimum by enforcement"))
	if err != nil {
		return err
	}
	m.OrdersSkippedTotal, err = meter.Int64Counter(MetricOrdersSkippedTotal, metric.WithDescription("Events skipped by the risk gate or below-minimum sizing"))
	if err != nil {
		return err
	}
	m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Master taker fills processed"))
	if err != nil {
		return err
	}
	m.RebalanceTotal, err = meter.Int64Counter(MetricRebalanceTotal, metric.WithDescription("Reduce-only rebalance orders placed"))
	if err != nil {
		return err
	}
	m.LatencyVenue, err = meter.Float64Histogram(MetricLatencyVenue, metric.WithDescription("Venue REST call latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.DeltaCurrent, err = meter.Float64ObservableGauge(MetricDeltaCurrent, metric.WithDescription("Current Delta Ledger value per instrument"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.deltaMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MappingsActive, err = meter.Int64ObservableGauge(MetricMappingsActive, metric.WithDescription("Active masterOid<->followerOrderId mappings"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.mappingsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrphanFillsActive, err = meter.Int64ObservableGauge(MetricOrphanFillsActive, metric.WithDescription("Unresolved orphan fill records"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.orphanFillsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EmergencyStop, err = meter.Int64ObservableGauge(MetricEmergencyStop, metric.WithDescription("Emergency-stop kill switch state (1=active)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.emergencyStop)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ValidatorFailures, err = meter.Int64ObservableGauge(MetricValidatorFailures, metric.WithDescription("Consecutive Periodic Order Validator failures"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.validatorFailures)
			return nil
		}))
	return err
}

// ReasonAttr builds the counter attribute option for OrdersSkippedTotal,
// shared by every call site that records a skip reason.
func ReasonAttr(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// Helpers to update observable state.

func (m *MetricsHolder) SetDelta(instrument string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltaMap[instrument] = value
}

func (m *MetricsHolder) SetMappingsActive(instrument string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappingsActiveMap[instrument] = count
}

func (m *MetricsHolder) SetOrphanFillsActive(instrument string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphanFillsMap[instrument] = count
}

func (m *MetricsHolder) SetEmergencyStop(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.emergencyStop = 1
	} else {
		m.emergencyStop = 0
	}
}

func (m *MetricsHolder) SetValidatorFailures(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validatorFailures = count
}
