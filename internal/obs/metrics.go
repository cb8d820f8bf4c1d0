package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"meanrev/internal/bus"
	"meanrev/internal/schema"
)

const numActions = 11

// actionIndex maps an intent action to a small dense index for the fixed
// counter array below. Keep in sync with schema's Action constants.
func actionIndex(a schema.Action) (int, bool) {
	switch a {
	case schema.ActionInit:
		return 0, true
	case schema.ActionInit2:
		return 1, true
	case schema.ActionInit3:
		return 2, true
	case schema.ActionScaleIn:
		return 3, true
	case schema.ActionStopLoss:
		return 4, true
	case schema.ActionTakeProfit:
		return 5, true
	case schema.ActionRiskControl:
		return 6, true
	case schema.ActionNormalExit:
		return 7, true
	case schema.ActionScaleOut:
		return 8, true
	case schema.ActionInitOut:
		return 9, true
	case schema.ActionNearTouch:
		return 10, true
	default:
		return 0, false
	}
}

const maxRecordKind = int(bus.KindIntentExpired)

// Metrics collects lightweight counters and latency stats for one process
// (generator or executor). Safe for concurrent use.
type Metrics struct {
	decisionCounts [numActions]uint64
	recordCounts   [maxRecordKind + 1]uint64
	queueDrops     uint64
	queueClosed    uint64

	errMu     sync.Mutex
	errCounts map[string]uint64

	recordLatency   LatencyStats
	fillLatency     LatencyStats
	strategyLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	DecisionCounts  map[schema.Action]uint64
	RecordCounts    map[bus.RecordKind]uint64
	ErrorCounts     map[string]uint64
	QueueDrops      uint64
	QueueClosed     uint64
	RecordLatency   LatencySnapshot
	FillLatency     LatencySnapshot
	StrategyLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{errCounts: make(map[string]uint64)}
}

// ObserveRecord increments the per-kind counter and records the header's
// TsRecv-TsEvent gap as a latency sample.
func (m *Metrics) ObserveRecord(header bus.RecordHeader) {
	if m == nil {
		return
	}
	idx := int(header.Kind)
	if idx >= 0 && idx < len(m.recordCounts) {
		atomic.AddUint64(&m.recordCounts[idx], 1)
	}
	if header.TsEvent > 0 && header.TsRecv > 0 {
		delta := header.TsRecv - header.TsEvent
		if delta >= 0 {
			m.recordLatency.Observe(time.Duration(delta))
		}
	}
}

// IncDecision increments the counter for a strategy decision action.
func (m *Metrics) IncDecision(action schema.Action) {
	if m == nil {
		return
	}
	if idx, ok := actionIndex(action); ok {
		atomic.AddUint64(&m.decisionCounts[idx], 1)
	}
}

// IncError records an occurrence of a named failure kind (a short
// snake_case name such as "stale_tick").
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.errMu.Lock()
	m.errCounts[kind]++
	m.errMu.Unlock()
}

// IncQueueDrop records a queue drop (dispatch lane backpressure).
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// ObserveFillLatency measures intent-to-fill round-trip latency.
func (m *Metrics) ObserveFillLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.fillLatency.Observe(d)
}

// ObserveStrategyEval measures strategy evaluation latency.
func (m *Metrics) ObserveStrategyEval(d time.Duration) {
	if m == nil {
		return
	}
	m.strategyLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	decisionCounts := make(map[schema.Action]uint64)
	for a := range actionNames {
		idx, _ := actionIndex(a)
		if v := atomic.LoadUint64(&m.decisionCounts[idx]); v > 0 {
			decisionCounts[a] = v
		}
	}
	recordCounts := make(map[bus.RecordKind]uint64)
	for i := range m.recordCounts {
		if v := atomic.LoadUint64(&m.recordCounts[i]); v > 0 {
			recordCounts[bus.RecordKind(i)] = v
		}
	}
	m.errMu.Lock()
	errCounts := make(map[string]uint64, len(m.errCounts))
	for k, v := range m.errCounts {
		errCounts[k] = v
	}
	m.errMu.Unlock()

	return Snapshot{
		DecisionCounts:  decisionCounts,
		RecordCounts:    recordCounts,
		ErrorCounts:     errCounts,
		QueueDrops:      atomic.LoadUint64(&m.queueDrops),
		QueueClosed:     atomic.LoadUint64(&m.queueClosed),
		RecordLatency:   m.recordLatency.Snapshot(),
		FillLatency:     m.fillLatency.Snapshot(),
		StrategyLatency: m.strategyLatency.Snapshot(),
	}
}

var actionNames = map[schema.Action]struct{}{
	schema.ActionInit: {}, schema.ActionInit2: {}, schema.ActionInit3: {},
	schema.ActionScaleIn: {}, schema.ActionStopLoss: {}, schema.ActionTakeProfit: {},
	schema.ActionRiskControl: {}, schema.ActionNormalExit: {}, schema.ActionScaleOut: {},
	schema.ActionInitOut: {}, schema.ActionNearTouch: {},
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
