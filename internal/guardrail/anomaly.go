package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dativo-io/steward/internal/autonomy"
)

// Severity of an anomaly. Critical anomalies may auto-pause autonomy.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sample is one externally collected health reading. An empty Service means
// the host as a whole.
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Service    string    `json:"service,omitempty"`
}

// Event is a detected anomaly, kept in the anomaly log for audit.
type Event struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	Observed    float64                `json:"observed"`
	Threshold   float64                `json:"threshold"`
	Service     string                 `json:"service,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Target      string                 `json:"target,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
	HandledAt   time.Time              `json:"handled_at,omitempty"`
}

// Summary aggregates the last 24 hours of the anomaly log.
type Summary struct {
	Total24h     int      `json:"total_24h"`
	Critical24h  int      `json:"critical_24h"`
	RecentErrors float64  `json:"recent_error_rate"`
	Last         *Event   `json:"last,omitempty"`
	ByKind       KindHist `json:"by_kind"`
}

// KindHist counts anomalies per kind.
type KindHist map[string]int

type memPoint struct {
	mb float64
	at time.Time
}

type failureRecord struct {
	failures []time.Time
	alerted  bool
}

// Detector turns health samples and tool outcomes into anomaly events.
type Detector struct {
	mu         sync.Mutex
	cfg        autonomy.Anomalies
	store      *Store
	now        func() time.Time
	onCritical func(context.Context, Event)

	cpuStreak   map[string]int
	memBaseline map[string]memPoint
	failures    map[string]*failureRecord
	outcomes    []bool
	rateAlerted bool
}

func newDetector(cfg autonomy.Anomalies, store *Store, now func() time.Time) *Detector {
	if cfg.CPUSustainedSamples <= 0 {
		cfg.CPUSustainedSamples = 1
	}
	if cfg.RepeatedFailures <= 0 {
		cfg.RepeatedFailures = 3
	}
	if cfg.FailureLookback <= 0 {
		cfg.FailureLookback = time.Hour
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 20
	}
	return &Detector{
		cfg:         cfg,
		store:       store,
		now:         now,
		cpuStreak:   make(map[string]int),
		memBaseline: make(map[string]memPoint),
		failures:    make(map[string]*failureRecord),
	}
}

// Observe feeds one health sample through the cpu_spike and memory_leak rules.
func (d *Detector) Observe(ctx context.Context, s Sample) ([]Event, error) {
	if s.At.IsZero() {
		s.At = d.now()
	}
	d.mu.Lock()
	var events []Event

	if d.cfg.CPUSpikeThreshold > 0 {
		if s.CPUPercent > d.cfg.CPUSpikeThreshold {
			d.cpuStreak[s.Service]++
			if d.cpuStreak[s.Service] == d.cfg.CPUSustainedSamples {
				events = append(events, Event{
					Kind:        autonomy.KindCPUSpike,
					Severity:    SeverityWarning,
					Description: fmt.Sprintf("CPU usage %.1f%% above threshold %.1f%% for %d samples", s.CPUPercent, d.cfg.CPUSpikeThreshold, d.cfg.CPUSustainedSamples),
					Observed:    s.CPUPercent,
					Threshold:   d.cfg.CPUSpikeThreshold,
					Service:     s.Service,
					Metrics:     map[string]interface{}{"samples": d.cfg.CPUSustainedSamples},
				})
			}
		} else {
			d.cpuStreak[s.Service] = 0
		}
	}

	if d.cfg.MemoryLeakMB > 0 {
		base, ok := d.memBaseline[s.Service]
		switch {
		case !ok || s.MemoryMB < base.mb || (d.cfg.MemoryLeakInterval > 0 && s.At.Sub(base.at) > d.cfg.MemoryLeakInterval):
			d.memBaseline[s.Service] = memPoint{mb: s.MemoryMB, at: s.At}
		case s.MemoryMB-base.mb > d.cfg.MemoryLeakMB:
			growth := s.MemoryMB - base.mb
			events = append(events, Event{
				Kind:        autonomy.KindMemoryLeak,
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("memory grew %.0f MB in %s (threshold %.0f MB)", growth, s.At.Sub(base.at).Round(time.Second), d.cfg.MemoryLeakMB),
				Observed:    growth,
				Threshold:   d.cfg.MemoryLeakMB,
				Service:     s.Service,
				Metrics:     map[string]interface{}{"baseline_mb": base.mb, "current_mb": s.MemoryMB},
			})
			d.memBaseline[s.Service] = memPoint{mb: s.MemoryMB, at: s.At}
		}
	}
	d.mu.Unlock()

	return d.emit(ctx, s.At, events)
}

// RecordToolOutcome feeds one live execution result through the
// repeated_failures and high_error_rate rules.
func (d *Detector) RecordToolOutcome(ctx context.Context, tool, target string, success bool) ([]Event, error) {
	now := d.now()
	d.mu.Lock()
	var events []Event

	key := tool + "|" + target
	rec, ok := d.failures[key]
	if !ok {
		rec = &failureRecord{}
		d.failures[key] = rec
	}
	rec.failures = filterAfter(rec.failures, now.Add(-d.cfg.FailureLookback))
	if !success {
		rec.failures = append(rec.failures, now)
	}
	if len(rec.failures) >= d.cfg.RepeatedFailures && !rec.alerted {
		rec.alerted = true
		events = append(events, Event{
			Kind:        autonomy.KindRepeatedFailures,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("%s failed %d times on %q within %s", tool, len(rec.failures), target, d.cfg.FailureLookback),
			Observed:    float64(len(rec.failures)),
			Threshold:   float64(d.cfg.RepeatedFailures),
			Tool:        tool,
			Target:      target,
			Service:     target,
		})
	}
	if len(rec.failures) < d.cfg.RepeatedFailures {
		rec.alerted = false
	}
	if len(rec.failures) == 0 && success {
		delete(d.failures, key)
	}

	d.outcomes = append(d.outcomes, success)
	if len(d.outcomes) > d.cfg.ErrorRateWindow {
		d.outcomes = d.outcomes[len(d.outcomes)-d.cfg.ErrorRateWindow:]
	}
	if d.cfg.ErrorRateThreshold > 0 && len(d.outcomes) >= d.cfg.ErrorRateMinSamples {
		rate := errorRate(d.outcomes)
		if rate > d.cfg.ErrorRateThreshold && !d.rateAlerted {
			d.rateAlerted = true
			events = append(events, Event{
				Kind:        autonomy.KindHighErrorRate,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("error rate %.0f%% over last %d executions exceeds %.0f%%", rate*100, len(d.outcomes), d.cfg.ErrorRateThreshold*100),
				Observed:    rate,
				Threshold:   d.cfg.ErrorRateThreshold,
				Tool:        tool,
			})
		} else if rate <= d.cfg.ErrorRateThreshold {
			d.rateAlerted = false
		}
	}
	d.mu.Unlock()

	return d.emit(ctx, now, events)
}

// emit appends events to the anomaly log and runs the critical hook. Events
// that fail to persist are still returned so the caller can react.
func (d *Detector) emit(ctx context.Context, at time.Time, events []Event) ([]Event, error) {
	var firstErr error
	for i := range events {
		ev := &events[i]
		ev.ID = "anom_" + uuid.New().String()[:12]
		ev.DetectedAt = at
		anomaliesDetected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", ev.Kind),
			attribute.String("severity", string(ev.Severity)),
		))
		log.Warn().
			Str("anomaly_id", ev.ID).
			Str("kind", ev.Kind).
			Str("severity", string(ev.Severity)).
			Float64("observed", ev.Observed).
			Float64("threshold", ev.Threshold).
			Msg("anomaly_detected")
		if err := d.store.appendAnomaly(ctx, *ev); err != nil && firstErr == nil {
			firstErr = err
		}
		if ev.Severity == SeverityCritical && d.onCritical != nil {
			d.onCritical(ctx, *ev)
		}
	}
	return events, firstErr
}

// Recent returns anomalies from the last window, newest first.
func (d *Detector) Recent(ctx context.Context, window time.Duration) ([]Event, error) {
	return d.store.ListAnomalies(ctx, d.now().Add(-window))
}

// Summary reports the last 24 hours of anomalies.
func (d *Detector) Summary(ctx context.Context) (Summary, error) {
	recent, err := d.Recent(ctx, 24*time.Hour)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total24h: len(recent), ByKind: KindHist{}}
	for i, ev := range recent {
		if ev.Severity == SeverityCritical {
			s.Critical24h++
		}
		s.ByKind[ev.Kind]++
		if i == 0 {
			last := ev
			s.Last = &last
		}
	}
	d.mu.Lock()
	s.RecentErrors = errorRate(d.outcomes)
	d.mu.Unlock()
	return s, nil
}

func errorRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range outcomes {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes))
}

func filterAfter(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
