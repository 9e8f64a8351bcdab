package guardrail

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/autonomy"
)

// Usage is the consumption recorded in the current budget window. CPU and
// memory are budget units declared by tools per execution; Minutes is actual
// execution time; Invocations counts live attempts.
type Usage struct {
	WindowStart time.Time `json:"window_start"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMB    float64   `json:"memory_mb"`
	Minutes     float64   `json:"minutes"`
	Invocations int       `json:"invocations"`
	Resets      int       `json:"resets"`
}

// Estimate is what a tool expects one execution to consume.
type Estimate struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	Minutes    float64 `json:"minutes"`
}

// BudgetLedger tracks usage against autonomy budgets. Reserve checks and
// increments under one lock, so concurrent attempts cannot overshoot.
type BudgetLedger struct {
	mu     sync.Mutex
	limits autonomy.Budgets
	usage  Usage
	store  *Store
	now    func() time.Time
	dirty  bool
}

func newBudgetLedger(limits autonomy.Budgets, usage Usage, store *Store, now func() time.Time) *BudgetLedger {
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	if usage.WindowStart.IsZero() {
		usage.WindowStart = now()
	}
	return &BudgetLedger{limits: limits, usage: usage, store: store, now: now}
}

// Reservation is an admitted live execution. Settle it exactly once.
type Reservation struct {
	ledger      *BudgetLedger
	estimate    Estimate
	windowStart time.Time
	timeout     time.Duration
	once        sync.Once
}

// Timeout is the longest the admitted execution may run: the minutes left in
// the window, never more than time_minutes_max.
func (r *Reservation) Timeout() time.Duration { return r.timeout }

// Reserve admits one live execution if every budget has room for est, and
// records the invocation and estimate. A usage write failure rejects the
// attempt.
func (l *BudgetLedger) Reserve(ctx context.Context, est Estimate) (*Reservation, error) {
	est = clampEstimate(est)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(ctx)

	u, lim := l.usage, l.limits
	switch {
	case u.Invocations+1 > lim.FrequencyPerHourMax:
		return nil, fmt.Errorf("%w: frequency %d/%d per window", ErrBudgetExceeded, u.Invocations, lim.FrequencyPerHourMax)
	case u.CPUPercent+est.CPUPercent > lim.CPUPercentMax:
		return nil, fmt.Errorf("%w: cpu %.1f+%.1f > %.1f", ErrBudgetExceeded, u.CPUPercent, est.CPUPercent, lim.CPUPercentMax)
	case u.MemoryMB+est.MemoryMB > lim.MemoryMBMax:
		return nil, fmt.Errorf("%w: memory %.0f+%.0f > %.0f MB", ErrBudgetExceeded, u.MemoryMB, est.MemoryMB, lim.MemoryMBMax)
	case u.Minutes >= lim.TimeMinutesMax || u.Minutes+est.Minutes > lim.TimeMinutesMax:
		return nil, fmt.Errorf("%w: time %.1f+%.1f > %.1f min", ErrBudgetExceeded, u.Minutes, est.Minutes, lim.TimeMinutesMax)
	}

	next := u
	next.Invocations++
	next.CPUPercent += est.CPUPercent
	next.MemoryMB += est.MemoryMB
	next.Minutes += est.Minutes
	if err := l.store.saveUsage(ctx, next); err != nil {
		return nil, fmt.Errorf("recording budget reservation: %w", err)
	}
	l.usage = next
	l.dirty = false

	remaining := lim.TimeMinutesMax - u.Minutes
	return &Reservation{
		ledger:      l,
		estimate:    est,
		windowStart: u.WindowStart,
		timeout:     time.Duration(remaining * float64(time.Minute)),
	}, nil
}

// Settle replaces the time estimate with the actual duration, whether the run
// succeeded or not. On failure the CPU and memory estimates are refunded; the
// invocation and the time spent always count.
// Reservations from an earlier window leave the current window untouched.
func (r *Reservation) Settle(ctx context.Context, actual time.Duration, success bool) {
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		defer l.mu.Unlock()
		l.rolloverLocked(ctx)
		if !l.usage.WindowStart.Equal(r.windowStart) {
			return
		}
		u := l.usage
		u.Minutes += actual.Minutes() - r.estimate.Minutes
		if !success {
			u.CPUPercent -= r.estimate.CPUPercent
			u.MemoryMB -= r.estimate.MemoryMB
		}
		u = clampUsage(u)
		l.usage = u
		l.persistLocked(ctx, "budget_settle_persist_failed")
	})
}

// Sweep resets the counters if the window has elapsed. It reports whether a
// reset happened.
func (l *BudgetLedger) Sweep(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rolloverLocked(ctx)
}

// Snapshot returns the current usage after applying any due reset.
func (l *BudgetLedger) Snapshot(ctx context.Context) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(ctx)
	return l.usage
}

// Limits returns the configured budgets.
func (l *BudgetLedger) Limits() autonomy.Budgets { return l.limits }

// rolloverLocked starts a new window aligned to the previous window start, so
// however many windows elapsed the counters reset once and the next boundary
// stays on the original grid.
func (l *BudgetLedger) rolloverLocked(ctx context.Context) bool {
	now := l.now()
	elapsed := now.Sub(l.usage.WindowStart)
	if elapsed < l.limits.Window {
		return false
	}
	windows := elapsed / l.limits.Window
	next := Usage{
		WindowStart: l.usage.WindowStart.Add(windows * l.limits.Window),
		Resets:      l.usage.Resets + 1,
	}
	l.usage = next
	budgetResets.Add(ctx, 1)
	l.persistLocked(ctx, "budget_reset_persist_failed")
	log.Debug().Time("window_start", next.WindowStart).Int("resets", next.Resets).Msg("budget_window_reset")
	return true
}

func (l *BudgetLedger) persistLocked(ctx context.Context, failMsg string) {
	if err := l.store.saveUsage(ctx, l.usage); err != nil {
		l.dirty = true
		log.Error().Err(err).Msg(failMsg)
		return
	}
	l.dirty = false
}

func (l *BudgetLedger) flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	if err := l.store.saveUsage(ctx, l.usage); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func clampEstimate(e Estimate) Estimate {
	return Estimate{
		CPUPercent: nonNegative(e.CPUPercent),
		MemoryMB:   nonNegative(e.MemoryMB),
		Minutes:    nonNegative(e.Minutes),
	}
}

func clampUsage(u Usage) Usage {
	u.CPUPercent = nonNegative(u.CPUPercent)
	u.MemoryMB = nonNegative(u.MemoryMB)
	u.Minutes = nonNegative(u.Minutes)
	if u.Invocations < 0 {
		u.Invocations = 0
	}
	return u
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
