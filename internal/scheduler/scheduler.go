// Package scheduler runs durable jobs through the governance pipeline.
//
// Jobs live in SQLite together with their next-run time, so a restart picks
// up where the previous process stopped. A single loop wakes at the earliest
// next run and hands due jobs to a bounded worker pool. Exclusive jobs are
// never dispatched while a previous run is still in flight. Failed runs are
// retried with exponential backoff until the attempt limit, after which the
// job is disabled and left visible in state "failed".
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/steward/internal/autonomy"
	stewardotel "github.com/dativo-io/steward/internal/otel"
	"github.com/dativo-io/steward/internal/pipeline"
)

var (
	tracer     = stewardotel.Tracer("github.com/dativo-io/steward/internal/scheduler")
	meter      = stewardotel.Meter("github.com/dativo-io/steward/internal/scheduler")
	dispatches = stewardotel.Counter(meter, "scheduler.dispatches", "Job runs dispatched, by trigger and outcome")
)

const (
	// SourcePrefix marks pipeline runs submitted for a job.
	SourcePrefix = "job:"
	// Operator is the identity job runs are evaluated as.
	Operator = "steward-scheduler"

	maxIdle    = time.Minute
	minRecheck = 250 * time.Millisecond
	// busyRetry defers a one-shot exclusive job that came due mid-run.
	busyRetry = 30 * time.Second
)

// Runner submits a request to the pipeline. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.State, error)
}

// Scheduler owns the job store, the run loop and the worker pool.
type Scheduler struct {
	store  *Store
	runner Runner
	cfg    autonomy.Scheduler
	now    func() time.Time

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup

	// mu serializes read-modify-write of job rows and guards inflight.
	mu       sync.Mutex
	inflight map[string]int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New opens the job store and resets jobs left "running" by a previous
// process. workers bounds concurrent job runs.
func New(ctx context.Context, db *sql.DB, runner Runner, cfg autonomy.Scheduler, workers int, opts ...Option) (*Scheduler, error) {
	if workers < 1 {
		workers = 1
	}
	store, err := NewStore(ctx, db)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:    store,
		runner:   runner,
		cfg:      cfg,
		now:      time.Now,
		slots:    make(chan struct{}, workers),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// RecoverInterrupted returns jobs left running by a previous process to idle.
// Call it once, from the process that owns dispatch, before Start.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		j := &jobs[i]
		if j.State != StateRunning {
			continue
		}
		j.State = StateIdle
		if j.Enabled && j.OneShot() && j.NextRunAt.IsZero() {
			j.NextRunAt = s.now()
		}
		if err := s.store.update(ctx, j); err != nil {
			return err
		}
		log.Warn().Str("job_id", j.ID).Msg("job_interrupted")
	}
	return nil
}

// Add validates and persists a new job and computes its first run. A job id
// that already exists is a conflict unless that job was cancelled.
func (s *Scheduler) Add(ctx context.Context, j Job) (*Job, error) {
	ctx, span := tracer.Start(ctx, "scheduler.add", trace.WithAttributes(attribute.String("job_id", j.ID)))
	defer span.End()

	j.ID = strings.TrimSpace(j.ID)
	if err := j.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	j.Enabled = true
	j.State = StateIdle
	j.Attempts = 0
	j.LastError = ""
	j.LastRunAt = time.Time{}
	j.CreatedAt = now
	if j.OneShot() {
		j.RunAt = j.RunAt.UTC()
		j.NextRunAt = j.RunAt
	} else {
		j.NextRunAt = j.nextAfter(now)
	}

	s.mu.Lock()
	err := s.store.insert(ctx, &j)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("job_id", j.ID).
		Str("schedule", j.Schedule).
		Time("next_run_at", j.NextRunAt).
		Int("priority", j.Priority).
		Bool("exclusive", j.Exclusive).
		Msg("job_added")
	s.poke()
	return &j, nil
}

// Cancel disables a job. A run already in flight is not interrupted; it
// finishes and the job stays cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State == StateCancelled {
		return j, nil
	}
	j.Enabled = false
	j.State = StateCancelled
	j.NextRunAt = time.Time{}
	if err := s.store.update(ctx, j); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", id).Msg("job_cancelled")
	return j, nil
}

// Get returns one job.
func (s *Scheduler) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns every job, including cancelled and failed ones.
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	return s.store.List(ctx)
}

// Tick dispatches every due job that can run now and returns how many were
// dispatched. Jobs that cannot get a worker stay due for the next tick. A
// due exclusive job whose previous run is still going misses that slot.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := s.store.due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("scheduler_due_query_failed")
		return 0
	}

	var n int
	for i := range due {
		j := due[i]
		if !s.claim(j) {
			if err := s.skipInFlight(ctx, j.ID, now); err != nil {
				log.Error().Err(err).Str("job_id", j.ID).Msg("job_skip_failed")
			}
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.release(j.ID)
			return n
		}
		started, err := s.markRunning(ctx, j.ID, now)
		if err != nil || started == nil {
			<-s.slots
			s.release(j.ID)
			if err != nil {
				log.Error().Err(err).Str("job_id", j.ID).Msg("job_dispatch_failed")
			}
			continue
		}
		n++
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.release(j.ID)
			s.runJob(ctx, j, nil, "schedule", StateIdle)
		}(*started)
	}
	return n
}

// Trigger runs a job now on behalf of an external event and waits for the
// result. payload is merged over the job's inputs. It does not change the
// job's schedule. An exclusive job already in flight yields ErrBusy.
func (s *Scheduler) Trigger(ctx context.Context, id string, payload map[string]interface{}) (pipeline.State, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return pipeline.State{}, err
	}
	if !j.Enabled {
		return pipeline.State{}, fmt.Errorf("%w: job %s is %s", ErrInvalid, id, j.State)
	}
	if !s.claim(*j) {
		return pipeline.State{}, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer s.release(id)

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return pipeline.State{}, ctx.Err()
	}
	defer func() { <-s.slots }()

	prev := j.State
	started, err := s.markRunning(ctx, id, time.Time{})
	if err != nil {
		return pipeline.State{}, err
	}
	if started == nil {
		return pipeline.State{}, fmt.Errorf("%w: job %s was cancelled", ErrInvalid, id)
	}
	inputs := make(map[string]interface{}, len(started.Inputs)+len(payload))
	for k, v := range started.Inputs {
		inputs[k] = v
	}
	for k, v := range payload {
		inputs[k] = v
	}
	return s.runJob(ctx, *started, inputs, "event", prev)
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Start runs the scheduling loop in a goroutine. The returned function
// stops the loop and waits for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			s.Tick(ctx)
			timer := time.NewTimer(s.untilNext(ctx))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

func (s *Scheduler) untilNext(ctx context.Context) time.Duration {
	next, ok, err := s.store.nextWake(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler_next_wake_failed")
		}
		return maxIdle
	}
	if !ok {
		return maxIdle
	}
	d := next.Sub(s.now())
	switch {
	case d < minRecheck:
		return minRecheck
	case d > maxIdle:
		return maxIdle
	}
	return d
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// claim records a run in flight. It refuses exclusive jobs that already
// have one.
func (s *Scheduler) claim(j Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Exclusive && s.inflight[j.ID] > 0 {
		return false
	}
	s.inflight[j.ID]++
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id]--; s.inflight[id] <= 0 {
		delete(s.inflight, id)
	}
}

// InFlight reports how many runs of a job are executing.
func (s *Scheduler) InFlight(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id]
}

// markRunning moves a job to running. A non-zero dueAt means a scheduled
// dispatch: the next run is advanced past dueAt so the job is not picked up
// again. Returns nil if the job is no longer enabled.
func (s *Scheduler) markRunning(ctx context.Context, id string, dueAt time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Enabled {
		return nil, nil
	}
	now := s.now()
	j.State = StateRunning
	j.LastRunAt = now
	if !dueAt.IsZero() {
		if j.OneShot() {
			j.NextRunAt = time.Time{}
		} else {
			j.NextRunAt = j.nextAfter(maxTime(dueAt, now))
		}
	}
	if err := s.store.update(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// skipInFlight moves a due job's next run off the slot at now: a recurring
// job to its following slot, a one-shot job busyRetry later.
func (s *Scheduler) skipInFlight(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Enabled || j.NextRunAt.IsZero() || j.NextRunAt.After(now) {
		return nil
	}
	skipped := j.NextRunAt
	if j.OneShot() {
		j.NextRunAt = now.Add(busyRetry)
	} else {
		j.NextRunAt = j.nextAfter(now)
	}
	if err := s.store.update(ctx, j); err != nil {
		return err
	}
	log.Warn().
		Str("job_id", id).
		Time("skipped_at", skipped).
		Time("next_run_at", j.NextRunAt).
		Msg("job_skipped_in_flight")
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j Job, inputs map[string]interface{}, trigger string, prev State) (pipeline.State, error) {
	ctx, span := tracer.Start(ctx, "scheduler.run_job",
		trace.WithAttributes(
			attribute.String("job_id", j.ID),
			attribute.String("trigger", trigger),
			attribute.Int("attempt", j.Attempts+1),
		))
	defer span.End()

	if inputs == nil {
		inputs = j.Inputs
	}
	req := pipeline.Request{
		Input:  j.Task,
		Source: SourcePrefix + j.ID,
		User:   Operator,
		Inputs: inputs,
	}
	if j.Tool != "" {
		task := j.Task
		if task == "" {
			task = j.Tool
		}
		req.Input = task
		req.Proposal = &pipeline.Proposal{
			Intent:     "job_" + j.ID,
			Confidence: j.Confidence,
			Actions: []pipeline.Action{{
				Tool:       j.Tool,
				Inputs:     inputs,
				Confidence: j.Confidence,
				Reasoning:  "scheduled job " + j.ID,
			}},
		}
	}

	log.Info().
		Str("job_id", j.ID).
		Str("trigger", trigger).
		Int("attempt", j.Attempts+1).
		Func(stewardotel.LogTraceFields(ctx)).
		Msg("job_dispatched")

	st, err := s.runner.Run(ctx, req)
	failure := runFailure(st, err)
	outcome := "ok"
	if failure != "" {
		outcome = "failed"
	}
	dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome)))

	if ferr := s.finish(context.WithoutCancel(ctx), j.ID, st.RunID, failure, trigger == "event", prev); ferr != nil {
		log.Error().Err(ferr).Str("job_id", j.ID).Msg("job_state_update_failed")
	}
	return st, err
}

// runFailure describes why a run counts as failed, or "" on success.
// Governance outcomes (blocked, pending approval, rejected) are not
// failures: retrying cannot change them.
func runFailure(st pipeline.State, err error) string {
	if err != nil {
		return err.Error()
	}
	var msgs []string
	for _, r := range st.Results {
		switch r.Status {
		case pipeline.StatusFailed, pipeline.StatusTimedOut:
			msg := r.Error
			if msg == "" {
				msg = r.Reason
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", r.Action.Tool, msg))
		}
	}
	return strings.Join(msgs, "; ")
}

func (s *Scheduler) finish(ctx context.Context, id, runID, failure string, triggered bool, prev State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	j.LastError = failure
	switch {
	case j.State == StateCancelled:
	case triggered:
		j.State = prev
		if prev == StateRunning {
			j.State = StateIdle
		}
	case failure != "":
		j.Attempts++
		if limit := s.maxRetries(j); j.Attempts > limit {
			j.State = StateFailed
			j.Enabled = false
			j.NextRunAt = time.Time{}
			log.Error().
				Str("job_id", id).
				Str("run_id", runID).
				Int("attempts", j.Attempts).
				Str("error", failure).
				Msg("job_failed")
			break
		}
		delay := backoff(j.Attempts, s.cfg.RetryBase, s.cfg.RetryMax)
		j.State = StateRetrying
		j.NextRunAt = now.Add(delay)
		log.Warn().
			Str("job_id", id).
			Str("run_id", runID).
			Int("attempt", j.Attempts).
			Dur("retry_in", delay).
			Str("error", failure).
			Msg("job_retry_scheduled")
	default:
		j.Attempts = 0
		if j.OneShot() {
			j.State = StateCompleted
			j.Enabled = false
			j.NextRunAt = time.Time{}
		} else {
			j.State = StateIdle
		}
		log.Info().Str("job_id", id).Str("run_id", runID).Msg("job_completed")
	}
	if err := s.store.update(ctx, j); err != nil {
		return err
	}
	s.poke()
	return nil
}

func (s *Scheduler) maxRetries(j *Job) int {
	if j.MaxRetries != nil {
		return *j.MaxRetries
	}
	return s.cfg.MaxRetries
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
