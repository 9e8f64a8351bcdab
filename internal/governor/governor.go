// Package governor assembles the governance core over one SQLite database
// and exposes the operator surface: approvals, jobs, policy evaluation,
// autonomy status and control, anomalies and recoveries. The HTTP API and
// the CLI both go through it.
package governor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/autonomy"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/policy"
	"github.com/dativo-io/steward/internal/recovery"
	"github.com/dativo-io/steward/internal/runbook"
	"github.com/dativo-io/steward/internal/scheduler"
	"github.com/dativo-io/steward/internal/storage"
	"github.com/dativo-io/steward/internal/tools"
)

// resumeInterval is how often approved actions are picked up when no
// approval call in this process triggered them.
const resumeInterval = 5 * time.Second

// Governor owns every governance component and their background loops.
type Governor struct {
	cfg       *config.Config
	db        *sql.DB
	pol       *policy.Policy
	autonomy  *autonomy.Config
	engine    *policy.Engine
	guard     *guardrail.Enforcer
	approvals *approval.Workflow
	tools     *tools.Registry
	ledger    *outcome.Ledger
	pipe      *pipeline.Pipeline
	recovery  *recovery.Executor
	sched     *scheduler.Scheduler
	now       func() time.Time

	mu      sync.Mutex
	started bool
	stops   []func()
	kicks   sync.WaitGroup
}

type options struct {
	now      func() time.Time
	tools    *tools.Registry
	reasoner pipeline.Reasoner
	context  pipeline.ContextProvider
	alerts   io.Writer
	user     string
	host     string
}

// Option configures Open.
type Option func(*options)

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTools replaces the default tool registry.
func WithTools(r *tools.Registry) Option {
	return func(o *options) { o.tools = r }
}

// WithReasoner sets the reasoning step used for free-text runs.
func WithReasoner(r pipeline.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// WithContextProvider sets the retrieval step. The default serves runbooks
// from the configured runbook directory.
func WithContextProvider(c pipeline.ContextProvider) Option {
	return func(o *options) { o.context = c }
}

// WithAlertWriter sets where alert_user writes notifications (default stderr).
func WithAlertWriter(w io.Writer) Option {
	return func(o *options) { o.alerts = w }
}

// WithIdentity fixes the user and host policy conditions see by default.
func WithIdentity(user, host string) Option {
	return func(o *options) { o.user, o.host = user, host }
}

// DefaultTools returns the built-in tool set: systemd service control,
// config writes with backup and rollback, and operator alerts.
func DefaultTools(runner tools.CommandRunner, alerts io.Writer) *tools.Registry {
	r := tools.NewRegistry()
	for _, verb := range []string{"status", "start", "stop", "restart", "reload"} {
		r.Register(tools.NewServiceTool(verb, runner))
	}
	r.Register(tools.NewConfigWriteTool())
	r.Register(tools.NewConfigRollbackTool())
	r.Register(tools.NewAlertTool(alerts))
	return r
}

// Open loads policy.yaml and autonomy.yaml, opens the state database and
// wires the pipeline, recovery executor and scheduler. Background loops are
// not started until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Governor, error) {
	o := options{now: time.Now, alerts: os.Stderr}
	for _, fn := range opts {
		fn(&o)
	}
	if o.tools == nil {
		o.tools = DefaultTools(tools.ExecRunner{}, o.alerts)
	}

	pol, err := policy.LoadOrDefault(ctx, cfg.PolicyPath())
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	acfg, err := autonomy.LoadOrDefault(ctx, cfg.AutonomyPath())
	if err != nil {
		return nil, fmt.Errorf("loading autonomy config: %w", err)
	}

	if o.context == nil {
		lib, err := runbook.Load(ctx, cfg.RunbooksPath())
		if err != nil {
			return nil, fmt.Errorf("loading runbooks: %w", err)
		}
		o.context = lib
	}

	engineOpts := []policy.EngineOption{policy.WithClock(o.now)}
	if o.user != "" || o.host != "" {
		engineOpts = append(engineOpts, policy.WithIdentity(o.user, o.host))
	}
	engine, err := policy.NewEngine(ctx, pol, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	g, err := assemble(ctx, cfg, db, pol, acfg, engine, o)
	if err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

func assemble(ctx context.Context, cfg *config.Config, db *sql.DB, pol *policy.Policy, acfg *autonomy.Config, engine *policy.Engine, o options) (*Governor, error) {
	guard, err := guardrail.Load(ctx, db, acfg, guardrail.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("loading guardrail state: %w", err)
	}
	approvals, err := approval.New(ctx, db, acfg.Approvals.TTL, approval.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("initializing approvals: %w", err)
	}
	ledger, err := outcome.NewLedger(ctx, db, cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("initializing outcome ledger: %w", err)
	}
	pipe, err := pipeline.New(pipeline.Config{
		Policy:    engine,
		Guardrail: guard,
		Approvals: approvals,
		Tools:     o.tools,
		Reasoner:  o.reasoner,
		Context:   o.context,
		Memory:    ledger,
	})
	if err != nil {
		return nil, err
	}
	recStore, err := recovery.NewStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("initializing recovery store: %w", err)
	}
	rec := recovery.New(acfg.Recovery, guard, pipe, recStore)
	rec.Observe(pipe)

	sched, err := scheduler.New(ctx, db, pipe, acfg.Scheduler, cfg.Workers, scheduler.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}

	return &Governor{
		cfg:       cfg,
		db:        db,
		pol:       pol,
		autonomy:  acfg,
		engine:    engine,
		guard:     guard,
		approvals: approvals,
		tools:     o.tools,
		ledger:    ledger,
		pipe:      pipe,
		recovery:  rec,
		sched:     sched,
		now:       o.now,
	}, nil
}

// Start launches the background loops: approval expiry, approved-action
// resume, budget and anomaly sweeps, recovery polling and the scheduler.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true
	if err := g.sched.RecoverInterrupted(ctx); err != nil {
		log.Error().Err(err).Msg("job_recovery_failed")
	}
	g.stops = append(g.stops,
		g.approvals.StartExpiryLoop(ctx, g.cfg.ApprovalSweepInterval),
		g.pipe.StartResumeLoop(ctx, resumeInterval),
		guardrail.StartSweepLoop(ctx, g.guard, g.cfg.BudgetSweepInterval),
		g.recovery.Start(ctx, g.cfg.RecoveryPollInterval),
		g.sched.Start(ctx),
	)
	log.Info().
		Int("workers", g.cfg.Workers).
		Str("policy_version", g.pol.VersionTag).
		Bool("safe_mode", g.guard.SafeMode().Status().Active).
		Msg("governor_started")
}

// Close stops background loops, waits for in-flight work, flushes guardrail
// state and closes the database.
func (g *Governor) Close(ctx context.Context) error {
	g.mu.Lock()
	stops := g.stops
	g.stops = nil
	g.started = false
	g.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	g.kicks.Wait()
	g.sched.Wait()

	flushErr := g.guard.Flush(ctx)
	if err := g.db.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return flushErr
}

// Policy returns the loaded rule set.
func (g *Governor) Policy() *policy.Policy { return g.pol }

// Autonomy returns the loaded autonomy config.
func (g *Governor) Autonomy() *autonomy.Config { return g.autonomy }

// Scheduler returns the job scheduler.
func (g *Governor) Scheduler() *scheduler.Scheduler { return g.sched }

// Pipeline returns the runtime pipeline.
func (g *Governor) Pipeline() *pipeline.Pipeline { return g.pipe }

// Tools returns the tool registry.
func (g *Governor) Tools() *tools.Registry { return g.tools }

// kick runs fn in the background when loops are running, so operator
// actions take effect without waiting for the next poll.
func (g *Governor) kick(name string, fn func(context.Context) (int, error)) {
	g.mu.Lock()
	started := g.started
	if started {
		g.kicks.Add(1)
	}
	g.mu.Unlock()
	if !started {
		return
	}
	go func() {
		defer g.kicks.Done()
		if _, err := fn(context.Background()); err != nil {
			log.Error().Err(err).Str("task", name).Msg("governor_kick_failed")
		}
	}()
}
