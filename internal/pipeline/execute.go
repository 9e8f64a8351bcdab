package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/steward/internal/tools"
)

// execute runs every validated action. Live execution happens only for
// actions Validate cleared, and only after safe mode and budgets admit it.
func (p *Pipeline) execute(ctx context.Context, s State) (State, error) {
	results := make([]ActionResult, 0, len(s.checked))
	for _, c := range s.checked {
		switch {
		case c.resolved != nil:
			results = append(results, *c.resolved)
		case c.live:
			results = append(results, p.runLive(ctx, c))
		default:
			results = append(results, p.runDry(ctx, c))
		}
	}
	return s.WithResults(results), nil
}

func (p *Pipeline) runDry(ctx context.Context, c checked) ActionResult {
	res := ActionResult{Action: c.action, Target: c.target, Verdict: c.verdict, RiskLevel: c.risk}
	out, err := p.tools.Execute(ctx, c.action.Tool, c.action.Inputs, true)
	if err != nil {
		res.Status, res.ReasonCode, res.Error = StatusFailed, CodeToolError, err.Error()
		return res
	}
	res.Status = StatusDryRun
	res.DryRunOutput = out.Output
	return res
}

type toolReturn struct {
	res tools.Result
	err error
}

// runLive executes one cleared action under its target lock, bounded by the
// budget window's remaining minutes.
func (p *Pipeline) runLive(ctx context.Context, c checked) ActionResult {
	ctx, span := tracer.Start(ctx, "pipeline.execute_action",
		trace.WithAttributes(
			attribute.String("tool", c.action.Tool),
			attribute.String("target", c.target),
		))
	defer span.End()

	res := ActionResult{Action: c.action, Target: c.target, Verdict: c.verdict, RiskLevel: c.risk}

	unlock := p.locks.Lock(lockKey(c.action.Tool, c.target))
	releaseNow := true
	defer func() {
		if releaseNow {
			unlock()
		}
	}()

	if c.dryRunFirst {
		out, err := p.tools.Execute(ctx, c.action.Tool, c.action.Inputs, true)
		if err != nil {
			res.Status, res.ReasonCode, res.Reason, res.Error = StatusFailed, CodeToolError, "dry run failed", err.Error()
			return res
		}
		res.DryRunOutput = out.Output
	}

	resv, denial := p.guard.AdmitLive(ctx, p.tools.Estimate(c.action.Tool, c.action.Inputs))
	if denial != nil {
		res.Status, res.ReasonCode, res.Reason = StatusBlocked, denial.Code, denial.Reason
		return res
	}

	tctx, cancel := context.WithTimeout(ctx, resv.Timeout())
	defer cancel()
	done := make(chan toolReturn, 1)
	start := time.Now()
	go func() {
		out, err := p.tools.Execute(tctx, c.action.Tool, c.action.Inputs, false)
		done <- toolReturn{out, err}
	}()

	var success bool
	select {
	case tr := <-done:
		res.Duration = time.Since(start)
		res.Output = tr.res.Output
		switch {
		case tr.err == nil:
			success = true
			res.Status = StatusExecuted
		case tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			res.Status, res.ReasonCode, res.Reason = StatusTimedOut, CodeTimedOut, "exceeded "+resv.Timeout().String()
			res.Error = tr.err.Error()
		default:
			res.Status, res.ReasonCode, res.Error = StatusFailed, CodeToolError, tr.err.Error()
		}
	case <-tctx.Done():
		res.Duration = time.Since(start)
		if ctx.Err() != nil {
			res.Status, res.ReasonCode, res.Reason = StatusFailed, CodeToolError, "cancelled"
		} else {
			res.Status, res.ReasonCode, res.Reason = StatusTimedOut, CodeTimedOut, "exceeded "+resv.Timeout().String()
		}
		// The tool may still be running; keep the target locked until it returns.
		releaseNow = false
		go func() {
			<-done
			unlock()
		}()
	}

	bg := context.WithoutCancel(ctx)
	resv.Settle(bg, res.Duration, success)
	if _, err := p.guard.Detector().RecordToolOutcome(bg, c.action.Tool, c.target, success); err != nil {
		log.Error().Err(err).Str("tool", c.action.Tool).Msg("tool_outcome_record_failed")
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	log.Info().
		Str("tool", c.action.Tool).
		Str("target", c.target).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg("action_executed")
	return res
}
