package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/guardrail"
	"github.com/dativo-io/steward/internal/outcome"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/scheduler"
)

const runTimeout = 30 * time.Minute

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeFailure maps governance errors to HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, scheduler.ErrNotFound), errors.Is(err, outcome.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, approval.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, scheduler.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, scheduler.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, guardrail.ErrUnauthorizedResume):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, pipeline.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

// actor returns the authenticated operator. A body that names someone else
// is answered with 403; an API key only ever acts as its own operator.
func actor(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	operator := OperatorFromContext(r.Context())
	if c := strings.TrimSpace(claimed); c != "" && c != operator {
		writeError(w, http.StatusForbidden, "identity_mismatch",
			fmt.Sprintf("authenticated as %q, cannot act as %q", operator, c))
		return "", false
	}
	return operator, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		st, err := s.gov.AutonomyStatus(r.Context())
		if err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
		} else {
			resp["safe_mode"] = st.SafeMode.Active
			resp["policy_version"] = st.PolicyVersion
			resp["pending_approvals"] = st.PendingApprovals
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type runRequest struct {
	Input      string                 `json:"input"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Proposal   *pipeline.Proposal     `json:"proposal,omitempty"`
	DryRunOnly bool                   `json:"dry_run_only"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" && req.Proposal == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "input or proposal is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	st, err := s.gov.Run(ctx, pipeline.Request{
		Input:      req.Input,
		Source:     pipeline.SourceInteractive,
		User:       OperatorFromContext(r.Context()),
		Inputs:     req.Inputs,
		Proposal:   req.Proposal,
		DryRunOnly: req.DryRunOnly,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", st.RunID).Msg("pipeline_run_error")
		if errors.Is(err, pipeline.ErrStorageUnavailable) {
			// Actions ran; only their outcome records are missing.
			writeJSON(w, http.StatusOK, st)
			return
		}
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	for _, res := range st.Results {
		if res.Status == pipeline.StatusPendingApproval {
			status = http.StatusAccepted
			break
		}
	}
	writeJSON(w, status, st)
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" || status == string(approval.StatusPending) {
		reqs, err := s.gov.ListPendingApprovals(r.Context())
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": orEmpty(reqs)})
		return
	}
	hist, err := s.gov.ApprovalHistory(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]approval.Request, 0, len(hist))
	for _, req := range hist {
		if string(req.Status) == status {
			out = append(out, req)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": out})
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.gov.ApprovalHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": orEmpty(hist)})
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.gov.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolver string `json:"resolver"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	who, ok := actor(w, r, body.Resolver)
	if !ok {
		return
	}
	req, err := s.gov.Approve(r.Context(), chi.URLParam(r, "id"), who)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolver string `json:"resolver"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	who, ok := actor(w, r, body.Resolver)
	if !ok {
		return
	}
	req, err := s.gov.Reject(r.Context(), chi.URLParam(r, "id"), who, body.Reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.gov.ListJobs(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": orEmpty(jobs)})
}

func (s *Server) handleJobAdd(w http.ResponseWriter, r *http.Request) {
	var j scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	added, err := s.gov.AddJob(r.Context(), j)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.gov.Scheduler().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.gov.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handlePolicyInfo(w http.ResponseWriter, r *http.Request) {
	pol := s.gov.Policy()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":  pol.VersionTag,
		"hash":     pol.Hash,
		"defaults": pol.Defaults,
		"rules":    pol.Rules,
	})
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var q governor.PolicyQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(q.Tool) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	if q.User == "" {
		q.User = OperatorFromContext(r.Context())
	}
	d, err := s.gov.EvaluatePolicy(r.Context(), q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAutonomyStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gov.AutonomyStatus(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAutonomyPause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	who, ok := actor(w, r, body.By)
	if !ok {
		return
	}
	st, err := s.gov.AutonomyPause(r.Context(), body.Reason, who)
	if err != nil {
		// The in-memory flag is set even when persisting failed.
		log.Error().Err(err).Msg("autonomy_pause_persist_failed")
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAutonomyResume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolver string `json:"resolver"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	who, ok := actor(w, r, body.Resolver)
	if !ok {
		return
	}
	st, err := s.gov.AutonomyResume(r.Context(), who)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAnomaliesList(w http.ResponseWriter, r *http.Request) {
	events, err := s.gov.ListAnomalies(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"anomalies": orEmpty(events)})
}

func (s *Server) handleRecoveriesList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.gov.ListRecoveries(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recoveries": orEmpty(recs)})
}

func (s *Server) handleOutcomesList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := outcome.Filter{
		RunID:  q.Get("run_id"),
		Tool:   q.Get("tool"),
		Target: q.Get("target"),
		Limit:  queryInt(r, "limit", 50),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		f.Since = t
	}
	recs, err := s.gov.ListOutcomes(r.Context(), f)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": orEmpty(recs)})
}

func (s *Server) handleOutcomeVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.gov.VerifyOutcome(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": ok})
}

func (s *Server) handleTelemetrySample(w http.ResponseWriter, r *http.Request) {
	var sample guardrail.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	events, err := s.gov.IngestSample(r.Context(), sample)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"anomalies": orEmpty(events)})
}

func (s *Server) handleTelemetryToolOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool    string `json:"tool"`
		Target  string `json:"target"`
		Success bool   `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Tool) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}
	events, err := s.gov.IngestToolOutcome(r.Context(), body.Tool, body.Target, body.Success)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"anomalies": orEmpty(events)})
}

// orEmpty keeps list responses as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
