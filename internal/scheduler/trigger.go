package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/steward/internal/pipeline"
)

// triggerTimeout bounds a single event-triggered run.
const triggerTimeout = 30 * time.Minute

// triggerResponse is the JSON response for an event trigger.
type triggerResponse struct {
	Status  string                  `json:"status"`
	RunID   string                  `json:"run_id,omitempty"`
	Message string                  `json:"message,omitempty"`
	Results []pipeline.ActionResult `json:"results,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// TriggerHandler runs the job named by the {id} URL parameter now. An
// optional JSON object body is merged over the job's inputs.
func (s *Scheduler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "application/json")

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(triggerResponse{Status: "error", Error: "invalid JSON body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	log.Info().Str("job_id", id).Msg("job_trigger_fired")

	st, err := s.Trigger(ctx, id, payload)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, ErrBusy), errors.Is(err, ErrInvalid):
			code = http.StatusConflict
		}
		log.Error().Err(err).Str("job_id", id).Msg("job_trigger_failed")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(triggerResponse{Status: "error", RunID: st.RunID, Error: err.Error()})
		return
	}

	_ = json.NewEncoder(w).Encode(triggerResponse{
		Status:  "ok",
		RunID:   st.RunID,
		Message: fmt.Sprintf("job %s triggered", id),
		Results: st.Results,
	})
}
