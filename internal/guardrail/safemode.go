package guardrail

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PausedPrefix starts every reason returned while safe mode is active.
const PausedPrefix = "autonomy paused: "

// SafeModeState is the persisted safe-mode flag.
type SafeModeState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	SetBy  string    `json:"set_by,omitempty"`
	SetAt  time.Time `json:"set_at,omitempty"`
}

// SafeMode is the global pause switch for live executions.
type SafeMode struct {
	mu       sync.RWMutex
	state    SafeModeState
	resumers []string
	store    *Store
	now      func() time.Time
	dirty    bool // state not yet persisted
}

// Status returns the current flag.
func (s *SafeMode) Status() SafeModeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Blocked reports whether live executions are paused, with the reason to
// attach to the blocked result.
func (s *SafeMode) Blocked() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.Active {
		return false, ""
	}
	return true, PausedPrefix + s.state.Reason
}

// Pause activates safe mode. Pausing while already paused keeps the original
// reason. The in-memory flag is set even when persisting fails.
func (s *SafeMode) Pause(ctx context.Context, reason, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active {
		return nil
	}
	if reason == "" {
		reason = "manual pause"
	}
	s.state = SafeModeState{Active: true, Reason: reason, SetBy: by, SetAt: s.now()}
	safeModeTransitions.Add(ctx, 1)
	log.Warn().Str("reason", reason).Str("set_by", by).Msg("autonomy_paused")
	if err := s.store.saveSafeMode(ctx, s.state); err != nil {
		s.dirty = true
		return fmt.Errorf("persisting safe mode: %w", err)
	}
	s.dirty = false
	return nil
}

// Resume clears safe mode. When authorized_resumers is configured the
// resolver must be listed; an anonymous resolver is never accepted. If the
// cleared flag cannot be persisted, safe mode stays active.
func (s *SafeMode) Resume(ctx context.Context, resolver string) error {
	if resolver == "" || (len(s.resumers) > 0 && !slices.Contains(s.resumers, resolver)) {
		return fmt.Errorf("%w: %q", ErrUnauthorizedResume, resolver)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active {
		return nil
	}
	cleared := SafeModeState{SetBy: resolver, SetAt: s.now()}
	if err := s.store.saveSafeMode(ctx, cleared); err != nil {
		return fmt.Errorf("persisting safe mode: %w", err)
	}
	prev := s.state
	s.state = cleared
	s.dirty = false
	safeModeTransitions.Add(ctx, 1)
	log.Info().Str("resolver", resolver).Str("paused_reason", prev.Reason).
		Dur("paused_for", cleared.SetAt.Sub(prev.SetAt)).Msg("autonomy_resumed")
	return nil
}

// Reload picks up a pause or resume written by another process sharing the
// database. A pause that failed to persist here is retried instead.
func (s *SafeMode) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return s.flushLocked(ctx)
	}
	st, err := s.store.loadSafeMode(ctx)
	if err != nil {
		return err
	}
	if st.Active != s.state.Active {
		log.Info().Bool("active", st.Active).Str("reason", st.Reason).Str("set_by", st.SetBy).
			Msg("safe_mode_changed_externally")
	}
	s.state = st
	return nil
}

func (s *SafeMode) flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked(ctx)
}

func (s *SafeMode) flushLocked(ctx context.Context) error {
	if err := s.store.saveSafeMode(ctx, s.state); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
