package ctxmgr

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// GlobalContext is immutable per-process user/system configuration,
// shared read-only by every session.
type GlobalContext struct {
	UserID string
	// UserLevel is this user's privilege level ("guest", "standard", or
	// "admin" — see coordinator.UserLevelRank), threaded onto every
	// domain.SaveRequest the session emits so the Coordinator's
	// user_level_rules can gate saves without a lookup back into ctxmgr.
	UserLevel string
	System    map[string]any
}

// WorkflowContext is per-workflow isolated state, created when a plan
// begins executing and discarded when it completes.
type WorkflowContext struct {
	WorkflowID string
	Vars       map[string]any
}

// NodeContext is ephemeral, created fresh for each node execution.
type NodeContext struct {
	NodeID string
	Inputs map[string]any
}

// TokenUsage tracks cumulative prompt/completion token counts for a
// session and derives the usage ratio against its context limit.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ContextLimit     int
}

// UsageRatio returns TotalTokens/ContextLimit, or 0 if the limit is not
// yet known (never divides by zero).
func (u TokenUsage) UsageRatio() float64 {
	if u.ContextLimit <= 0 {
		return 0
	}
	return float64(u.TotalTokens) / float64(u.ContextLimit)
}

// DefaultSaturationThreshold is the usage_ratio at which distillation
// begins (SessionContext, default 0.92).
const DefaultSaturationThreshold = 0.92

// WarningThreshold is the usage_ratio at which a structured warning is
// logged every turn (0.80).
const WarningThreshold = 0.80

// SessionContext is per-session state: the global context it was created
// under, its token usage, short-term buffer, saturation latch, and
// distilled summary. Mutated exclusively via UpdateTokenUsage and
// AddTurn — both are responsible for emitting a saturation signal on
// first threshold crossing.
type SessionContext struct {
	mu sync.Mutex

	SessionID           string
	Global              GlobalContext
	Usage               TokenUsage
	Buffer              domain.ShortTermBuffer
	IsSaturated         bool
	SaturationThreshold float64
	Summary             *domain.StructuredSummary
	Frozen              bool
	backup              *sessionBackup

	logger *slog.Logger
}

type sessionBackup struct {
	usage       TokenUsage
	buffer      domain.ShortTermBuffer
	summary     *domain.StructuredSummary
	isSaturated bool
}

// NewSessionContext creates a session bound to global with the given
// context limit (from the model metadata registry) and the default
// saturation threshold.
func NewSessionContext(sessionID string, global GlobalContext, contextLimit int, logger *slog.Logger) *SessionContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionContext{
		SessionID:           sessionID,
		Global:              global,
		Usage:               TokenUsage{ContextLimit: contextLimit},
		SaturationThreshold: DefaultSaturationThreshold,
		logger:              logger,
	}
}

// ErrFrozen is returned by AddTurn when the session is frozen for
// distillation.
var ErrFrozen = fmt.Errorf("session is frozen for distillation, retry shortly")

// AddTurn appends a turn to the short-term buffer. Rejected while the
// session is frozen. Returns true if this call crossed the saturation
// threshold for the first time (i.e. the caller should trigger
// distillation) — the latch is set atomically with the check so a
// saturation signal is never emitted twice per cycle.
func (s *SessionContext) AddTurn(t domain.Turn) (crossedSaturation bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Frozen {
		return false, ErrFrozen
	}
	s.Buffer.Turns = append(s.Buffer.Turns, t)
	s.Usage.TotalTokens += t.TokenUsage
	return s.checkSaturationLocked(), nil
}

// UpdateTokenUsage records additional prompt/completion tokens from one
// LLM call and returns whether this call crossed the saturation
// threshold for the first time.
func (s *SessionContext) UpdateTokenUsage(prompt, completion int) (crossedSaturation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Usage.PromptTokens += prompt
	s.Usage.CompletionTokens += completion
	s.Usage.TotalTokens += prompt + completion
	return s.checkSaturationLocked()
}

// checkSaturationLocked must be called with s.mu held. It logs the
// warning-threshold message every turn once usage ratio passes 0.80,
// and latches is_saturated exactly once per cycle.
func (s *SessionContext) checkSaturationLocked() bool {
	ratio := s.Usage.UsageRatio()
	if ratio >= WarningThreshold {
		s.logger.Warn("ctxmgr: session approaching context limit",
			"session_id", s.SessionID, "usage_ratio", ratio)
	}
	if ratio >= s.SaturationThreshold && !s.IsSaturated {
		s.IsSaturated = true
		return true
	}
	return false
}

// Freeze refuses further AddTurn calls; used by the distillation
// pipeline's first step.
func (s *SessionContext) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frozen = true
}

// Unfreeze re-allows AddTurn; used by the distillation pipeline's last
// step, on both the success and rollback paths.
func (s *SessionContext) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frozen = false
}

// Backup deep-copies the mutable session state so a failed distillation
// can be rolled back exactly. Overwrites any prior backup.
func (s *SessionContext) Backup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]domain.Turn, len(s.Buffer.Turns))
	copy(turns, s.Buffer.Turns)
	var summaryCopy *domain.StructuredSummary
	if s.Summary != nil {
		c := *s.Summary
		summaryCopy = &c
	}
	s.backup = &sessionBackup{
		usage:       s.Usage,
		buffer:      domain.ShortTermBuffer{Turns: turns},
		summary:     summaryCopy,
		isSaturated: s.IsSaturated,
	}
}

// Restore reverts to the last Backup snapshot exactly. Used on
// distillation failure.
func (s *SessionContext) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backup == nil {
		return
	}
	s.Usage = s.backup.usage
	s.Buffer = s.backup.buffer
	s.Summary = s.backup.summary
	s.IsSaturated = s.backup.isSaturated
}

// ResetSaturation clears the saturation latch; called only at the end of
// a successful distillation.
func (s *SessionContext) ResetSaturation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsSaturated = false
}

// Snapshot returns a value copy of the buffer and usage for read-only
// inspection (e.g. by the distillation summarizer), without exposing the
// mutex.
func (s *SessionContext) Snapshot() (domain.ShortTermBuffer, TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]domain.Turn, len(s.Buffer.Turns))
	copy(turns, s.Buffer.Turns)
	return domain.ShortTermBuffer{Turns: turns}, s.Usage
}

// ReplaceBuffer atomically swaps the short-term buffer and total token
// count; used by the distillation pipeline's compress step.
func (s *SessionContext) ReplaceBuffer(buf domain.ShortTermBuffer, newTotalTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Buffer = buf
	s.Usage.TotalTokens = newTotalTokens
}

// SetSummary stores the distilled summary produced by step 3.
func (s *SessionContext) SetSummary(sum *domain.StructuredSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = sum
}
