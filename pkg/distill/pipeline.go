// Package distill implements the memory distillation pipeline triggered
// by ShortTermSaturated: freeze, backup, summarize, compress, reset
// saturation, unfreeze, with exact rollback on any failure in steps 3-5.
package distill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nexoraai/orchestrator/pkg/ctxmgr"
	"github.com/nexoraai/orchestrator/pkg/domain"
)

// DefaultRetainTurns is the number of most-recent turns kept verbatim
// ("delta") after compression (default N=2).
const DefaultRetainTurns = 2

// Summarizer is the external collaborator that turns a set of turns into
// a StructuredSummary. It need only return the eight fields plus the two
// token counts; it is never implemented here.
type Summarizer interface {
	Summarize(ctx context.Context, turns []domain.Turn, targetTokenBudget int) (domain.StructuredSummary, error)
}

// Pipeline runs the six-step distillation sequence against a
// ctxmgr.SessionContext.
type Pipeline struct {
	Summarizer  Summarizer
	RetainTurns int
	logger      *slog.Logger
}

// New constructs a Pipeline. RetainTurns defaults to DefaultRetainTurns
// when 0.
func New(summarizer Summarizer, retainTurns int, logger *slog.Logger) *Pipeline {
	if retainTurns <= 0 {
		retainTurns = DefaultRetainTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Summarizer: summarizer, RetainTurns: retainTurns, logger: logger}
}

// Run executes freeze -> backup -> summarize -> compress -> reset ->
// unfreeze against sess. Any error from summarize or compress restores
// the pre-distillation backup exactly and unfreezes before returning;
// no partial compression is ever left visible.
func (p *Pipeline) Run(ctx context.Context, sess *ctxmgr.SessionContext) error {
	// 1. Freeze.
	sess.Freeze()

	// 2. Backup.
	sess.Backup()

	buf, usage := sess.Snapshot()
	usageBefore := usage.UsageRatio()

	// 3. Summarize.
	targetBudget := usage.ContextLimit / 4
	summary, err := p.summarize(ctx, buf.Turns, targetBudget)
	if err != nil {
		return p.rollback(sess, fmt.Errorf("distill: summarize failed: %w", err))
	}

	// 4. Compress: retain the most recent N turns verbatim, replace the
	// rest with one system-role turn carrying the rendered summary.
	compressed, err := p.compress(buf, summary)
	if err != nil {
		return p.rollback(sess, fmt.Errorf("distill: compress failed: %w", err))
	}

	newTotal := 0
	for _, t := range compressed.Turns {
		newTotal += t.TokenUsage
	}
	sess.ReplaceBuffer(compressed, newTotal)
	sess.SetSummary(&summary)

	// 5. Reset saturation.
	sess.ResetSaturation()

	// 6. Unfreeze.
	sess.Unfreeze()

	_, usageAfter := sess.Snapshot()
	if usageAfter.UsageRatio() >= usageBefore {
		p.logger.Warn("distill: usage ratio did not decrease after successful distillation",
			"before", usageBefore, "after", usageAfter.UsageRatio())
	}
	return nil
}

func (p *Pipeline) rollback(sess *ctxmgr.SessionContext, cause error) error {
	sess.Restore()
	sess.Unfreeze()
	p.logger.Error("distill: rolled back", "error", cause)
	return cause
}

func (p *Pipeline) summarize(ctx context.Context, turns []domain.Turn, targetBudget int) (domain.StructuredSummary, error) {
	if p.Summarizer == nil {
		return domain.StructuredSummary{}, fmt.Errorf("no summarizer configured")
	}
	return p.Summarizer.Summarize(ctx, turns, targetBudget)
}

// renderSummary turns a StructuredSummary into the text placed in the
// single system-role turn the compress step emits.
func renderSummary(s domain.StructuredSummary) string {
	return fmt.Sprintf(
		"Previous conversation summary:\ngoal: %s\ndecisions: %v\nfacts: %v\npending: %v\nprefs: %v\nclues: %v\nunresolved: %v\nnext: %v",
		s.CoreGoal, s.KeyDecisions, s.ImportantFacts, s.PendingTasks,
		s.UserPreferences, s.ContextClues, s.UnresolvedIssues, s.NextSteps,
	)
}

// compress retains the most recent RetainTurns turns verbatim and
// prepends one synthetic system-role turn carrying the summary text.
// If the original buffer had fewer turns than RetainTurns, all of them
// are retained. summary is rendered as-is; its fields are not modified.
func (p *Pipeline) compress(buf domain.ShortTermBuffer, summary domain.StructuredSummary) (domain.ShortTermBuffer, error) {
	n := p.RetainTurns
	if n > len(buf.Turns) {
		n = len(buf.Turns)
	}
	recent := buf.Turns[len(buf.Turns)-n:]

	summaryTurn := domain.Turn{
		TurnID:     "summary-" + uuid.NewString(),
		Role:       domain.RoleSystem,
		Content:    renderSummary(summary),
		TokenUsage: summary.SummaryTokenCount,
	}

	out := make([]domain.Turn, 0, n+1)
	out = append(out, summaryTurn)
	out = append(out, recent...)
	return domain.ShortTermBuffer{Turns: out}, nil
}
