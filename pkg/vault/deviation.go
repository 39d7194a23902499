package vault

import (
	"strings"
	"time"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// DeviationSeverity ranks how concerning a deviation is.
type DeviationSeverity string

const (
	SeverityHigh   DeviationSeverity = "high"
	SeverityMedium DeviationSeverity = "medium"
	SeverityLow    DeviationSeverity = "low"
)

// DeviationAlertKind distinguishes the two alert shapes.
type DeviationAlertKind string

const (
	AlertReplanRequired DeviationAlertKind = "REPLAN_REQUIRED"
	AlertWarning        DeviationAlertKind = "WARNING"
)

// DeviationAlert is produced by comparing notes injected at the pre-loop
// point against the agent's subsequent actions.
type DeviationAlert struct {
	Kind     DeviationAlertKind
	Severity DeviationSeverity
	NoteID   string
	Reason   string
}

// DetectDeviations compares injected against the text of subsequent agent
// actions and returns one alert per injected note that was not adequately
// referenced, following these severity rules:
//   - an injected blocker never referenced      -> REPLAN_REQUIRED, high
//   - an injected next_action never referenced  -> WARNING, medium
//   - an injected conclusion never referenced    -> WARNING, low
//   - progress/reference notes are not alerted on
func DetectDeviations(injected []domain.KnowledgeNote, subsequentActions []string) []DeviationAlert {
	joined := strings.ToLower(strings.Join(subsequentActions, "\n"))

	var alerts []DeviationAlert
	for _, n := range injected {
		referenced := noteReferenced(n, joined)
		if referenced {
			continue
		}
		switch n.Type {
		case domain.NoteBlocker:
			alerts = append(alerts, DeviationAlert{
				Kind: AlertReplanRequired, Severity: SeverityHigh, NoteID: n.NoteID,
				Reason: "injected blocker was not referenced in subsequent actions",
			})
		case domain.NoteNextAction:
			alerts = append(alerts, DeviationAlert{
				Kind: AlertWarning, Severity: SeverityMedium, NoteID: n.NoteID,
				Reason: "injected next_action was not referenced in subsequent actions",
			})
		case domain.NoteConclusion:
			alerts = append(alerts, DeviationAlert{
				Kind: AlertWarning, Severity: SeverityLow, NoteID: n.NoteID,
				Reason: "injected conclusion was not referenced in subsequent actions",
			})
		}
	}
	return alerts
}

func noteReferenced(n domain.KnowledgeNote, joinedActionsLower string) bool {
	content := strings.ToLower(n.Content)
	if content == "" {
		return false
	}
	// A loose reference check: any sufficiently long word from the note's
	// content appears verbatim in the subsequent actions.
	for _, word := range strings.Fields(content) {
		if len(word) >= 5 && strings.Contains(joinedActionsLower, word) {
			return true
		}
	}
	return false
}

// resolutionKeywords are matched by the coordinator inspector sweep to
// convert a blocker note to a conclusion note.
var resolutionKeywords = []string{"solved", "resolved", "fixed", "completed", "已解决", "已修复"}

// IsResolved reports whether content contains a resolution keyword.
func IsResolved(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range resolutionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DefaultNextActionTTL is how old a next_action note may get before the
// inspector sweep archives it (default 30 days, configurable).
const DefaultNextActionTTL = 30 * 24 * time.Hour

// Sweep runs the Coordinator's periodic inspector pass: blockers whose
// content matches a resolution keyword become conclusions; next_actions
// older than ttl are archived. All transitions go through the lifecycle
// manager and audit log.
func Sweep(v *Vault, ttl time.Duration, now time.Time, actor string) {
	if ttl <= 0 {
		ttl = DefaultNextActionTTL
	}
	for _, n := range v.List() {
		switch {
		case n.Type == domain.NoteBlocker && n.Status == domain.NoteApproved && IsResolved(n.Content):
			v.mu.Lock()
			n.Type = domain.NoteConclusion
			n.UpdatedAt = now
			v.notes[n.NoteID] = n
			v.appendAudit(n.NoteID, "inspector_reclassify_conclusion", actor, nil)
			v.mu.Unlock()
		case n.Type == domain.NoteNextAction && n.Status == domain.NoteApproved && now.Sub(n.CreatedAt) > ttl:
			v.mu.Lock()
			n.Status = domain.NoteArchived
			n.UpdatedAt = now
			v.notes[n.NoteID] = n
			v.appendAudit(n.NoteID, "inspector_archive_stale", actor, nil)
			v.mu.Unlock()
		}
	}
}
