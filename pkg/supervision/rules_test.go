package supervision

import (
	"testing"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/stretchr/testify/assert"
)

func TestLoopDetectionRequiresThreeIdentical(t *testing.T) {
	rules := DefaultRules()
	infos := Evaluate(rules, Context{RecentDecisions: []string{"a", "respond", "respond", "respond"}})
	found := false
	for _, i := range infos {
		if i.RuleID == "loop-detected" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDangerousPathTerminates(t *testing.T) {
	rules := DefaultRules()
	infos := Evaluate(rules, Context{SavePath: "/etc/passwd"})
	winner, ok := WinningAction(infos)
	assert.True(t, ok)
	assert.Equal(t, domain.ActionTerminate, winner.Action)
}

func TestHighestPriorityActionWinsOverMultipleMatches(t *testing.T) {
	rules := DefaultRules()
	// triggers both usage-high (warn) and dangerous-path (terminate)
	infos := Evaluate(rules, Context{UsageRatio: 0.85, SavePath: "/etc/shadow"})
	winner, ok := WinningAction(infos)
	assert.True(t, ok)
	assert.Equal(t, domain.ActionTerminate, winner.Action)
}

func TestShouldInterveneFalseWhenNoMatches(t *testing.T) {
	rules := DefaultRules()
	infos := Evaluate(rules, Context{})
	assert.False(t, ShouldIntervene(infos))
}

func TestSensitiveContentReplacement(t *testing.T) {
	rules := DefaultRules()
	infos := Evaluate(rules, Context{SaveContent: "export API_KEY=abc123"})
	winner, ok := WinningAction(infos)
	assert.True(t, ok)
	assert.Equal(t, domain.ActionReplace, winner.Action)
	assert.Equal(t, "[REDACTED]", winner.Replacement)
}

func TestDangerousCommandTerminates(t *testing.T) {
	rules := DefaultRules()
	infos := Evaluate(rules, Context{SaveCommand: "rm -rf /"})
	winner, ok := WinningAction(infos)
	assert.True(t, ok)
	assert.Equal(t, domain.ActionTerminate, winner.Action)
	assert.Equal(t, "dangerous-command", winner.RuleID)
}
