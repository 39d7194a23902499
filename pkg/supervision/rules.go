// Package supervision implements rule-based context/request/
// decision-chain analysis as a priority-ordered set of rules, each
// evaluated against a Context snapshot, producing at most one winning
// SupervisionInfo per evaluation.
package supervision

import (
	"strings"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// Context is the read-only snapshot a Rule's Condition inspects. Fields
// are populated best-effort by the caller (the Coordinator); a Rule
// should treat a zero-value field as "not applicable" rather than panic.
type Context struct {
	UsageRatio      float64
	HistoryLength   int
	SavePath        string
	SaveCommand     string
	SaveContent     string
	RecentDecisions []string // most recent last
}

// Rule is one condition/action pair the supervisor evaluates.
type Rule struct {
	RuleID             string
	Name               string
	Description        string
	Action             domain.RuleAction
	Priority           int // lower value = evaluated earlier; does not affect winner selection
	Enabled            bool
	Condition          func(Context) bool
	ReplacementContent string
}

// SupervisionInfo is produced by one matching rule.
type SupervisionInfo struct {
	RuleID      string
	Name        string
	Action      domain.RuleAction
	Description string
	Replacement string
}

// Evaluate runs every enabled rule (in Priority order) against ctx and
// returns every match. The caller (ShouldIntervene/WinningAction) decides
// which one governs.
func Evaluate(rules []Rule, ctx Context) []SupervisionInfo {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	insertionSortByPriority(sorted)

	var infos []SupervisionInfo
	for _, r := range sorted {
		if !r.Enabled || r.Condition == nil {
			continue
		}
		if r.Condition(ctx) {
			infos = append(infos, SupervisionInfo{
				RuleID: r.RuleID, Name: r.Name, Action: r.Action,
				Description: r.Description, Replacement: r.ReplacementContent,
			})
		}
	}
	return infos
}

func insertionSortByPriority(rules []Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

// ShouldIntervene is true iff Evaluate produced at least one match.
func ShouldIntervene(infos []SupervisionInfo) bool { return len(infos) > 0 }

// WinningAction returns the info whose Action has the highest
// domain.ActionPriority (terminate > replace > warn > allow); ties keep
// the first one encountered.
func WinningAction(infos []SupervisionInfo) (SupervisionInfo, bool) {
	if len(infos) == 0 {
		return SupervisionInfo{}, false
	}
	best := infos[0]
	for _, info := range infos[1:] {
		if domain.ActionPriority(info.Action) > domain.ActionPriority(best.Action) {
			best = info
		}
	}
	return best, true
}

var dangerousPathPrefixes = []string{"/etc/", "/root/.ssh/", "/sys/", "/proc/", "/var/run/"}
var dangerousCommands = []string{"rm -rf", "dd if=", ":(){ :|:& };:", "mkfs"}
var sensitivePatterns = []string{"api_key", "secret", "password", "private_key"}

// DefaultRules builds the built-in rule set: usage warnings,
// dangerous-path termination, sensitive-content warning with
// replacement, dangerous-command termination, loop detection, oversized
// history warning.
func DefaultRules() []Rule {
	return []Rule{
		{
			RuleID: "usage-critical", Name: "critical context usage", Enabled: true,
			Action: domain.ActionWarn, Priority: 10,
			Description: "usage_ratio has crossed the critical threshold",
			Condition:   func(c Context) bool { return c.UsageRatio >= 0.95 },
		},
		{
			RuleID: "usage-high", Name: "high context usage", Enabled: true,
			Action: domain.ActionWarn, Priority: 20,
			Description: "usage_ratio has crossed the high-usage threshold",
			Condition:   func(c Context) bool { return c.UsageRatio >= 0.80 },
		},
		{
			RuleID: "dangerous-path", Name: "dangerous save path", Enabled: true,
			Action: domain.ActionTerminate, Priority: 5,
			Description: "save path targets a sensitive system location",
			Condition: func(c Context) bool {
				for _, p := range dangerousPathPrefixes {
					if strings.HasPrefix(c.SavePath, p) {
						return true
					}
				}
				return false
			},
		},
		{
			RuleID: "sensitive-content", Name: "sensitive content detected", Enabled: true,
			Action: domain.ActionReplace, Priority: 15, ReplacementContent: "[REDACTED]",
			Description: "save content appears to contain a secret",
			Condition: func(c Context) bool {
				lower := strings.ToLower(c.SaveContent)
				for _, p := range sensitivePatterns {
					if strings.Contains(lower, p) {
						return true
					}
				}
				return false
			},
		},
		{
			RuleID: "dangerous-command", Name: "dangerous command", Enabled: true,
			Action: domain.ActionTerminate, Priority: 5,
			Description: "save command matches a known destructive pattern",
			Condition: func(c Context) bool {
				for _, cmd := range dangerousCommands {
					if strings.Contains(c.SaveCommand, cmd) {
						return true
					}
				}
				return false
			},
		},
		{
			RuleID: "loop-detected", Name: "repeated decision loop", Enabled: true,
			Action: domain.ActionWarn, Priority: 30,
			Description: "the last three decisions were identical; a loop is suspected",
			Condition: func(c Context) bool {
				n := len(c.RecentDecisions)
				if n < 3 {
					return false
				}
				last := c.RecentDecisions[n-1]
				return c.RecentDecisions[n-2] == last && c.RecentDecisions[n-3] == last
			},
		},
		{
			RuleID: "oversized-history", Name: "oversized history", Enabled: true,
			Action: domain.ActionWarn, Priority: 25,
			Description: "session history has grown unusually large",
			Condition: func(c Context) bool { return c.HistoryLength > 200 },
		},
	}
}
