package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

func testRuleConfig() RuleConfig {
	cfg := RuleConfig{
		Rules: Rules{
			UserLevelRules: []UserLevelRule{
				{ID: "admin-only-secrets", RequiredLevel: "admin", Paths: []string{"/secrets/"}, Action: "terminate", Message: "admin required"},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestApplyRulesTerminatesInsufficientUserLevel(t *testing.T) {
	q := NewSaveQueue(testRuleConfig(), nil, nil, RateLimit{}, RateLimit{}, nil)
	action, ruleID, _ := q.applyRules(domain.SaveRequest{TargetPath: "/secrets/key", UserLevel: "standard"})
	assert.Equal(t, domain.ActionTerminate, action)
	assert.Equal(t, "admin-only-secrets", ruleID)
}

func TestApplyRulesAllowsSufficientUserLevel(t *testing.T) {
	q := NewSaveQueue(testRuleConfig(), nil, nil, RateLimit{}, RateLimit{}, nil)
	action, _, _ := q.applyRules(domain.SaveRequest{TargetPath: "/secrets/key", UserLevel: "admin"})
	assert.Equal(t, domain.ActionAllow, action)
}

func TestApplyRulesUserLevelRuleIgnoresUnmatchedPath(t *testing.T) {
	q := NewSaveQueue(testRuleConfig(), nil, nil, RateLimit{}, RateLimit{}, nil)
	action, _, _ := q.applyRules(domain.SaveRequest{TargetPath: "/public/notes.txt", UserLevel: "guest"})
	assert.Equal(t, domain.ActionAllow, action)
}

func TestApplyRulesMissingUserLevelFailsClosed(t *testing.T) {
	q := NewSaveQueue(testRuleConfig(), nil, nil, RateLimit{}, RateLimit{}, nil)
	action, ruleID, _ := q.applyRules(domain.SaveRequest{TargetPath: "/secrets/key"})
	assert.Equal(t, domain.ActionTerminate, action)
	assert.Equal(t, "admin-only-secrets", ruleID)
}

type stubSaveExecutor struct{}

func (stubSaveExecutor) Execute(ctx context.Context, op domain.SaveOperation, path, content string) (int, error) {
	return len(content), nil
}

func TestSaveQueueRejectsOnceSessionRateLimitExceeded(t *testing.T) {
	bus := eventbus.New(nil)
	var results []eventbus.SaveRequestResult
	eventbus.Subscribe(bus, func(e eventbus.SaveRequestResult) { results = append(results, e) })

	q := NewSaveQueue(testRuleConfig(), stubSaveExecutor{}, bus, RateLimit{}, RateLimit{Max: 1, Window: time.Minute}, nil)
	q.Enqueue(domain.SaveRequest{RequestID: "r1", SessionID: "s1", TargetPath: "/tmp/a.txt"})
	q.Enqueue(domain.SaveRequest{RequestID: "r2", SessionID: "s1", TargetPath: "/tmp/b.txt"})

	require.True(t, q.ProcessOne(context.Background()))
	require.True(t, q.ProcessOne(context.Background()))
	require.False(t, q.ProcessOne(context.Background()))

	require.Len(t, results, 2)
	assert.Equal(t, eventbus.SaveApproved, results[0].Status)
	assert.Equal(t, eventbus.SaveRejected, results[1].Status)
	assert.Equal(t, "rate_limited", results[1].RuleID)
}

func TestSaveQueueRejectsBlacklistedPathUnderDefaultRules(t *testing.T) {
	bus := eventbus.New(nil)
	var results []eventbus.SaveRequestResult
	eventbus.Subscribe(bus, func(e eventbus.SaveRequestResult) { results = append(results, e) })

	// Zero-value config: NewSaveQueue applies the defaults, including the
	// built-in path blacklist. The stub executor would happily "write"
	// anything handed to it, so a rejection proves the queue itself
	// refused the path.
	q := NewSaveQueue(RuleConfig{}, stubSaveExecutor{}, bus, RateLimit{}, RateLimit{}, nil)
	q.Enqueue(domain.SaveRequest{
		RequestID: "r-blacklist", SessionID: "s1", TargetPath: "/etc/passwd",
		Content: "x", Priority: domain.PriorityHigh, ArrivalTime: time.Now(),
	})
	require.True(t, q.ProcessOne(context.Background()))

	require.Len(t, results, 1)
	assert.Equal(t, eventbus.SaveRejected, results[0].Status)
	assert.Equal(t, "path_blacklisted", results[0].Reason)
	assert.Contains(t, results[0].RuleID, "blacklist")
	assert.Zero(t, results[0].BytesWritten)
}

func TestSetDefaultsDoesNotOverrideUserRuleWithSameID(t *testing.T) {
	cfg := RuleConfig{Rules: Rules{PathRules: []PathRule{
		{ID: "builtin-blacklist-etc", Pattern: "/etc/", Action: "warn", Message: "audited write"},
	}}}
	cfg.SetDefaults()

	count := 0
	for _, r := range cfg.Rules.PathRules {
		if r.ID == "builtin-blacklist-etc" {
			count++
			assert.Equal(t, "warn", r.Action)
		}
	}
	assert.Equal(t, 1, count)
}
