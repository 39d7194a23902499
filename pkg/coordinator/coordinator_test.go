package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

func TestOnSaveRequestTerminatesOnDangerousCommandContent(t *testing.T) {
	bus := eventbus.New(nil)
	var terminations []eventbus.TaskTerminationRequest
	eventbus.Subscribe(bus, func(e eventbus.TaskTerminationRequest) {
		terminations = append(terminations, e)
	})

	c := New(Config{Bus: bus})
	c.onSaveRequest(eventbus.SaveRequestEvent{Request: domain.SaveRequest{
		RequestID: "r1", SessionID: "s1", TargetPath: "/tmp/out.sh", Content: "rm -rf /var/lib",
	}})

	require.Len(t, terminations, 1)
	assert.Equal(t, "s1", terminations[0].SessionID)
}

func TestOnSaveRequestAllowsBenignContent(t *testing.T) {
	bus := eventbus.New(nil)
	var terminations []eventbus.TaskTerminationRequest
	eventbus.Subscribe(bus, func(e eventbus.TaskTerminationRequest) {
		terminations = append(terminations, e)
	})

	c := New(Config{Bus: bus})
	c.onSaveRequest(eventbus.SaveRequestEvent{Request: domain.SaveRequest{
		RequestID: "r2", SessionID: "s1", TargetPath: "/tmp/notes.txt", Content: "just some notes",
	}})

	assert.Empty(t, terminations)
}

// decisionOutcomes subscribes to both verdict events so tests can assert
// that exactly one of DecisionValidated/DecisionRejected follows each
// DecisionMade, matched by correlation id.
type decisionOutcomes struct {
	validated []eventbus.DecisionValidated
	rejected  []eventbus.DecisionRejected
}

func captureOutcomes(bus *eventbus.Bus) *decisionOutcomes {
	out := &decisionOutcomes{}
	eventbus.Subscribe(bus, func(e eventbus.DecisionValidated) { out.validated = append(out.validated, e) })
	eventbus.Subscribe(bus, func(e eventbus.DecisionRejected) { out.rejected = append(out.rejected, e) })
	return out
}

func makeDecision(kind string, payload any) eventbus.DecisionMade {
	return eventbus.DecisionMade{Decision: eventbus.DecisionEnvelope{
		DecisionID: "d1", CorrelationID: "corr-1", SessionID: "s1",
		DecisionType: kind, Payload: payload, Confidence: 0.8, SourceAgent: "convagent",
	}}
}

func TestOnDecisionMadeValidPlanEmitsExactlyOneValidated(t *testing.T) {
	bus := eventbus.New(nil)
	New(Config{Bus: bus})
	out := captureOutcomes(bus)

	bus.Publish(makeDecision("create_workflow_plan", map[string]any{
		"name": "wf",
		"nodes": []map[string]any{
			{"node_id": "fetch", "type": "HTTP", "config": map[string]any{"url": "https://example.com", "method": "GET"}},
			{"node_id": "send", "type": "LLM", "config": map[string]any{"prompt": "summarize"}},
		},
		"edges": []map[string]any{{"source": "fetch", "target": "send"}},
	}))

	require.Len(t, out.validated, 1)
	assert.Empty(t, out.rejected)
	assert.Equal(t, "corr-1", out.validated[0].Decision.CorrelationID)
}

func TestOnDecisionMadeCyclicPlanRejectedListingCycleNodes(t *testing.T) {
	bus := eventbus.New(nil)
	New(Config{Bus: bus})
	out := captureOutcomes(bus)

	bus.Publish(makeDecision("create_workflow_plan", map[string]any{
		"name": "wf",
		"nodes": []map[string]any{
			{"node_id": "A", "type": "LLM", "config": map[string]any{"prompt": "a"}},
			{"node_id": "B", "type": "LLM", "config": map[string]any{"prompt": "b"}},
			{"node_id": "C", "type": "LLM", "config": map[string]any{"prompt": "c"}},
		},
		"edges": []map[string]any{
			{"source": "A", "target": "B"},
			{"source": "B", "target": "C"},
			{"source": "C", "target": "A"},
		},
	}))

	assert.Empty(t, out.validated)
	require.Len(t, out.rejected, 1)
	assert.Equal(t, "corr-1", out.rejected[0].CorrelationID)
	joined := strings.Join(out.rejected[0].Errors, "\n")
	assert.Contains(t, joined, "cycle")
	for _, id := range []string{"A", "B", "C"} {
		assert.Contains(t, joined, id)
	}
}

func TestOnDecisionMadeMissingConfigFieldRejected(t *testing.T) {
	bus := eventbus.New(nil)
	New(Config{Bus: bus})
	out := captureOutcomes(bus)

	bus.Publish(makeDecision("create_node", map[string]any{
		"node_type": "HTTP", "node_name": "fetch", "config": map[string]any{"url": "https://example.com"},
	}))

	assert.Empty(t, out.validated)
	require.Len(t, out.rejected, 1)
	assert.Contains(t, strings.Join(out.rejected[0].Errors, "\n"), "method")
}

func TestOnDecisionMadeUnregisteredSubagentRejected(t *testing.T) {
	bus := eventbus.New(nil)
	c := New(Config{Bus: bus})
	out := captureOutcomes(bus)

	spawn := map[string]any{"subagent_type": "researcher", "task_payload": map[string]any{"topic": "q3 sales"}}

	bus.Publish(makeDecision("spawn_subagent", spawn))
	require.Len(t, out.rejected, 1)
	assert.Contains(t, strings.Join(out.rejected[0].Errors, "\n"), "researcher")

	require.NoError(t, c.SubAgents().Register(SubAgentSpec{Type: "researcher"}))
	bus.Publish(makeDecision("spawn_subagent", spawn))
	require.Len(t, out.validated, 1)
}

func TestOnNodeFailureReportedTransientCodeResolvesToRetry(t *testing.T) {
	bus := eventbus.New(nil)
	New(Config{Bus: bus})
	var resolutions []eventbus.NodeFailureResolution
	eventbus.Subscribe(bus, func(e eventbus.NodeFailureResolution) { resolutions = append(resolutions, e) })

	bus.Publish(eventbus.NodeFailureReported{
		SessionID: "s1", WorkflowID: "wf", NodeID: "fetch",
		Result: domain.NodeResult{Success: false, Error: "timed out", ErrorCode: "TIMEOUT", Retryable: true},
	})

	require.Len(t, resolutions, 1)
	assert.Equal(t, eventbus.StrategyRetry, resolutions[0].Strategy)
	assert.Equal(t, DefaultMaxRetries, resolutions[0].MaxAttempts)
}

func TestOnNodeFailureReportedPermanentCodeAbortsWithNotice(t *testing.T) {
	bus := eventbus.New(nil)
	New(Config{Bus: bus})
	var resolutions []eventbus.NodeFailureResolution
	var completed []eventbus.WorkflowExecutionCompleted
	var notices []eventbus.SystemNotice
	eventbus.Subscribe(bus, func(e eventbus.NodeFailureResolution) { resolutions = append(resolutions, e) })
	eventbus.Subscribe(bus, func(e eventbus.WorkflowExecutionCompleted) { completed = append(completed, e) })
	eventbus.Subscribe(bus, func(e eventbus.SystemNotice) { notices = append(notices, e) })

	bus.Publish(eventbus.NodeFailureReported{
		SessionID: "s1", WorkflowID: "wf", NodeID: "fetch",
		Result: domain.NodeResult{Success: false, Error: "forbidden", ErrorCode: "AUTH"},
	})

	require.Len(t, resolutions, 1)
	assert.Equal(t, eventbus.StrategyAbort, resolutions[0].Strategy)
	// The terminal WorkflowExecutionCompleted belongs to the Workflow
	// Agent, which publishes it once when it halts on this resolution.
	assert.Empty(t, completed)
	require.Len(t, notices, 1)
	assert.ElementsMatch(t, []string{"retry", "skip", "terminate"}, notices[0].Options)
}

func TestOnSaveRequestTerminateVerdictRejectsWithoutEnqueue(t *testing.T) {
	bus := eventbus.New(nil)
	var results []eventbus.SaveRequestResult
	var received []eventbus.SaveRequestReceived
	eventbus.Subscribe(bus, func(e eventbus.SaveRequestResult) { results = append(results, e) })
	eventbus.Subscribe(bus, func(e eventbus.SaveRequestReceived) { received = append(received, e) })

	c := New(Config{Bus: bus})
	c.onSaveRequest(eventbus.SaveRequestEvent{Request: domain.SaveRequest{
		RequestID: "r3", SessionID: "s1", TargetPath: "/etc/crontab", Content: "x",
	}})

	assert.Empty(t, received, "a condemned save must never be enqueued")
	require.Len(t, results, 1)
	assert.Equal(t, eventbus.SaveRejected, results[0].Status)
	assert.Equal(t, "path_blacklisted", results[0].Reason)
	assert.Contains(t, results[0].RuleID, "blacklist")
	assert.False(t, c.SaveQueue().ProcessOne(context.Background()), "queue must stay empty")
}
