package convagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// fakeLLM is a scriptable stand-in for the external LLM collaborator.
type fakeLLM struct {
	classifyIntent Intent
	classifyConf   float64
	thought        string
	decideKind     decision.Kind
	decideRaw      json.RawMessage
	decideConf     float64
	decideErr      error
	decompose      []string
}

func (f *fakeLLM) Thought(ctx context.Context, prompt string) (string, error) {
	return f.thought, nil
}
func (f *fakeLLM) Decide(ctx context.Context, prompt string) (decision.Kind, json.RawMessage, float64, error) {
	return f.decideKind, f.decideRaw, f.decideConf, f.decideErr
}
func (f *fakeLLM) Classify(ctx context.Context, userInput string) (Intent, float64, error) {
	return f.classifyIntent, f.classifyConf, nil
}
func (f *fakeLLM) Decompose(ctx context.Context, description string) ([]string, error) {
	return f.decompose, nil
}

// acceptAll wires a bus where every DecisionMade is immediately validated,
// standing in for the Coordinator in isolation tests.
func acceptAllBus() *eventbus.Bus {
	bus := eventbus.New(nil)
	eventbus.Subscribe(bus, func(e eventbus.DecisionMade) {
		bus.Publish(eventbus.DecisionValidated{Decision: e.Decision})
	})
	return bus
}

// rejectAllBus stands in for a Coordinator that rejects every decision
// except request_clarification, whose payload is always valid.
func rejectAllBus() *eventbus.Bus {
	bus := eventbus.New(nil)
	eventbus.Subscribe(bus, func(e eventbus.DecisionMade) {
		if e.Decision.DecisionType == string(decision.KindRequestClarification) {
			bus.Publish(eventbus.DecisionValidated{Decision: e.Decision})
			return
		}
		bus.Publish(eventbus.DecisionRejected{CorrelationID: e.Decision.CorrelationID, SessionID: e.Decision.SessionID, Errors: []string{"nope"}})
	})
	return bus
}

func TestGoalStackLIFO(t *testing.T) {
	gs := newGoalStack()
	g1 := gs.PushGoal("first", "")
	g2 := gs.PushGoal("second", g1.GoalID)
	top, ok := gs.Top()
	require.True(t, ok)
	assert.Equal(t, g2.GoalID, top.GoalID)

	popped, ok := gs.PopGoal()
	require.True(t, ok)
	assert.Equal(t, g2.GoalID, popped.GoalID)
	assert.Equal(t, 1, gs.Len())
}

func TestHandleUserInputGreeting(t *testing.T) {
	bus := acceptAllBus()
	llm := &fakeLLM{classifyIntent: IntentGreeting, classifyConf: 0.9, thought: "Hello!"}
	agent := New("sess-1", bus, llm, nil)

	err := agent.HandleUserInput(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, agent.State)
}

func TestRunReActPublishesValidatedWorkflowPlan(t *testing.T) {
	bus := acceptAllBus()
	raw, _ := json.Marshal(decision.CreateWorkflowPlanPayload{
		Name: "wf-1",
		Nodes: []decision.NodeSpec{
			{NodeID: "fetch", Type: "HTTP", Config: map[string]any{"url": "https://example.com", "method": "GET"}},
			{NodeID: "compute", Type: "PYTHON", Config: map[string]any{"code": "x=1"},
				InputMapping: map[string]string{"data": "${fetch.output.body}"}},
		},
	})
	llm := &fakeLLM{
		classifyIntent: IntentComplexTask, classifyConf: 0.7,
		thought: "planning", decideKind: decision.KindCreateWorkflowPlan, decideRaw: raw, decideConf: 0.8,
	}
	agent := New("sess-2", bus, llm, nil)

	err := agent.HandleUserInput(context.Background(), "fetch and compute")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", agent.activeWorkflow)
}

func TestRunReActRejectionLeadsToClarificationAfterThreeAttempts(t *testing.T) {
	bus := rejectAllBus()
	raw, _ := json.Marshal(decision.RespondPayload{Response: "x", Intent: "complex_task", Confidence: 0.5})
	llm := &fakeLLM{
		classifyIntent: IntentComplexTask, classifyConf: 0.7,
		thought: "thinking", decideKind: decision.KindRespond, decideRaw: raw, decideConf: 0.5,
	}
	agent := New("sess-3", bus, llm, nil)

	err := agent.HandleUserInput(context.Background(), "do something vague")
	require.NoError(t, err)
}

func TestApplyDependencyAnalysisAddsEdgeFromInputMapping(t *testing.T) {
	agent := New("sess-4", acceptAllBus(), &fakeLLM{}, nil)
	plan := &decision.CreateWorkflowPlanPayload{
		Name: "wf",
		Nodes: []decision.NodeSpec{
			{NodeID: "a", Type: "HTTP"},
			{NodeID: "b", Type: "PYTHON", InputMapping: map[string]string{"x": "${a.output.field}"}},
		},
	}
	agent.applyDependencyAnalysis(plan)
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, "a", plan.Edges[0].Source)
	assert.Equal(t, "b", plan.Edges[0].Target)
	require.NotNil(t, plan.GlobalConfig)
	assert.Equal(t, DefaultMaxParallel, plan.GlobalConfig.MaxParallel)
}

func TestLayersGroupsByPredecessorDepth(t *testing.T) {
	nodes := []decision.NodeSpec{{NodeID: "a"}, {NodeID: "b"}, {NodeID: "c"}}
	edges := []decision.EdgeSpec{{Source: "a", Target: "c"}, {Source: "b", Target: "c"}}
	layers := Layers(nodes, edges)
	require.Len(t, layers, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, layers[0])
	assert.Equal(t, []string{"c"}, layers[1])
}
