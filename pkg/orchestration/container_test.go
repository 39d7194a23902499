package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoraai/orchestrator/pkg/convagent"
	"github.com/nexoraai/orchestrator/pkg/ctxmgr"
	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

func TestInspectVaultReclassifiesResolvedBlocker(t *testing.T) {
	cnt := New(Config{})
	_, err := cnt.Vault.Create(domain.KnowledgeNote{NoteID: "b1", Type: domain.NoteBlocker, Content: "issue resolved now"}, "alice")
	require.NoError(t, err)
	_, err = cnt.Vault.Submit("b1", "alice")
	require.NoError(t, err)
	_, err = cnt.Vault.Approve("b1", "bob")
	require.NoError(t, err)

	cnt.InspectVault(time.Hour)

	n, ok := cnt.Vault.Get("b1")
	require.True(t, ok)
	assert.Equal(t, domain.NoteConclusion, n.Type)
}

// scriptedLLM drives one plan-then-execute conversation for the
// end-to-end test below.
type scriptedLLM struct {
	planRaw json.RawMessage
}

func (s *scriptedLLM) Thought(ctx context.Context, prompt string) (string, error) {
	return "planning", nil
}

func (s *scriptedLLM) Decide(ctx context.Context, prompt string) (decision.Kind, json.RawMessage, float64, error) {
	return decision.KindCreateWorkflowPlan, s.planRaw, 0.9, nil
}

func (s *scriptedLLM) Classify(ctx context.Context, userInput string) (convagent.Intent, float64, error) {
	if strings.HasPrefix(userInput, "run") {
		return convagent.IntentWorkflowRequest, 0.9, nil
	}
	return convagent.IntentComplexTask, 0.9, nil
}

func (s *scriptedLLM) Decompose(ctx context.Context, description string) ([]string, error) {
	return nil, nil
}

// orderedExecutor records node execution order and always succeeds.
type orderedExecutor struct {
	mu    sync.Mutex
	order []string
}

func (e *orderedExecutor) Execute(ctx context.Context, node domain.Node, inputs map[string]any) (domain.NodeResult, error) {
	e.mu.Lock()
	e.order = append(e.order, node.NodeID)
	e.mu.Unlock()
	return domain.NodeResult{Success: true, Output: map[string]any{"ok": true}}, nil
}

func TestPlanThenExecuteRunsNodesInTopologicalOrder(t *testing.T) {
	exec := &orderedExecutor{}
	cnt := New(Config{NodeExecutor: exec})

	planRaw, err := json.Marshal(decision.CreateWorkflowPlanPayload{
		Name: "q3-report",
		Nodes: []decision.NodeSpec{
			{NodeID: "fetch", Type: "HTTP", Config: map[string]any{"url": "https://example.com/sales", "method": "GET"}},
			{NodeID: "compute", Type: "PYTHON", Config: map[string]any{"code": "chart()"},
				InputMapping: map[string]string{"data": "${fetch.output.body}"}},
			{NodeID: "send", Type: "LLM", Config: map[string]any{"prompt": "email the chart"},
				InputMapping: map[string]string{"chart": "${compute.output.chart}"}},
		},
	})
	require.NoError(t, err)

	done := make(chan eventbus.WorkflowExecutionCompleted, 1)
	eventbus.Subscribe(cnt.Bus, func(e eventbus.WorkflowExecutionCompleted) {
		select {
		case done <- e:
		default:
		}
	})

	sess := cnt.StartSession("sess-e2e", ctxmgr.GlobalContext{UserID: "u1"}, "openai", "gpt-4", &scriptedLLM{planRaw: planRaw})

	require.NoError(t, sess.Conv.HandleUserInput(context.Background(), "analyze q3 sales and email a chart"))
	require.NoError(t, sess.Conv.HandleUserInput(context.Background(), "run it"))

	select {
	case completed := <-done:
		assert.Equal(t, eventbus.WorkflowSucceeded, completed.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not complete")
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, []string{"fetch", "compute", "send"}, exec.order)
}

// fixedSummarizer returns a canned summary with a small token count so
// distillation always shrinks the buffer.
type fixedSummarizer struct{}

func (fixedSummarizer) Summarize(ctx context.Context, turns []domain.Turn, targetTokenBudget int) (domain.StructuredSummary, error) {
	return domain.StructuredSummary{
		CoreGoal:            "finish the report",
		CompressedFromTurns: len(turns),
		SummaryTokenCount:   5,
	}, nil
}

func TestRecordTurnSaturationDistillsOnce(t *testing.T) {
	cnt := New(Config{Summarizer: fixedSummarizer{}})
	cnt.ModelRegistry.Register(domain.ModelMetadata{Provider: "acme", Model: "small", ContextWindow: 100})

	var saturated []eventbus.ShortTermSaturated
	eventbus.Subscribe(cnt.Bus, func(e eventbus.ShortTermSaturated) { saturated = append(saturated, e) })

	sess := cnt.StartSession("sess-sat", ctxmgr.GlobalContext{}, "acme", "small", nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, cnt.RecordTurn(ctx, "sess-sat", domain.Turn{
			TurnID: fmt.Sprintf("t%d", i), Role: domain.RoleUser, Content: "work", TokenUsage: 10,
		}))
	}

	require.Len(t, saturated, 1, "saturation must fire exactly once per latch cycle")

	buf, usage := sess.Context.Snapshot()
	require.Len(t, buf.Turns, 3, "summary turn plus the two retained recent turns")
	assert.Equal(t, domain.RoleSystem, buf.Turns[0].Role)
	assert.Less(t, usage.UsageRatio(), 0.5)
	assert.False(t, sess.Context.IsSaturated)
}
