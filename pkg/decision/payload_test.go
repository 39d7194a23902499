package decision

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRespond(t *testing.T) {
	raw := json.RawMessage(`{"response":"hi there","intent":"greeting","confidence":0.9}`)
	p, err := Decode(KindRespond, raw)
	require.NoError(t, err)
	rp, ok := p.(*RespondPayload)
	require.True(t, ok)
	assert.Equal(t, "hi there", rp.Response)
	assert.InDelta(t, 0.9, rp.Confidence, 1e-9)
}

func TestDecodeRespondRejectsOutOfRangeConfidence(t *testing.T) {
	raw := json.RawMessage(`{"response":"hi","intent":"greeting","confidence":1.5}`)
	_, err := Decode(KindRespond, raw)
	require.Error(t, err)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	huge := strings.Repeat("x", MaxPayloadBytes+1)
	raw := json.RawMessage(`{"response":"` + huge + `","intent":"greeting","confidence":0.5}`)
	_, err := Decode(KindRespond, raw)
	require.Error(t, err)
}

func TestEmptyWorkflowPlanRejected(t *testing.T) {
	raw := json.RawMessage(`{"name":"p","description":"d","nodes":[],"edges":[]}`)
	_, err := Decode(KindCreateWorkflowPlan, raw)
	require.Error(t, err)
}

func TestSelfLoopWorkflowPlanRejected(t *testing.T) {
	raw := json.RawMessage(`{
		"name":"p","description":"d",
		"nodes":[{"node_id":"A","type":"HTTP"}],
		"edges":[{"source":"A","target":"A"}]
	}`)
	_, err := Decode(KindCreateWorkflowPlan, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestThreeNodeCycleRejectedWithAllNodesListed(t *testing.T) {
	raw := json.RawMessage(`{
		"name":"p","description":"d",
		"nodes":[
			{"node_id":"A","type":"HTTP"},
			{"node_id":"B","type":"HTTP"},
			{"node_id":"C","type":"HTTP"}
		],
		"edges":[
			{"source":"A","target":"B"},
			{"source":"B","target":"C"},
			{"source":"C","target":"A"}
		]
	}`)
	_, err := Decode(KindCreateWorkflowPlan, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidWorkflowPlanAccepted(t *testing.T) {
	raw := json.RawMessage(`{
		"name":"p","description":"d",
		"nodes":[
			{"node_id":"A","type":"HTTP"},
			{"node_id":"B","type":"LLM"},
			{"node_id":"C","type":"HTTP"}
		],
		"edges":[
			{"source":"A","target":"B"},
			{"source":"B","target":"C"}
		]
	}`)
	p, err := Decode(KindCreateWorkflowPlan, raw)
	require.NoError(t, err)
	wp, ok := p.(*CreateWorkflowPlanPayload)
	require.True(t, ok)
	assert.Len(t, wp.Nodes, 3)
}

func TestErrorRecoveryRequiresKnownAction(t *testing.T) {
	raw := json.RawMessage(`{
		"workflow_id":"w1","failed_node_id":"A","failure_reason":"timeout",
		"recovery_plan":{"action":"not-a-real-action"}
	}`)
	_, err := Decode(KindErrorRecovery, raw)
	require.Error(t, err)
}

func TestErrorRecoveryRequiresExecutionContext(t *testing.T) {
	raw := json.RawMessage(`{
		"workflow_id":"w1","failed_node_id":"A","failure_reason":"timeout",
		"recovery_plan":{"action":"retry"}
	}`)
	_, err := Decode(KindErrorRecovery, raw)
	require.Error(t, err)
}

func TestReplanWorkflowRequiresExecutionContext(t *testing.T) {
	raw := json.RawMessage(`{"workflow_id":"w1","reason":"node failed"}`)
	_, err := Decode(KindReplanWorkflow, raw)
	require.Error(t, err)
}

func TestReplanWorkflowAcceptedWithExecutionContext(t *testing.T) {
	raw := json.RawMessage(`{"workflow_id":"w1","reason":"node failed","execution_context":{"last_error":"timeout"}}`)
	_, err := Decode(KindReplanWorkflow, raw)
	require.NoError(t, err)
}

func TestUnknownKindRejected(t *testing.T) {
	_, err := Decode(Kind("not_a_kind"), json.RawMessage(`{}`))
	require.Error(t, err)
}
