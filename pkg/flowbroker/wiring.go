package flowbroker

import (
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// Attach subscribes b to the bus events behind the tool_request
// (NodeExecutionStarted), tool_result (NodeExecutionCompleted),
// system_notice (SystemNotice) and final_answer (a validated respond
// decision) flow types, translating each into an Emit call on the
// originating session's stream. Thoughts, actions and observations are
// not bus events; they are recorded with EmitThought, EmitAction and
// EmitObservation.
func Attach(b *Broker, bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(e eventbus.NodeExecutionStarted) {
		b.Emit(e.SessionID, FlowToolRequest, map[string]any{"workflow_id": e.WorkflowID, "node_id": e.NodeID})
	})
	eventbus.Subscribe(bus, func(e eventbus.NodeExecutionCompleted) {
		b.EmitRaw(e.SessionID, FlowToolResult,
			map[string]any{"workflow_id": e.WorkflowID, "node_id": e.NodeID, "success": e.Result.Success, "error": e.Result.Error},
			map[string]any{"workflow_id": e.WorkflowID, "node_id": e.NodeID, "result": e.Result})
	})
	eventbus.Subscribe(bus, func(e eventbus.SystemNotice) {
		b.Emit(e.SessionID, FlowSystemNotice, map[string]any{"error_code": e.ErrorCode, "message": e.Message, "options": e.Options})
	})
	eventbus.Subscribe(bus, func(e eventbus.DecisionValidated) {
		if e.Decision.DecisionType == "respond" {
			b.Emit(e.Decision.SessionID, FlowFinalAnswer, map[string]any{"decision_id": e.Decision.DecisionID})
		}
	})
}

// EmitThought records one ReAct reasoning step on the session's stream,
// called directly by the caller rather than routed through the bus, since
// a thought is a per-iteration artifact with no other subscriber.
func (b *Broker) EmitThought(sessionID, thought string) SessionFlowMessage {
	return b.Emit(sessionID, FlowThought, map[string]any{"thought": thought})
}

// EmitObservation records one ReAct observation step.
func (b *Broker) EmitObservation(sessionID, observation string) SessionFlowMessage {
	return b.Emit(sessionID, FlowObservation, map[string]any{"observation": observation})
}

// EmitAction records one ReAct action step.
func (b *Broker) EmitAction(sessionID string, action map[string]any) SessionFlowMessage {
	return b.Emit(sessionID, FlowAction, action)
}
