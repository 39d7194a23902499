package coordinator

import (
	"log/slog"

	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
	"github.com/nexoraai/orchestrator/pkg/supervision"
)

// PlanLookup resolves a workflow's current node/edge set for DAG
// validation before committing a replacement, without the Coordinator
// holding a reference to the Workflow Agent's plan (ownership stays with
// the Workflow Agent; this is a narrow read-only query).
type PlanLookup func(workflowID string) (nodes []decision.NodeSpec, edges []decision.EdgeSpec, ok bool)

// Intervener carries out the three intervention levels: notify (published
// as-is), replace (DAG-validated node
// mutation), and terminate (task termination notice). A failed replace
// escalates to terminate.
type Intervener struct {
	bus    *eventbus.Bus
	lookup PlanLookup
	logger *slog.Logger
}

// NewIntervener builds an Intervener. lookup may be nil if only
// terminate-level interventions will be issued.
func NewIntervener(bus *eventbus.Bus, lookup PlanLookup, logger *slog.Logger) *Intervener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intervener{bus: bus, lookup: lookup, logger: logger}
}

// Apply acts on a winning SupervisionInfo, publishing the appropriate
// event(s). For intervention-level actions that are informational only
// (warn), it publishes a ContextInjectionEvent at the intervention point
// rather than mutating any state.
func (iv *Intervener) Apply(sessionID string, info supervision.SupervisionInfo) {
	switch info.Action {
	case domain.ActionWarn:
		iv.notify(sessionID, info)
	case domain.ActionReplace:
		iv.notify(sessionID, info)
	case domain.ActionTerminate:
		iv.Terminate(sessionID, info.Description, nil, true)
	}
}

func (iv *Intervener) notify(sessionID string, info supervision.SupervisionInfo) {
	if iv.bus == nil {
		return
	}
	iv.bus.Publish(eventbus.ContextInjectionEvent{
		SessionID: sessionID,
		Injection: domain.ContextInjection{
			InjectionID: "supervision-" + info.RuleID,
			Type:        domain.InjectionIntervention,
			Point:       domain.PointIntervention,
			Content:     info.Description,
		},
	})
}

// ReplaceNode validates replacement against the workflow's current plan
// (substitution or, when replacement is nil, removal) via Kahn's
// algorithm before publishing NodeReplacementApplied. On validation
// failure it escalates to Terminate.
func (iv *Intervener) ReplaceNode(sessionID, workflowID, nodeID string, replacement *decision.NodeSpec, reason string) {
	if iv.lookup == nil {
		iv.Terminate(sessionID, "no plan lookup configured for node replacement", nil, true)
		return
	}
	nodes, edges, ok := iv.lookup(workflowID)
	if !ok {
		iv.Terminate(sessionID, "workflow not found for node replacement", nil, true)
		return
	}

	candidate := make([]decision.NodeSpec, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID == nodeID {
			if replacement != nil {
				candidate = append(candidate, *replacement)
			}
			continue
		}
		candidate = append(candidate, n)
	}

	plan := decision.CreateWorkflowPlanPayload{Name: workflowID, Nodes: candidate, Edges: edges}
	if err := plan.Check(); err != nil {
		iv.logger.Error("coordinator: node replacement failed DAG validation, escalating to terminate",
			"workflow_id", workflowID, "node_id", nodeID, "error", err)
		if iv.bus != nil {
			iv.bus.Publish(eventbus.NodeReplacementApplied{SessionID: sessionID, WorkflowID: workflowID, NodeID: nodeID, Error: err.Error()})
		}
		iv.Terminate(sessionID, "node replacement invalidated the plan: "+err.Error(), nil, true)
		return
	}

	if iv.bus != nil {
		var domainNode *domain.Node
		if replacement != nil {
			domainNode = &domain.Node{NodeID: replacement.NodeID, Type: domain.NodeType(replacement.Type), Config: replacement.Config, InputMapping: replacement.InputMapping}
		}
		iv.bus.Publish(eventbus.NodeReplacementRequest{SessionID: sessionID, WorkflowID: workflowID, NodeID: nodeID, Replacement: domainNode, Reason: reason})
		iv.bus.Publish(eventbus.NodeReplacementApplied{SessionID: sessionID, WorkflowID: workflowID, NodeID: nodeID})
	}
}

// Terminate issues a TaskTerminationRequest: notifies the listed agents,
// optionally the user, and publishes a terminal SystemNotice.
func (iv *Intervener) Terminate(sessionID, reason string, notifyAgents []string, notifyUser bool) {
	if iv.bus == nil {
		return
	}
	iv.bus.Publish(eventbus.TaskTerminationRequest{
		SessionID: sessionID, Reason: reason, NotifyAgents: notifyAgents, NotifyUser: notifyUser,
	})
	if notifyUser {
		iv.bus.Publish(eventbus.SystemNotice{
			SessionID: sessionID, ErrorCode: "TASK_TERMINATED", Message: reason,
			Options: []string{"retry", "skip", "terminate"},
		})
	}
}
