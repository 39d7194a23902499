// Package workflowagent implements the Workflow Agent: it exclusively
// owns the active workflow plan for each workflow it has created, turns
// a validated create_workflow_plan/create_node/modify_node decision into
// graph mutations, and executes a plan by Kahn-layering its nodes and
// dispatching each layer through a bounded worker pool. Node failures are
// never decided locally — the agent reports them and awaits the
// Coordinator's NodeFailureResolution, per the event-only cross-owner
// access rule.
package workflowagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// MaxContainerDepth caps CONTAINER node recursion.
const MaxContainerDepth = 5

// NodeExecutor is the external collaborator that actually runs one node
// (an HTTP call, an LLM completion, a sandboxed PYTHON snippet, a
// DATABASE query). The Workflow Agent never performs node work itself.
type NodeExecutor interface {
	Execute(ctx context.Context, node domain.Node, inputs map[string]any) (domain.NodeResult, error)
}

// Reflector is the optional external collaborator that produces a
// post-completion assessment of a finished workflow run. Assessment
// logic itself — whatever judges quality and proposes
// should_retry/confidence/recommendations — lives outside this package;
// the agent only publishes what Reflector returns. A nil Reflector
// simply skips this step, since reflection is optional.
type Reflector interface {
	Reflect(ctx context.Context, plan *domain.WorkflowPlan, status eventbus.WorkflowStatus) (eventbus.WorkflowReflectionCompleted, bool)
}

// Agent is the Workflow Agent. One instance serves every session sharing
// a bus; plans are keyed by workflow name, which doubles as WorkflowID.
type Agent struct {
	bus       *eventbus.Bus
	executor  NodeExecutor
	reflector Reflector
	logger    *slog.Logger

	mu              sync.Mutex
	plans           map[string]*domain.WorkflowPlan
	activeBySession map[string]string // sessionID -> workflowID, for node_id-less create_node/modify_node decisions
	replanOpen      map[string]bool   // workflowID -> accepting a replacement plan
	resolutions     map[string]eventbus.NodeFailureResolution
}

// New builds a Workflow Agent subscribed to DecisionValidated and
// NodeReplacementRequest on bus.
func New(bus *eventbus.Bus, executor NodeExecutor, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		bus:             bus,
		executor:        executor,
		logger:          logger,
		plans:           make(map[string]*domain.WorkflowPlan),
		activeBySession: make(map[string]string),
		replanOpen:      make(map[string]bool),
		resolutions:     make(map[string]eventbus.NodeFailureResolution),
	}
	if bus != nil {
		eventbus.Subscribe(bus, a.onDecisionValidated)
		eventbus.Subscribe(bus, a.onNodeReplacementRequest)
		eventbus.Subscribe(bus, a.onNodeFailureResolution)
	}
	return a
}

// SetReflector wires an optional post-completion reflection collaborator.
// Leaving it unset is valid — reflection is optional.
func (a *Agent) SetReflector(r Reflector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reflector = r
}

// onDecisionValidated mutates the owned graph for the four decision
// kinds that shape a plan, and kicks off execution for execute_workflow.
// Any other kind is ignored — it belongs to a different owner.
func (a *Agent) onDecisionValidated(e eventbus.DecisionValidated) {
	env := e.Decision
	switch p := env.Payload.(type) {
	case *decision.CreateWorkflowPlanPayload:
		a.createPlan(env.SessionID, p)
	case *decision.CreateNodePayload:
		a.addNode(env.SessionID, p)
	case *decision.ModifyNodePayload:
		a.modifyNode(env.SessionID, p)
	case *decision.ExecuteWorkflowPayload:
		go a.Execute(context.Background(), env.SessionID, p.WorkflowID)
	case *decision.ReplanWorkflowPayload:
		a.mu.Lock()
		a.replanOpen[p.WorkflowID] = true
		a.mu.Unlock()
	}
}

// createPlan stores a new plan, or — if a replan was requested for this
// workflow ID — replaces the existing one.
func (a *Agent) createPlan(sessionID string, p *decision.CreateWorkflowPlanPayload) {
	plan := fromPayload(p)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.plans[plan.WorkflowID]; exists && !a.replanOpen[plan.WorkflowID] {
		a.logger.Warn("workflowagent: ignoring duplicate workflow plan", "workflow_id", plan.WorkflowID)
		return
	}
	delete(a.replanOpen, plan.WorkflowID)
	a.plans[plan.WorkflowID] = plan
	a.activeBySession[sessionID] = plan.WorkflowID
}

func (a *Agent) addNode(sessionID string, p *decision.CreateNodePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan := a.planForSessionLocked(sessionID)
	if plan == nil {
		a.logger.Warn("workflowagent: create_node with no active workflow for session", "session_id", sessionID)
		return
	}
	plan.Nodes = append(plan.Nodes, domain.Node{
		NodeID: p.NodeName, Type: domain.NodeType(p.NodeType), Config: p.Config,
	})
}

func (a *Agent) modifyNode(sessionID string, p *decision.ModifyNodePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan := a.planForSessionLocked(sessionID)
	if plan == nil {
		a.logger.Warn("workflowagent: modify_node with no active workflow for session", "session_id", sessionID)
		return
	}
	for i := range plan.Nodes {
		if plan.Nodes[i].NodeID == p.NodeID {
			for k, v := range p.Updates {
				if plan.Nodes[i].Config == nil {
					plan.Nodes[i].Config = map[string]any{}
				}
				plan.Nodes[i].Config[k] = v
			}
			return
		}
	}
	a.logger.Warn("workflowagent: modify_node references unknown node", "node_id", p.NodeID)
}

func (a *Agent) planForSessionLocked(sessionID string) *domain.WorkflowPlan {
	id, ok := a.activeBySession[sessionID]
	if !ok {
		return nil
	}
	return a.plans[id]
}

func fromPayload(p *decision.CreateWorkflowPlanPayload) *domain.WorkflowPlan {
	nodes := make([]domain.Node, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes = append(nodes, domain.Node{NodeID: n.NodeID, Type: domain.NodeType(n.Type), Config: n.Config, InputMapping: n.InputMapping})
	}
	edges := make([]domain.Edge, 0, len(p.Edges))
	for _, e := range p.Edges {
		edges = append(edges, domain.Edge{Source: e.Source, Target: e.Target, Condition: e.Condition})
	}
	gc := domain.GlobalConfig{MaxParallel: 3, TimeoutSec: 300}
	if p.GlobalConfig != nil {
		if p.GlobalConfig.MaxParallel > 0 {
			gc.MaxParallel = p.GlobalConfig.MaxParallel
		}
		if p.GlobalConfig.TimeoutSec > 0 {
			gc.TimeoutSec = p.GlobalConfig.TimeoutSec
		}
	}
	return &domain.WorkflowPlan{
		WorkflowID: p.Name, Name: p.Name, Description: p.Description,
		Nodes: nodes, Edges: edges, GlobalConfig: gc,
	}
}

// onNodeReplacementRequest applies a Coordinator-committed node mutation.
// The Coordinator has already DAG-validated the replacement against the
// snapshot it fetched via PlanLookup before publishing this event, so the
// mutation here is unconditional.
func (a *Agent) onNodeReplacementRequest(e eventbus.NodeReplacementRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan, ok := a.plans[e.WorkflowID]
	if !ok {
		return
	}
	out := make([]domain.Node, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if n.NodeID == e.NodeID {
			if e.Replacement != nil {
				out = append(out, *e.Replacement)
			}
			continue
		}
		out = append(out, n)
	}
	plan.Nodes = out
}

// onNodeFailureResolution records the Coordinator's verdict for Execute
// to pick up; the bus's synchronous dispatch guarantees this runs before
// the Publish call in reportFailure returns.
func (a *Agent) onNodeFailureResolution(e eventbus.NodeFailureResolution) {
	a.mu.Lock()
	a.resolutions[e.WorkflowID+"/"+e.NodeID] = e
	a.mu.Unlock()
}

// PlanLookup adapts the agent's plan storage to coordinator.PlanLookup's
// signature, handing the Coordinator a read-only snapshot without it
// ever holding a reference to the live plan.
func (a *Agent) PlanLookup(workflowID string) (nodes []decision.NodeSpec, edges []decision.EdgeSpec, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plan, exists := a.plans[workflowID]
	if !exists {
		return nil, nil, false
	}
	nodes = make([]decision.NodeSpec, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodes = append(nodes, decision.NodeSpec{NodeID: n.NodeID, Type: string(n.Type), Config: n.Config, InputMapping: n.InputMapping})
	}
	edges = make([]decision.EdgeSpec, 0, len(plan.Edges))
	for _, e := range plan.Edges {
		edges = append(edges, decision.EdgeSpec{Source: e.Source, Target: e.Target, Condition: e.Condition})
	}
	return nodes, edges, true
}

func (a *Agent) plan(workflowID string) (*domain.WorkflowPlan, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.plans[workflowID]
	return p, ok
}

var errUnknownWorkflow = fmt.Errorf("workflowagent: unknown workflow")
