// Package decision defines the ten discriminated decision-payload kinds
// the Conversation Agent may emit, and their fail-closed validation. Each
// kind is a distinct Go struct carrying validator struct tags; there is no
// shared base class (per the typed-variants-over-inheritance design
// note) — a decision_type string tag keys a lookup to the matching struct.
package decision

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind is the discriminant carried alongside every payload.
type Kind string

const (
	KindRespond              Kind = "respond"
	KindCreateNode           Kind = "create_node"
	KindCreateWorkflowPlan   Kind = "create_workflow_plan"
	KindExecuteWorkflow      Kind = "execute_workflow"
	KindRequestClarification Kind = "request_clarification"
	KindContinue             Kind = "continue"
	KindModifyNode           Kind = "modify_node"
	KindErrorRecovery        Kind = "error_recovery"
	KindReplanWorkflow       Kind = "replan_workflow"
	KindSpawnSubagent        Kind = "spawn_subagent"
)

// MaxPayloadBytes is the global size cap; any payload JSON larger than
// this is rejected before even attempting struct validation.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Payload is the marker interface every decision payload struct
// satisfies.
type Payload interface {
	Kind() Kind
}

var validate = validator.New()

// registry maps a Kind to a zero-value constructor, used by Decode to
// allocate the right concrete struct before unmarshaling into it.
var registry = map[Kind]func() Payload{
	KindRespond:              func() Payload { return &RespondPayload{} },
	KindCreateNode:           func() Payload { return &CreateNodePayload{} },
	KindCreateWorkflowPlan:   func() Payload { return &CreateWorkflowPlanPayload{} },
	KindExecuteWorkflow:      func() Payload { return &ExecuteWorkflowPayload{} },
	KindRequestClarification: func() Payload { return &RequestClarificationPayload{} },
	KindContinue:             func() Payload { return &ContinuePayload{} },
	KindModifyNode:           func() Payload { return &ModifyNodePayload{} },
	KindErrorRecovery:        func() Payload { return &ErrorRecoveryPayload{} },
	KindReplanWorkflow:       func() Payload { return &ReplanWorkflowPayload{} },
	KindSpawnSubagent:        func() Payload { return &SpawnSubagentPayload{} },
}

// Decode unmarshals raw into the struct registered for kind, then runs
// struct-tag validation plus the kind's own cross-field checks. Decode is
// fail-closed: any error, at any stage, is returned and no partially
// valid payload is handed back to the caller.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("decision payload exceeds %d bytes", MaxPayloadBytes)
	}
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}
	p := ctor()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, Validate(p)
}

// Validate runs struct-tag validation and then the payload's own
// cross-field Check, if any.
func Validate(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%s payload invalid: %w", p.Kind(), err)
	}
	if checker, ok := p.(interface{ Check() error }); ok {
		if err := checker.Check(); err != nil {
			return fmt.Errorf("%s payload invalid: %w", p.Kind(), err)
		}
	}
	return nil
}

// RespondPayload answers the user directly (greeting / simple_query
// intents, or post-synthesis responses).
type RespondPayload struct {
	Response   string  `json:"response" validate:"required"`
	Intent     string  `json:"intent" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

func (RespondPayload) Kind() Kind { return KindRespond }

// CreateNodePayload adds a single node to the active workflow plan.
type CreateNodePayload struct {
	NodeType string         `json:"node_type" validate:"required"`
	NodeName string         `json:"node_name" validate:"required"`
	Config   map[string]any `json:"config" validate:"required"`
}

func (CreateNodePayload) Kind() Kind { return KindCreateNode }

// NodeSpec is the wire shape of one node within a CreateWorkflowPlanPayload.
type NodeSpec struct {
	NodeID       string            `json:"node_id" validate:"required"`
	Type         string            `json:"type" validate:"required"`
	Config       map[string]any    `json:"config"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// EdgeSpec is the wire shape of one edge within a CreateWorkflowPlanPayload.
type EdgeSpec struct {
	Source    string `json:"source" validate:"required"`
	Target    string `json:"target" validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// GlobalConfigSpec carries plan-wide execution parameters: global_config
// carries max_parallel (default 3).
type GlobalConfigSpec struct {
	MaxParallel int `json:"max_parallel,omitempty"`
	TimeoutSec  int `json:"timeout_sec,omitempty"`
}

// CreateWorkflowPlanPayload defines a new DAG. Nodes/edges-level DAG
// validation (uniqueness, referential integrity, acyclicity) is performed
// by Check, shared with the Coordinator's dependency validation stage.
type CreateWorkflowPlanPayload struct {
	Name         string            `json:"name" validate:"required"`
	Description  string            `json:"description"`
	Nodes        []NodeSpec        `json:"nodes" validate:"required,min=1,dive"`
	Edges        []EdgeSpec        `json:"edges" validate:"dive"`
	GlobalConfig *GlobalConfigSpec `json:"global_config,omitempty"`
}

func (CreateWorkflowPlanPayload) Kind() Kind { return KindCreateWorkflowPlan }

// Check verifies node-ID uniqueness, edge referential integrity, and
// acyclicity via Kahn's algorithm.
func (p CreateWorkflowPlanPayload) Check() error {
	if len(p.Nodes) < 1 {
		return fmt.Errorf("nodes>=1")
	}
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if seen[n.NodeID] {
			return fmt.Errorf("duplicate node id %q", n.NodeID)
		}
		seen[n.NodeID] = true
	}
	indegree := make(map[string]int, len(p.Nodes))
	adj := make(map[string][]string, len(p.Nodes))
	for id := range seen {
		indegree[id] = 0
	}
	for _, e := range p.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge references unknown source %q", e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge references unknown target %q", e.Target)
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indegree[e.Target]++
	}
	return kahnAcyclic(seen, indegree, adj)
}

// kahnAcyclic runs Kahn's algorithm; if it cannot visit every node, the
// remainder forms at least one cycle.
func kahnAcyclic(nodes map[string]bool, indegree map[string]int, adj map[string][]string) error {
	queue := make([]string, 0, len(nodes))
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		cyclic := make([]string, 0)
		for id, d := range remaining {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return fmt.Errorf("plan contains a cycle involving nodes %v", cyclic)
	}
	return nil
}

// ExecuteWorkflowPayload starts execution of a previously created plan.
type ExecuteWorkflowPayload struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
}

func (ExecuteWorkflowPayload) Kind() Kind { return KindExecuteWorkflow }

// RequestClarificationPayload asks the user a question when intent is
// unknown or three consecutive decisions were rejected.
type RequestClarificationPayload struct {
	Question string   `json:"question" validate:"required"`
	Options  []string `json:"options,omitempty"`
}

func (RequestClarificationPayload) Kind() Kind { return KindRequestClarification }

// ContinuePayload advances the ReAct loop without emitting a user-visible
// action.
type ContinuePayload struct {
	Thought string `json:"thought" validate:"required"`
}

func (ContinuePayload) Kind() Kind { return KindContinue }

// ModifyNodePayload updates an existing node's config in the active plan.
type ModifyNodePayload struct {
	NodeID  string         `json:"node_id" validate:"required"`
	Updates map[string]any `json:"updates" validate:"required"`
}

func (ModifyNodePayload) Kind() Kind { return KindModifyNode }

// RecoveryAction is the action a RecoveryPlan prescribes.
type RecoveryAction string

const (
	RecoveryRetry  RecoveryAction = "retry"
	RecoverySkip   RecoveryAction = "skip"
	RecoveryAbort  RecoveryAction = "abort"
	RecoveryModify RecoveryAction = "modify"
)

// RecoveryPlan describes how to recover from a failed node.
type RecoveryPlan struct {
	Action RecoveryAction `json:"action" validate:"required,oneof=retry skip abort modify"`
}

// ErrorRecoveryPayload is emitted after the Coordinator reports a node
// failure, describing how the Conversation Agent wants to recover.
type ErrorRecoveryPayload struct {
	WorkflowID       string         `json:"workflow_id" validate:"required"`
	FailedNodeID     string         `json:"failed_node_id" validate:"required"`
	FailureReason    string         `json:"failure_reason" validate:"required"`
	RecoveryPlan     RecoveryPlan   `json:"recovery_plan" validate:"required"`
	ExecutionContext map[string]any `json:"execution_context" validate:"required"`
}

func (ErrorRecoveryPayload) Kind() Kind { return KindErrorRecovery }

// ReplanWorkflowPayload asks the Workflow Agent to accept a fresh plan
// for an in-flight workflow, typically after a replan failure strategy.
type ReplanWorkflowPayload struct {
	WorkflowID       string         `json:"workflow_id" validate:"required"`
	Reason           string         `json:"reason" validate:"required"`
	ExecutionContext map[string]any `json:"execution_context" validate:"required"`
}

func (ReplanWorkflowPayload) Kind() Kind { return KindReplanWorkflow }

// SpawnSubagentPayload delegates a task to a specialized sub-agent.
type SpawnSubagentPayload struct {
	SubagentType string         `json:"subagent_type" validate:"required"`
	TaskPayload  map[string]any `json:"task_payload" validate:"required"`
}

func (SpawnSubagentPayload) Kind() Kind { return KindSpawnSubagent }
