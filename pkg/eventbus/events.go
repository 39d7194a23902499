package eventbus

import (
	"time"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// DecisionEnvelope is the wire shape of a decision on the bus, per the
// decision envelope schema: {decision_id, correlation_id, session_id,
// decision_type, payload, confidence, source_agent, timestamp}.
type DecisionEnvelope struct {
	DecisionID    string
	CorrelationID string
	SessionID     string
	DecisionType  string
	Payload       any // a decision.Payload, kept as any to avoid an import cycle
	Confidence    float64
	SourceAgent   string
	Timestamp     time.Time
}

// DecisionMade is published by the Conversation Agent for every decision
// it emits during a ReAct loop iteration.
type DecisionMade struct{ Decision DecisionEnvelope }

func (DecisionMade) Name() string { return "DecisionMade" }

// DecisionValidated is published by the Coordinator when a DecisionMade
// passes payload, DAG, and safety validation. Payload may have been
// corrected by a rule.
type DecisionValidated struct {
	Decision DecisionEnvelope
}

func (DecisionValidated) Name() string { return "DecisionValidated" }

// DecisionRejected is published by the Coordinator when validation fails.
type DecisionRejected struct {
	CorrelationID string
	SessionID     string
	Errors        []string
}

func (DecisionRejected) Name() string { return "DecisionRejected" }

// WorkflowExecutionStarted is published by the Workflow Agent when it
// begins executing a validated workflow plan.
type WorkflowExecutionStarted struct {
	SessionID  string
	WorkflowID string
}

func (WorkflowExecutionStarted) Name() string { return "WorkflowExecutionStarted" }

// WorkflowStatus is the terminal status of a workflow execution.
type WorkflowStatus string

const (
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowExecutionCompleted is published once every node has reached a
// terminal state (or the workflow aborted early).
type WorkflowExecutionCompleted struct {
	SessionID  string
	WorkflowID string
	Status     WorkflowStatus
	FailedNode string // set when Status == WorkflowFailed
	Reason     string
}

func (WorkflowExecutionCompleted) Name() string { return "WorkflowExecutionCompleted" }

// NodeExecutionStarted is published once per node, before its executor is
// invoked.
type NodeExecutionStarted struct {
	SessionID  string
	WorkflowID string
	NodeID     string
}

func (NodeExecutionStarted) Name() string { return "NodeExecutionStarted" }

// NodeExecutionCompleted is published once per node, when its result
// (success or failure) is known.
type NodeExecutionCompleted struct {
	SessionID  string
	WorkflowID string
	NodeID     string
	Result     domain.NodeResult
}

func (NodeExecutionCompleted) Name() string { return "NodeExecutionCompleted" }

// ExecutionStatus is the per-node progress status reported in an
// ExecutionProgress event.
type ExecutionStatus string

const (
	ExecStarted   ExecutionStatus = "started"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
)

// ExecutionProgress is published repeatedly during one node's execution;
// publication failures are swallowed by the publisher and never block
// execution.
type ExecutionProgress struct {
	SessionID  string
	WorkflowID string
	NodeID     string
	Status     ExecutionStatus
	Progress   float64
	Metadata   map[string]any
}

func (ExecutionProgress) Name() string { return "ExecutionProgress" }

// WorkflowReflectionCompleted carries an optional post-completion
// assessment. Per the recorded open-question decision, should_retry is
// advisory only and never triggers a replan by itself.
type WorkflowReflectionCompleted struct {
	SessionID       string
	WorkflowID      string
	Assessment      string
	ShouldRetry     bool
	Confidence      float64
	Recommendations []string
}

func (WorkflowReflectionCompleted) Name() string { return "WorkflowReflectionCompleted" }

// ShortTermSaturated fires at most once per saturation-latch interval,
// per session, when usage_ratio crosses the saturation threshold.
type ShortTermSaturated struct {
	SessionID  string
	UsageRatio float64
}

func (ShortTermSaturated) Name() string { return "ShortTermSaturated" }

// SpawnSubAgent is published when the Conversation Agent delegates to a
// specialized sub-agent; the agent enters WAITING_FOR_SUBAGENT until the
// matching SubAgentCompleted arrives.
type SpawnSubAgent struct {
	SessionID     string
	CorrelationID string
	SubagentType  string
	TaskPayload   map[string]any
}

func (SpawnSubAgent) Name() string { return "SpawnSubAgent" }

// SubAgentCompleted reports a spawned sub-agent's result.
type SubAgentCompleted struct {
	SessionID     string
	CorrelationID string
	Success       bool
	Output        map[string]any
	Error         string
}

func (SubAgentCompleted) Name() string { return "SubAgentCompleted" }

// SaveRequestEvent wraps a domain.SaveRequest for bus transport. Named
// distinctly from domain.SaveRequest to avoid a type/event name clash.
type SaveRequestEvent struct {
	Request domain.SaveRequest
}

func (SaveRequestEvent) Name() string { return "SaveRequest" }

// SaveRequestReceived acknowledges enqueue, before the priority queue
// processor has evaluated the rule chain.
type SaveRequestReceived struct {
	RequestID string
	SessionID string
}

func (SaveRequestReceived) Name() string { return "SaveRequestReceived" }

// SaveRequestResultStatus is the outcome of rule evaluation plus (if
// approved) the save executor's result.
type SaveRequestResultStatus string

const (
	SaveApproved SaveRequestResultStatus = "approved"
	SaveRejected SaveRequestResultStatus = "rejected"
)

// SaveRequestResult is the terminal event for one SaveRequest.
type SaveRequestResult struct {
	RequestID    string
	SessionID    string
	Status       SaveRequestResultStatus
	RuleID       string // set when Status == SaveRejected
	Reason       string
	BytesWritten int
}

func (SaveRequestResult) Name() string { return "SaveRequestResult" }

// ContextInjectionEvent publishes supervisor-originated guidance for the
// Conversation Agent to consume at the declared insertion point.
type ContextInjectionEvent struct {
	SessionID string
	Injection domain.ContextInjection
}

func (ContextInjectionEvent) Name() string { return "ContextInjection" }

// InjectionApplied confirms the Conversation Agent consumed an injection.
type InjectionApplied struct {
	SessionID   string
	InjectionID string
}

func (InjectionApplied) Name() string { return "InjectionApplied" }

// NodeFailureReported is published by the Workflow Agent when a node's
// executor reports failure; it never decides the response itself, per the
// "Coordinator exclusively owns ... failure policy" ownership rule — it
// awaits a NodeFailureResolution.
type NodeFailureReported struct {
	SessionID  string
	WorkflowID string
	NodeID     string
	Result     domain.NodeResult
	Attempt    int
}

func (NodeFailureReported) Name() string { return "NodeFailureReported" }

// FailureStrategyKind names the four node-failure responses the
// Coordinator can choose after a node reports failure.
type FailureStrategyKind string

const (
	StrategyRetry  FailureStrategyKind = "retry"
	StrategySkip   FailureStrategyKind = "skip"
	StrategyAbort  FailureStrategyKind = "abort"
	StrategyReplan FailureStrategyKind = "replan"
)

// NodeFailureResolution is the Coordinator's answer to a
// NodeFailureReported: what the Workflow Agent should do next.
type NodeFailureResolution struct {
	SessionID   string
	WorkflowID  string
	NodeID      string
	Strategy    FailureStrategyKind
	BackoffMS   int
	MaxAttempts int
}

func (NodeFailureResolution) Name() string { return "NodeFailureResolution" }

// ReplanRequested is published by the Coordinator (replan failure
// strategy) back to the Conversation Agent with the failure context.
type ReplanRequested struct {
	SessionID        string
	WorkflowID       string
	FailedNodeID     string
	Reason           string
	ExecutionContext map[string]any
}

func (ReplanRequested) Name() string { return "ReplanRequested" }

// NodeReplacementRequest is a Coordinator intervention mutating the live
// plan; the replacement must pass DAG validation before commit.
type NodeReplacementRequest struct {
	SessionID   string
	WorkflowID  string
	NodeID      string
	Replacement *domain.Node // nil means remove the node
	Reason      string
}

func (NodeReplacementRequest) Name() string { return "NodeReplacementRequest" }

// NodeReplacementApplied confirms a replacement committed (or, if Error is
// set, that it was rejected and the Coordinator should escalate to
// terminate).
type NodeReplacementApplied struct {
	SessionID  string
	WorkflowID string
	NodeID     string
	Error      string
}

func (NodeReplacementApplied) Name() string { return "NodeReplacementApplied" }

// TaskTerminationRequest is the highest-severity intervention: notifies
// the listed agents, optionally the user, and is terminal for the task.
type TaskTerminationRequest struct {
	SessionID    string
	Reason       string
	NotifyAgents []string
	NotifyUser   bool
}

func (TaskTerminationRequest) Name() string { return "TaskTerminationRequest" }

// SystemNotice is a structured user-visible message (abort explanation,
// save-rejection reason, partial-success summary).
type SystemNotice struct {
	SessionID string
	ErrorCode string
	Message   string
	Options   []string
}

func (SystemNotice) Name() string { return "SystemNotice" }
