// Package coordinator is the orchestration core's gatekeeper and
// supervisor: payload/DAG/safety validation of every decision, the
// node-failure strategy, a priority-queued save-request processor, and
// rule-based supervision/intervention. It owns the rule chain, failure
// policy, save-request queue, and supervision logs exclusively; every
// other component reaches it only through eventbus messages.
package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
	"github.com/nexoraai/orchestrator/pkg/supervision"
)

// Coordinator wires the Validator, FailureStrategy, SaveQueue, and
// supervision rule set to the shared event bus.
type Coordinator struct {
	bus       *eventbus.Bus
	validator *Validator
	failure   *FailureStrategy
	queue     *SaveQueue
	intervene *Intervener
	rules     []supervision.Rule

	decisionHistory map[string][]string // sessionID -> recent decision_type history
	attempts        map[string]int      // (workflowID/nodeID) -> retry attempt count
	subagents       *SubAgentRegistry
	logger          *slog.Logger
}

// Config bundles the constructor dependencies so New doesn't take an
// unwieldy positional argument list.
type Config struct {
	Bus          *eventbus.Bus
	RuleConfig   RuleConfig
	SaveExecutor SaveExecutor
	PlanLookup   PlanLookup
	GlobalRate   RateLimit
	SessionRate  RateLimit
	SubAgents    *SubAgentRegistry
	Logger       *slog.Logger
}

// New builds a Coordinator and subscribes it to DecisionMade,
// SaveRequestEvent, and NodeFailureReported on cfg.Bus.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	subagents := cfg.SubAgents
	if subagents == nil {
		subagents = NewSubAgentRegistry()
	}
	c := &Coordinator{
		bus:             cfg.Bus,
		validator:       NewValidator(),
		failure:         NewFailureStrategy(),
		queue:           NewSaveQueue(cfg.RuleConfig, cfg.SaveExecutor, cfg.Bus, cfg.GlobalRate, cfg.SessionRate, logger),
		intervene:       NewIntervener(cfg.Bus, cfg.PlanLookup, logger),
		rules:           supervision.DefaultRules(),
		decisionHistory: make(map[string][]string),
		attempts:        make(map[string]int),
		subagents:       subagents,
		logger:          logger,
	}
	if cfg.Bus != nil {
		eventbus.Subscribe(cfg.Bus, c.onDecisionMade)
		eventbus.Subscribe(cfg.Bus, c.onSaveRequest)
		eventbus.Subscribe(cfg.Bus, c.onNodeFailureReported)
	}
	return c
}

// SaveQueue exposes the underlying priority queue, e.g. for Run(ctx) in
// the process entrypoint or direct inspection in tests.
func (c *Coordinator) SaveQueue() *SaveQueue { return c.queue }

// SubAgents exposes the subagent_type registry so the process entrypoint
// can register the sub-agent types it wires up at startup.
func (c *Coordinator) SubAgents() *SubAgentRegistry { return c.subagents }

// onDecisionMade implements stages 1-4: payload validation
// (decision.Decode, already fail-closed), dependency/config validation,
// safety validation, then publish DecisionValidated or DecisionRejected.
// It also records history for loop-detection supervision.
func (c *Coordinator) onDecisionMade(e eventbus.DecisionMade) {
	env := e.Decision
	c.recordHistory(env.SessionID, string(env.DecisionType))

	raw, err := json.Marshal(env.Payload)
	if err != nil {
		c.reject(env, []string{fmt.Sprintf("cannot marshal payload: %v", err)})
		return
	}
	payload, err := decision.Decode(decision.Kind(env.DecisionType), raw)
	if err != nil {
		c.reject(env, []string{err.Error()})
		return
	}

	var structuralErrs []string
	if plan, ok := payload.(*decision.CreateWorkflowPlanPayload); ok {
		structuralErrs = c.validator.ValidatePlan(*plan)
	}
	if node, ok := payload.(*decision.CreateNodePayload); ok {
		structuralErrs = c.validator.ValidateNodeConfig(node.NodeType, node.Config)
	}
	if spawn, ok := payload.(*decision.SpawnSubagentPayload); ok && !c.subagents.Registered(spawn.SubagentType) {
		structuralErrs = append(structuralErrs, fmt.Sprintf("subagent_type %q is not registered", spawn.SubagentType))
	}
	if len(structuralErrs) > 0 {
		c.reject(env, structuralErrs)
		return
	}

	if sv := c.checkSupervision(env.SessionID); sv != nil {
		c.intervene.Apply(env.SessionID, *sv)
		if sv.Action == domain.ActionTerminate {
			c.reject(env, []string{"terminated by supervision rule " + sv.RuleID})
			return
		}
	}

	env.Payload = payload
	c.bus.Publish(eventbus.DecisionValidated{Decision: env})
}

func (c *Coordinator) reject(env eventbus.DecisionEnvelope, errs []string) {
	c.logger.Warn("coordinator: decision rejected", "correlation_id", env.CorrelationID, "errors", errs)
	c.bus.Publish(eventbus.DecisionRejected{CorrelationID: env.CorrelationID, SessionID: env.SessionID, Errors: errs})
}

func (c *Coordinator) recordHistory(sessionID, decisionType string) {
	h := append(c.decisionHistory[sessionID], decisionType)
	if len(h) > 10 {
		h = h[len(h)-10:]
	}
	c.decisionHistory[sessionID] = h
}

// checkSupervision evaluates the built-in rule set against the
// session's decision history for loop detection; context-usage and
// save-request checks are evaluated at their own call sites
// (UpdateTokenUsage/AddTurn's caller, and onSaveRequest respectively)
// since those carry the fields those rules need.
func (c *Coordinator) checkSupervision(sessionID string) *supervision.SupervisionInfo {
	ctx := supervision.Context{RecentDecisions: c.decisionHistory[sessionID]}
	infos := supervision.Evaluate(c.rules, ctx)
	winner, ok := supervision.WinningAction(infos)
	if !ok {
		return nil
	}
	return &winner
}

// CheckContext runs the usage/history supervision rules against a live
// session snapshot; callers (typically wired from ctxmgr's saturation
// hook) invoke this once per turn.
func (c *Coordinator) CheckContext(sessionID string, usageRatio float64, historyLength int) {
	ctx := supervision.Context{UsageRatio: usageRatio, HistoryLength: historyLength, RecentDecisions: c.decisionHistory[sessionID]}
	infos := supervision.Evaluate(c.rules, ctx)
	if winner, ok := supervision.WinningAction(infos); ok {
		c.intervene.Apply(sessionID, winner)
	}
}

// onSaveRequest runs the save-path/content/command supervision rules
// (dangerous path, sensitive content, dangerous command) before the
// request reaches the queue. A terminate-level verdict both issues the
// TaskTerminationRequest intervention and rejects the request outright —
// a save supervision has condemned never gets enqueued, evaluated, or
// dispatched to the executor. Anything below terminate is enqueued for
// the queue's own rule chain.
func (c *Coordinator) onSaveRequest(e eventbus.SaveRequestEvent) {
	ctx := supervision.Context{SavePath: e.Request.TargetPath, SaveContent: e.Request.Content, SaveCommand: e.Request.Content}
	infos := supervision.Evaluate(c.rules, ctx)
	if winner, ok := supervision.WinningAction(infos); ok && winner.Action == domain.ActionTerminate {
		c.intervene.Apply(e.Request.SessionID, winner)
		ruleID, reason := winner.RuleID, winner.Description
		// When the queue's own rule chain also condemns the request (e.g.
		// the built-in path blacklist), its rule id and message are the
		// ones the requester is told about — they name the concrete save
		// policy, where the supervision rule names the intervention.
		if action, qRuleID, qMsg := c.queue.applyRules(e.Request); action == domain.ActionTerminate {
			ruleID, reason = qRuleID, qMsg
		}
		c.queue.rejectScreened(e.Request, ruleID, reason)
		return
	}
	c.queue.Enqueue(e.Request)
}

// onNodeFailureReported implements the failure-strategy side of node
// failure handling: classify the reported error, decide
// retry/skip/abort/replan, and publish the resolution. Abort adds the
// user-facing SystemNotice with the retry/skip/terminate options — the
// terminal WorkflowExecutionCompleted itself is the Workflow Agent's to
// publish, once, when it halts on the resolution. Replan adds the
// ReplanRequested carrying the failure context back to the Conversation
// Agent.
func (c *Coordinator) onNodeFailureReported(e eventbus.NodeFailureReported) {
	kind := ClassifyCode(ErrorCode(e.Result.ErrorCode))
	strategy, backoff := c.failure.Decide(kind, e.Attempt)

	c.bus.Publish(eventbus.NodeFailureResolution{
		SessionID: e.SessionID, WorkflowID: e.WorkflowID, NodeID: e.NodeID,
		Strategy: strategy, BackoffMS: int(backoff / time.Millisecond), MaxAttempts: c.failure.MaxRetries,
	})

	switch strategy {
	case eventbus.StrategyAbort:
		c.bus.Publish(eventbus.SystemNotice{
			SessionID: e.SessionID, ErrorCode: e.Result.ErrorCode, Message: e.Result.Error,
			Options: []string{"retry", "skip", "terminate"},
		})
	case eventbus.StrategyReplan:
		c.bus.Publish(eventbus.ReplanRequested{
			SessionID: e.SessionID, WorkflowID: e.WorkflowID, FailedNodeID: e.NodeID,
			Reason: e.Result.Error, ExecutionContext: e.Result.Output,
		})
	}
}

// NewCorrelationID is a small convenience used by callers assembling a
// DecisionEnvelope before publishing DecisionMade.
func NewCorrelationID() string { return uuid.NewString() }
