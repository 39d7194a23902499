// Package convagent implements the Conversation Agent: the
// IDLE/CLASSIFYING/PROCESSING/RESPONDING/WAITING_FOR_SUBAGENT state
// machine, a ReAct loop with a bounded iteration budget, the goal stack,
// intent classification, and dependency-aware workflow planning. The
// agent never writes state belonging to another component; every
// coordination step is a published eventbus event.
package convagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// State is the Conversation Agent's top-level lifecycle state.
type State string

const (
	StateIdle               State = "IDLE"
	StateClassifying        State = "CLASSIFYING"
	StateProcessing         State = "PROCESSING"
	StateResponding         State = "RESPONDING"
	StateWaitingForSubagent State = "WAITING_FOR_SUBAGENT"
)

// DefaultMaxIterations bounds the ReAct loop (default 10).
const DefaultMaxIterations = 10

// maxMalformedRetries is the recorded open-question decision: one
// reformat-request retry for malformed/invalid LLM decision output, then
// request_clarification.
const maxMalformedRetries = 1

// LLMService is the narrow external collaborator the Conversation Agent
// calls for thought generation and decision emission: one focused
// interface per concern rather than a single do-everything client.
type LLMService interface {
	// Thought produces the next reasoning step given the current loop
	// state, rendered as a prompt string by the caller.
	Thought(ctx context.Context, prompt string) (thought string, err error)
	// Decide asks the LLM to emit a decision dict for the given prompt;
	// the raw JSON is later validated against the decision payload schema.
	Decide(ctx context.Context, prompt string) (kind decision.Kind, raw json.RawMessage, confidence float64, err error)
	// Classify returns the five-way intent classification for userInput.
	Classify(ctx context.Context, userInput string) (Intent, float64, error)
	// Decompose returns an ordered list of sub-goal descriptions for a
	// complex_task intent.
	Decompose(ctx context.Context, description string) ([]string, error)
}

// Intent is the five-way classification of a user turn.
type Intent string

const (
	IntentGreeting        Intent = "greeting"
	IntentSimpleQuery     Intent = "simple_query"
	IntentComplexTask     Intent = "complex_task"
	IntentWorkflowRequest Intent = "workflow_request"
	IntentUnknown         Intent = "unknown"
)

// Agent is the Conversation Agent. One instance is created per session.
type Agent struct {
	SessionID     string
	State         State
	MaxIterations int

	bus *eventbus.Bus
	llm LLMService

	goals          *goalStack
	steps          []domain.ReActStep
	injections     []domain.ContextInjection
	activeWorkflow string

	mu       sync.Mutex
	results  map[string]decisionResult
	canceled bool

	logger *slog.Logger
}

type decisionResult struct {
	validated bool
	payload   decision.Payload
	errors    []string
}

// New constructs a Conversation Agent for one session, subscribing to
// DecisionValidated/DecisionRejected so the ReAct loop can synchronously observe the
// Coordinator's verdict (the event bus dispatches subscribers in the same
// call stack as Publish, so no channel/goroutine handoff
// is needed here).
func New(sessionID string, bus *eventbus.Bus, llm LLMService, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		SessionID:     sessionID,
		State:         StateIdle,
		MaxIterations: DefaultMaxIterations,
		bus:           bus,
		llm:           llm,
		goals:         newGoalStack(),
		results:       make(map[string]decisionResult),
		logger:        logger,
	}
	if bus != nil {
		eventbus.Subscribe(bus, a.onDecisionValidated)
		eventbus.Subscribe(bus, a.onDecisionRejected)
		eventbus.Subscribe(bus, a.onSubAgentCompleted)
		eventbus.Subscribe(bus, a.onContextInjection)
		eventbus.Subscribe(bus, a.onTaskTermination)
	}
	return a
}

func (a *Agent) onDecisionValidated(e eventbus.DecisionValidated) {
	if e.Decision.SessionID != a.SessionID {
		return
	}
	payload, _ := e.Decision.Payload.(decision.Payload)
	a.mu.Lock()
	a.results[e.Decision.CorrelationID] = decisionResult{validated: true, payload: payload}
	a.mu.Unlock()
}

func (a *Agent) onDecisionRejected(e eventbus.DecisionRejected) {
	if e.SessionID != a.SessionID {
		return
	}
	a.mu.Lock()
	a.results[e.CorrelationID] = decisionResult{validated: false, errors: e.Errors}
	a.mu.Unlock()
}

func (a *Agent) onSubAgentCompleted(e eventbus.SubAgentCompleted) {
	if e.SessionID != a.SessionID {
		return
	}
	if a.State == StateWaitingForSubagent {
		a.State = StateProcessing
	}
}

// onContextInjection queues a supervisor-originated injection for
// consumption at its declared insertion point.
func (a *Agent) onContextInjection(e eventbus.ContextInjectionEvent) {
	if e.SessionID != a.SessionID {
		return
	}
	a.injections = append(a.injections, e.Injection)
}

// onTaskTermination handles a terminate-level intervention for this
// session by setting the cancellation flag, checked at the top of each
// loop iteration.
func (a *Agent) onTaskTermination(e eventbus.TaskTerminationRequest) {
	if e.SessionID != a.SessionID {
		return
	}
	a.mu.Lock()
	a.canceled = true
	a.mu.Unlock()
}

// Cancel reports whether a terminate-level intervention has arrived
// since this agent was created. Checked at the top of every ReAct
// iteration, per cancellation design.
func (a *Agent) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

// consumeInjections returns and clears queued injections matching point.
func (a *Agent) consumeInjections(point domain.InjectionPoint) []domain.ContextInjection {
	var matched []domain.ContextInjection
	var rest []domain.ContextInjection
	for _, inj := range a.injections {
		if inj.Point == point {
			inj.Applied = true
			matched = append(matched, inj)
			if a.bus != nil {
				a.bus.Publish(eventbus.InjectionApplied{SessionID: a.SessionID, InjectionID: inj.InjectionID})
			}
		} else {
			rest = append(rest, inj)
		}
	}
	a.injections = rest
	return matched
}

// HandleUserInput runs one full CLASSIFYING -> PROCESSING -> RESPONDING
// cycle for a single user turn.
func (a *Agent) HandleUserInput(ctx context.Context, userInput string) error {
	a.State = StateClassifying
	intent, confidence, err := a.llm.Classify(ctx, userInput)
	if err != nil {
		return fmt.Errorf("convagent: classify: %w", err)
	}

	a.State = StateProcessing
	switch intent {
	case IntentGreeting, IntentSimpleQuery:
		return a.respond(ctx, userInput, intent, confidence)
	case IntentComplexTask:
		return a.runReAct(ctx, userInput)
	case IntentWorkflowRequest:
		if a.activeWorkflow != "" {
			return a.publishDecision(ctx, decision.KindExecuteWorkflow, decision.ExecuteWorkflowPayload{WorkflowID: a.activeWorkflow}, confidence)
		}
		return a.runReAct(ctx, userInput)
	default:
		return a.publishDecision(ctx, decision.KindRequestClarification,
			decision.RequestClarificationPayload{Question: "Could you clarify what you'd like me to do?"}, confidence)
	}
}

func (a *Agent) respond(ctx context.Context, userInput string, intent Intent, confidence float64) error {
	thought, err := a.llm.Thought(ctx, userInput)
	if err != nil {
		thought = "Acknowledged."
	}
	a.State = StateResponding
	err = a.publishDecision(ctx, decision.KindRespond, decision.RespondPayload{
		Response: thought, Intent: string(intent), Confidence: confidence,
	}, confidence)
	a.State = StateIdle
	return err
}

// publishDecision wraps p in a DecisionEnvelope, publishes DecisionMade,
// and returns the synchronously-observed validation outcome. A rejection
// is returned as an error; callers that need retry-with-feedback
// semantics call runReAct instead, which handles rejection inline.
func (a *Agent) publishDecision(ctx context.Context, kind decision.Kind, p decision.Payload, confidence float64) error {
	_, err := a.emitDecision(kind, p, confidence)
	return err
}

func (a *Agent) emitDecision(kind decision.Kind, p decision.Payload, confidence float64) (decisionResult, error) {
	correlationID := uuid.NewString()
	env := eventbus.DecisionEnvelope{
		DecisionID: uuid.NewString(), CorrelationID: correlationID, SessionID: a.SessionID,
		DecisionType: string(kind), Payload: p, Confidence: confidence, SourceAgent: "convagent",
	}
	if a.bus == nil {
		return decisionResult{}, fmt.Errorf("convagent: no event bus configured")
	}
	a.bus.Publish(eventbus.DecisionMade{Decision: env})

	a.mu.Lock()
	res, ok := a.results[correlationID]
	delete(a.results, correlationID)
	a.mu.Unlock()

	if !ok {
		return decisionResult{}, fmt.Errorf("convagent: no validation response for correlation %s", correlationID)
	}
	if !res.validated {
		return res, fmt.Errorf("decision rejected: %v", res.errors)
	}
	return res, nil
}
