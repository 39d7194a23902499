package convagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexoraai/orchestrator/pkg/decision"
	"github.com/nexoraai/orchestrator/pkg/domain"
)

// runReAct drives the bounded ReAct loop for a complex_task or
// workflow_request intent: goal push, then up to MaxIterations of
// thought/action/observation cycles.
func (a *Agent) runReAct(ctx context.Context, userInput string) error {
	goal := a.goals.PushGoal(userInput, "")
	defer a.goals.PopGoal()

	consecutiveRejections := 0
	malformedRetries := 0

	for iter := 1; iter <= a.MaxIterations; iter++ {
		if a.Cancel() {
			a.logger.Info("convagent: loop canceled by intervention", "session_id", a.SessionID)
			return nil
		}

		a.consumeInjections(domain.PointPreLoop)
		a.consumeInjections(domain.PointPreThinking)

		prompt := a.buildThoughtPrompt(goal, iter)
		thought, err := a.llm.Thought(ctx, prompt)
		if err != nil {
			return fmt.Errorf("convagent: thought (iteration %d): %w", iter, err)
		}
		a.steps = append(a.steps, domain.ReActStep{StepType: domain.StepReasoning, Thought: thought})

		a.consumeInjections(domain.PointPostThinking)

		kind, raw, confidence, err := a.llm.Decide(ctx, a.buildDecisionPrompt(prompt))
		if err != nil {
			malformedRetries++
			if malformedRetries > maxMalformedRetries {
				return a.publishDecision(ctx, decision.KindRequestClarification,
					decision.RequestClarificationPayload{Question: "I couldn't produce a valid plan — could you rephrase your request?"}, 0)
			}
			continue
		}

		payload, err := decision.Decode(kind, raw)
		if err != nil {
			// Client-side fail-fast: run the same validation the
			// Coordinator will run, so a malformed/invalid LLM decision
			// never even reaches the bus.
			malformedRetries++
			a.steps = append(a.steps, domain.ReActStep{StepType: domain.StepObservation, Observation: err.Error()})
			if malformedRetries > maxMalformedRetries {
				return a.publishDecision(ctx, decision.KindRequestClarification,
					decision.RequestClarificationPayload{Question: "I couldn't produce a valid plan — could you rephrase your request?"}, 0)
			}
			continue
		}

		if plan, ok := payload.(*decision.CreateWorkflowPlanPayload); ok {
			a.applyDependencyAnalysis(plan)
		}

		a.steps = append(a.steps, domain.ReActStep{StepType: domain.StepAction, Action: map[string]any{"kind": kind}})

		res, err := a.emitDecision(kind, payload, confidence)
		if err == nil {
			if kind == decision.KindCreateWorkflowPlan {
				if plan, ok := res.payload.(*decision.CreateWorkflowPlanPayload); ok {
					a.activeWorkflow = plan.Name
				}
			}
			if kind == decision.KindSpawnSubagent {
				a.State = StateWaitingForSubagent
			}
			return nil
		}

		consecutiveRejections++
		a.steps = append(a.steps, domain.ReActStep{StepType: domain.StepObservation, Observation: fmt.Sprintf("rejected: %v", res.errors)})
		if consecutiveRejections >= 3 {
			return a.publishDecision(ctx, decision.KindRequestClarification,
				decision.RequestClarificationPayload{Question: "I'm having trouble validating a plan for this — could you clarify?"}, 0)
		}
	}

	// max_iterations exhausted without resolution: force clarification.
	// With max_iterations = 1 the loop runs exactly once before landing
	// here.
	return a.publishDecision(ctx, decision.KindRequestClarification,
		decision.RequestClarificationPayload{Question: "I've run out of planning attempts — could you clarify your goal?"}, 0)
}

func (a *Agent) buildThoughtPrompt(goal domain.Goal, iteration int) string {
	return fmt.Sprintf("goal: %s\niteration: %d\nrecent steps: %d", goal.Description, iteration, len(a.steps))
}

// buildDecisionPrompt appends the ten decision kinds' JSON-schema tool-call
// contracts to the thought prompt, so the LLM collaborator is shown exactly
// the shape each decision_type requires before it emits one. Schema
// generation failure never blocks the loop; it just falls back to the bare
// thought prompt and lets decision.Decode's own validation catch a
// malformed response.
func (a *Agent) buildDecisionPrompt(thoughtPrompt string) string {
	schemas, err := decision.AllToolSchemas()
	if err != nil {
		a.logger.Warn("convagent: tool schema generation failed, falling back to bare prompt", "error", err)
		return thoughtPrompt
	}
	encoded, err := json.Marshal(schemas)
	if err != nil {
		a.logger.Warn("convagent: tool schema encoding failed, falling back to bare prompt", "error", err)
		return thoughtPrompt
	}
	return fmt.Sprintf("%s\navailable decision kinds (JSON schema): %s", thoughtPrompt, encoded)
}
