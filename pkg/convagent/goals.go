package convagent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nexoraai/orchestrator/pkg/domain"
)

// goalStack is the Conversation Agent's LIFO task stack: decomposition
// produces nested goals with explicit parent_id links, not a flat
// subtask-dependency list or a supervisor-agent dispatch plan.
type goalStack struct {
	goals []domain.Goal
}

func newGoalStack() *goalStack { return &goalStack{} }

// PushGoal adds a new goal on top of the stack. parentID is empty for a
// root goal.
func (g *goalStack) PushGoal(description, parentID string) domain.Goal {
	goal := domain.Goal{
		GoalID:      "goal-" + uuid.NewString(),
		Description: description,
		ParentID:    parentID,
		Status:      domain.GoalPending,
	}
	g.goals = append(g.goals, goal)
	return goal
}

// PopGoal removes and returns the top of the stack, marking it completed.
// Returns false if the stack is empty.
func (g *goalStack) PopGoal() (domain.Goal, bool) {
	if len(g.goals) == 0 {
		return domain.Goal{}, false
	}
	n := len(g.goals) - 1
	goal := g.goals[n]
	goal.Status = domain.GoalCompleted
	g.goals = g.goals[:n]
	return goal, true
}

// Top returns the active (topmost) goal without popping it.
func (g *goalStack) Top() (domain.Goal, bool) {
	if len(g.goals) == 0 {
		return domain.Goal{}, false
	}
	return g.goals[len(g.goals)-1], true
}

// Len reports the current stack depth.
func (g *goalStack) Len() int { return len(g.goals) }

// DecomposeGoal asks the LLM collaborator for an ordered list of
// sub-goals, pushes each as a child of parent in reverse (LIFO: the first
// sub-goal returned ends up on top, so iteration naturally proceeds in the
// returned order), and returns the pushed goals in push order.
func (a *Agent) DecomposeGoal(ctx context.Context, parent domain.Goal) ([]domain.Goal, error) {
	descriptions, err := a.llm.Decompose(ctx, parent.Description)
	if err != nil {
		return nil, fmt.Errorf("convagent: decompose goal %s: %w", parent.GoalID, err)
	}
	pushed := make([]domain.Goal, 0, len(descriptions))
	for i := len(descriptions) - 1; i >= 0; i-- {
		pushed = append(pushed, a.goals.PushGoal(descriptions[i], parent.GoalID))
	}
	return pushed, nil
}
