package workflowagent

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexoraai/orchestrator/pkg/domain"
	"github.com/nexoraai/orchestrator/pkg/eventbus"
)

// layerNodes groups nodes into Kahn layers: layer 0 has no predecessors,
// layer N+1's nodes have every predecessor placed in layer <= N. Nodes
// within one layer have no dependency on each other and are dispatched
// concurrently by Execute. Identical algorithm to convagent.Layers,
// applied here to domain.Node/Edge rather than decision's wire types,
// since a plan that already passed the Conversation Agent's client-side
// check is guaranteed to layer cleanly here too.
func layerNodes(nodes []domain.Node, edges []domain.Edge) [][]string {
	indegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.NodeID] = 0
	}
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		indegree[e.Target]++
	}
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var layers [][]string
	placed := make(map[string]bool, len(nodes))
	for len(placed) < len(nodes) {
		var layer []string
		for _, n := range nodes {
			if !placed[n.NodeID] && remaining[n.NodeID] == 0 {
				layer = append(layer, n.NodeID)
			}
		}
		if len(layer) == 0 {
			break
		}
		for _, id := range layer {
			placed[id] = true
			for _, next := range adj[id] {
				remaining[next]--
			}
		}
		layers = append(layers, layer)
	}
	return layers
}

var outputRefPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+)\.output\.([A-Za-z0-9_\-]+)\}`)

// resolveInputs renders a node's InputMapping against already-collected
// node outputs.
func resolveInputs(mapping map[string]string, outputs map[string]map[string]any) map[string]any {
	if len(mapping) == 0 {
		return nil
	}
	resolved := make(map[string]any, len(mapping))
	for field, ref := range mapping {
		m := outputRefPattern.FindStringSubmatch(ref)
		if m == nil {
			resolved[field] = ref
			continue
		}
		if out, ok := outputs[m[1]]; ok {
			resolved[field] = out[m[2]]
		}
	}
	return resolved
}

// runState is shared, mutex-guarded execution state for one Execute call.
type runState struct {
	mu      sync.Mutex
	outputs map[string]map[string]any
	halted  bool
	reason  string
	failed  string // first failed node ID
}

func (rs *runState) halt(reason, nodeID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.halted {
		rs.halted = true
		rs.reason = reason
		rs.failed = nodeID
	}
}

func (rs *runState) isHalted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.halted
}

func (rs *runState) setOutput(nodeID string, out map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outputs[nodeID] = out
}

// Execute runs a stored plan to completion: Kahn-layer its nodes, then
// dispatch each layer's nodes through an errgroup bounded by a
// semaphore-style channel sized to GlobalConfig.MaxParallel.
func (a *Agent) Execute(ctx context.Context, sessionID, workflowID string) error {
	plan, ok := a.plan(workflowID)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownWorkflow, workflowID)
	}

	a.publish(eventbus.WorkflowExecutionStarted{SessionID: sessionID, WorkflowID: workflowID})

	layers := layerNodes(plan.Nodes, plan.Edges)
	byID := make(map[string]domain.Node, len(plan.Nodes))
	for _, n := range plan.Nodes {
		byID[n.NodeID] = n
	}

	maxParallel := plan.GlobalConfig.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	rs := &runState{outputs: make(map[string]map[string]any)}
	for _, layer := range layers {
		if rs.isHalted() {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, maxParallel)
		for _, nodeID := range layer {
			node := byID[nodeID]
			g.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()
				a.runNode(gctx, sessionID, workflowID, node, 0, rs)
				return nil
			})
		}
		_ = g.Wait()
	}

	status := eventbus.WorkflowSucceeded
	if rs.isHalted() {
		status = eventbus.WorkflowFailed
		a.publish(eventbus.WorkflowExecutionCompleted{
			SessionID: sessionID, WorkflowID: workflowID, Status: status,
			FailedNode: rs.failed, Reason: rs.reason,
		})
	} else {
		a.publish(eventbus.WorkflowExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, Status: status})
	}

	a.reflect(ctx, sessionID, plan, status)
	return nil
}

// reflect invokes the optional Reflector and publishes its assessment.
// Per the recorded open-question decision, the result is advisory only:
// it is never used here to trigger a replan.
func (a *Agent) reflect(ctx context.Context, sessionID string, plan *domain.WorkflowPlan, status eventbus.WorkflowStatus) {
	a.mu.Lock()
	r := a.reflector
	a.mu.Unlock()
	if r == nil {
		return
	}
	evt, ok := r.Reflect(ctx, plan, status)
	if !ok {
		return
	}
	evt.SessionID = sessionID
	evt.WorkflowID = plan.WorkflowID
	a.publish(evt)
}

// runNode executes one node, recursing into a CONTAINER's children up to
// MaxContainerDepth, and handles the retry/skip/abort/replan round trip
// with the Coordinator for a reported failure.
func (a *Agent) runNode(ctx context.Context, sessionID, workflowID string, node domain.Node, depth int, rs *runState) {
	if rs.isHalted() {
		return
	}

	if node.Type == domain.NodeContainer {
		if depth >= MaxContainerDepth {
			rs.halt(fmt.Sprintf("container nesting exceeds max depth %d", MaxContainerDepth), node.NodeID)
			return
		}
		a.runContainer(ctx, sessionID, workflowID, node, depth+1, rs)
		return
	}

	a.publish(eventbus.NodeExecutionStarted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID})
	a.publish(eventbus.ExecutionProgress{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Status: eventbus.ExecStarted})

	attempt := 0
	for {
		rs.mu.Lock()
		inputs := resolveInputs(node.InputMapping, rs.outputs)
		rs.mu.Unlock()

		result, err := a.executor.Execute(ctx, node, inputs)
		if err != nil {
			result = domain.NodeResult{Success: false, Error: err.Error()}
		}

		if result.Success {
			a.publish(eventbus.ExecutionProgress{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Status: eventbus.ExecCompleted, Progress: 1})
			a.publish(eventbus.NodeExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Result: result})
			rs.setOutput(node.NodeID, result.Output)
			return
		}

		a.publish(eventbus.ExecutionProgress{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Status: eventbus.ExecFailed})
		strategy, backoff, maxAttempts := a.reportFailure(sessionID, workflowID, node.NodeID, result, attempt)

		switch strategy {
		case eventbus.StrategyRetry:
			if attempt >= maxAttempts {
				rs.halt("retry budget exhausted for node "+node.NodeID, node.NodeID)
				a.publish(eventbus.NodeExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Result: result})
				return
			}
			attempt++
			select {
			case <-ctx.Done():
				rs.halt(ctx.Err().Error(), node.NodeID)
				a.publish(eventbus.NodeExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Result: result})
				return
			case <-time.After(time.Duration(backoff) * time.Millisecond):
			}
			continue
		case eventbus.StrategySkip:
			a.publish(eventbus.NodeExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Result: result})
			rs.setOutput(node.NodeID, nil)
			return
		default: // abort, replan
			a.publish(eventbus.NodeExecutionCompleted{SessionID: sessionID, WorkflowID: workflowID, NodeID: node.NodeID, Result: result})
			rs.halt(result.Error, node.NodeID)
			return
		}
	}
}

// runContainer executes a CONTAINER node's children: concurrently if
// Parallel is set (no inter-child dependency is expressible without an
// edge list at this level), sequentially otherwise.
func (a *Agent) runContainer(ctx context.Context, sessionID, workflowID string, node domain.Node, depth int, rs *runState) {
	if !node.Parallel {
		for _, child := range node.Children {
			if rs.isHalted() {
				return
			}
			a.runNode(ctx, sessionID, workflowID, child, depth, rs)
		}
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range node.Children {
		child := child
		g.Go(func() error {
			a.runNode(gctx, sessionID, workflowID, child, depth, rs)
			return nil
		})
	}
	_ = g.Wait()
}

// reportFailure publishes NodeFailureReported and synchronously reads
// back the Coordinator's NodeFailureResolution: the bus dispatches
// subscribers in the same call stack as Publish, so by the time Publish
// returns here, onNodeFailureResolution has already recorded the verdict.
func (a *Agent) reportFailure(sessionID, workflowID, nodeID string, result domain.NodeResult, attempt int) (eventbus.FailureStrategyKind, int, int) {
	key := workflowID + "/" + nodeID
	a.mu.Lock()
	delete(a.resolutions, key)
	a.mu.Unlock()

	a.publish(eventbus.NodeFailureReported{SessionID: sessionID, WorkflowID: workflowID, NodeID: nodeID, Result: result, Attempt: attempt})

	a.mu.Lock()
	res, ok := a.resolutions[key]
	a.mu.Unlock()
	if !ok {
		// No coordinator wired: default to abort, fail-closed.
		return eventbus.StrategyAbort, 0, 0
	}
	return res.Strategy, res.BackoffMS, res.MaxAttempts
}

func (a *Agent) publish(e eventbus.Event) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(e)
}
