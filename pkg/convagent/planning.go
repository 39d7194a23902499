package convagent

import (
	"regexp"

	"github.com/nexoraai/orchestrator/pkg/decision"
)

// DefaultMaxParallel is the global_config.max_parallel default.
const DefaultMaxParallel = 3

// inputRefPattern matches a "${node_X.output.field}" input_mapping
// reference, per Node.InputMapping wire format.
var inputRefPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+)\.output`)

// applyDependencyAnalysis mutates plan in place: it (a) derives edges
// from input_mapping data-dependency references that the LLM's nodes
// declared but did not wire into the edge list, and (b) fills in
// global_config.max_parallel when the LLM omitted it. Condition-node
// encoding for branches is the LLM's own responsibility at generation
// time (a CONDITION node type already exists in NodeSpec.Type); this
// pass only repairs missing edges, since that is the mechanical part a
// planner is prone to drop.
func (a *Agent) applyDependencyAnalysis(plan *decision.CreateWorkflowPlanPayload) {
	existing := make(map[[2]string]bool, len(plan.Edges))
	for _, e := range plan.Edges {
		existing[[2]string{e.Source, e.Target}] = true
	}
	nodeIDs := make(map[string]bool, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodeIDs[n.NodeID] = true
	}

	for _, n := range plan.Nodes {
		for _, ref := range n.InputMapping {
			for _, m := range inputRefPattern.FindAllStringSubmatch(ref, -1) {
				source := m[1]
				if source == n.NodeID || !nodeIDs[source] {
					continue
				}
				key := [2]string{source, n.NodeID}
				if !existing[key] {
					plan.Edges = append(plan.Edges, decision.EdgeSpec{Source: source, Target: n.NodeID})
					existing[key] = true
				}
			}
		}
	}

	if plan.GlobalConfig == nil {
		plan.GlobalConfig = &decision.GlobalConfigSpec{MaxParallel: DefaultMaxParallel}
	} else if plan.GlobalConfig.MaxParallel <= 0 {
		plan.GlobalConfig.MaxParallel = DefaultMaxParallel
	}
}

// Layers groups plan's nodes by Kahn layer: layer 0 has no predecessors,
// layer N+1's nodes have every predecessor in layer <= N. Used for the
// Conversation Agent's parallel-opportunity analysis; the Workflow
// Agent's execution-time layering applies the identical algorithm to
// its own node/edge types, so a plan that passes this analysis here is
// guaranteed schedulable there.
func Layers(nodes []decision.NodeSpec, edges []decision.EdgeSpec) [][]string {
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
			if placed[n.NodeID] {
				continue
			}
			if remaining[n.NodeID] == 0 {
				layer = append(layer, n.NodeID)
			}
		}
		if len(layer) == 0 {
			break // cycle; Check() should have already rejected this plan
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
