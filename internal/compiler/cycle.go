package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/agentsync/internal/registry"
)

// CycleWarning reports rules that can trigger each other.
//
// A rule whose target (agent, action) is another rule's trigger chains into
// it when the target agent reports that action. Cycles are warnings, not
// errors: the idempotency key stops a loop once the snapshot stops changing,
// and some feedback loops are intended.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeCycles builds the rule chaining graph and reports every strongly
// connected component with more than one rule, and every self-loop.
//
// The algorithm:
//  1. Index rules by trigger "agent/action"
//  2. Add an edge from each rule to the rules triggered by its target
//  3. Use Tarjan's algorithm to find strongly connected components
//
// Warnings are ordered by the first rule id in each cycle.
func AnalyzeCycles(rules []registry.RuleRequest) []CycleWarning {
	if len(rules) == 0 {
		return []CycleWarning{}
	}

	graph := buildChainGraph(rules)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// chainGraph maps rule id → rule ids its target can trigger.
type chainGraph map[string][]string

func actionKey(agent, action string) string {
	return agent + "/" + action
}

func buildChainGraph(rules []registry.RuleRequest) chainGraph {
	graph := make(chainGraph)

	byTrigger := make(map[string][]string)
	for _, r := range rules {
		key := actionKey(r.Trigger.AgentID, r.Trigger.Action)
		byTrigger[key] = append(byTrigger[key], r.ID)
	}

	for _, r := range rules {
		if graph[r.ID] == nil {
			graph[r.ID] = []string{}
		}
		graph[r.ID] = append(graph[r.ID], byTrigger[actionKey(r.Target.AgentID, r.Target.Action)]...)
	}
	return graph
}

func hasSelfLoop(node string, graph chainGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so the result does not depend on map iteration.
func tarjanSCC(graph chainGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleSCCToWarning(scc []string, graph chainGraph) CycleWarning {
	if len(scc) == 1 {
		id := scc[0]
		return CycleWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("Self-triggering rule: %s → %s", id, id),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential dispatch loop: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath walks edges inside the SCC from its first member
// until it returns to the start or runs out of unvisited members.
func reconstructCyclePath(scc []string, graph chainGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		next := ""
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
