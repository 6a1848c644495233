package compiler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/syncflow/internal/ir"
)

// CycleWarning reports rules that can trigger each other.
//
// Cycles are warnings, not errors: a rule matching its own error outcome
// to retry, or a workflow that stops on a condition, is legitimate.
type CycleWarning struct {
	Path    []string `json:"path"`    // e.g. ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// AnalyzeCycles reports every set of rules that can trigger one another.
//
// Rule A triggers rule B when one of A's then actions is one of B's when
// actions. Each strongly connected component of that graph with more than
// one rule, or a single rule triggering itself, becomes one warning whose
// path is the shortest cycle through its lowest rule ID. Warnings are
// ordered by that ID.
func AnalyzeCycles(rules []ir.RuleSpec) []CycleWarning {
	warnings := []CycleWarning{}
	if len(rules) == 0 {
		return warnings
	}

	graph := buildDependencyGraph(rules)
	for _, scc := range stronglyConnected(graph) {
		sort.Strings(scc)
		if len(scc) == 1 && !slices.Contains(graph[scc[0]], scc[0]) {
			continue
		}
		path := shortestCycle(scc, graph)
		msg := fmt.Sprintf("Potential cycle detected: %s", strings.Join(path, " → "))
		if len(scc) == 1 {
			msg = fmt.Sprintf("Self-triggering rule detected: %s → %s", scc[0], scc[0])
		}
		warnings = append(warnings, CycleWarning{Path: path, Message: msg, Level: "warning"})
	}
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// dependencyGraph maps a rule ID to the rule IDs it can trigger, each
// listed once.
type dependencyGraph map[string][]string

func buildDependencyGraph(rules []ir.RuleSpec) dependencyGraph {
	waiting := make(map[ir.ActionRef][]string)
	for _, rule := range rules {
		for _, p := range rule.When {
			if !slices.Contains(waiting[p.Action], rule.ID) {
				waiting[p.Action] = append(waiting[p.Action], rule.ID)
			}
		}
	}

	graph := make(dependencyGraph, len(rules))
	for _, rule := range rules {
		next := []string{}
		for _, t := range rule.Then {
			for _, id := range waiting[t.Action] {
				if !slices.Contains(next, id) {
					next = append(next, id)
				}
			}
		}
		graph[rule.ID] = next
	}
	return graph
}

// sccFinder is Tarjan's algorithm over a dependencyGraph.
type sccFinder struct {
	graph   dependencyGraph
	next    int
	index   map[string]int
	low     map[string]int
	onStack map[string]bool
	stack   []string
	found   [][]string
}

// stronglyConnected returns the graph's strongly connected components,
// visiting roots in ID order so the result is deterministic.
func stronglyConnected(graph dependencyGraph) [][]string {
	f := &sccFinder{
		graph:   graph,
		index:   make(map[string]int, len(graph)),
		low:     make(map[string]int, len(graph)),
		onStack: make(map[string]bool, len(graph)),
	}
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := f.index[id]; !seen {
			f.visit(id)
		}
	}
	return f.found
}

func (f *sccFinder) visit(v string) {
	f.index[v] = f.next
	f.low[v] = f.next
	f.next++
	f.stack = append(f.stack, v)
	f.onStack[v] = true

	for _, w := range f.graph[v] {
		if _, seen := f.index[w]; !seen {
			f.visit(w)
			f.low[v] = min(f.low[v], f.low[w])
		} else if f.onStack[w] {
			f.low[v] = min(f.low[v], f.index[w])
		}
	}

	if f.low[v] != f.index[v] {
		return
	}
	var scc []string
	for {
		w := f.stack[len(f.stack)-1]
		f.stack = f.stack[:len(f.stack)-1]
		f.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	f.found = append(f.found, scc)
}

// shortestCycle returns the shortest path from scc[0] back to itself
// through members of scc, both ends included.
func shortestCycle(scc []string, graph dependencyGraph) []string {
	start := scc[0]
	parent := map[string]string{}
	queue := []string{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range graph[v] {
			if w == start {
				path := []string{start}
				for at := v; at != start; at = parent[at] {
					path = append(path, at)
				}
				slices.Reverse(path[1:])
				return append(path, start)
			}
			if _, seen := parent[w]; seen || !slices.Contains(scc, w) {
				continue
			}
			parent[w] = v
			queue = append(queue, w)
		}
	}
	return []string{start}
}
