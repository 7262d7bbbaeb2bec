// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dag builds and analyzes the step dependency graph: cycle
// detection via Kahn's algorithm, topological leveling into waves, and
// reverse-reachability queries used to compute a pipeline's active
// subset from a set of targets.
//
// No third-party graph library is used here: the corpus carries none,
// and this is a ~150-line adjacency-map implementation that would not
// justify one.
package dag

import (
	"sort"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// Graph maps a step id to the set of step ids it directly depends on.
type Graph map[string][]string

// Build constructs a Graph from a map of step id to its dependency ids.
// The input is copied defensively.
func Build(deps map[string][]string) Graph {
	g := make(Graph, len(deps))
	for id, d := range deps {
		cp := append([]string(nil), d...)
		g[id] = cp
	}
	return g
}

// Validate checks that every dependency reference resolves to a known
// node (unless allowed to dangle, e.g. an optional input) and that the
// graph is acyclic.
func Validate(g Graph, allowUnknown func(from, to string) bool) error {
	for id, deps := range g {
		for _, dep := range deps {
			if _, ok := g[dep]; !ok {
				if allowUnknown != nil && allowUnknown(id, dep) {
					continue
				}
				return &pipexerrors.ValidationError{
					Field:   "step.inputs",
					Message: "step \"" + id + "\" depends on unknown step \"" + dep + "\"",
				}
			}
		}
	}

	if _, err := kahn(g); err != nil {
		return err
	}
	return nil
}

// TopologicalLevels partitions the graph into waves: level 0 contains
// every node with no remaining dependency, level 1 contains nodes whose
// dependencies are all satisfied by level 0, and so on. Within a level,
// nodes are returned sorted for deterministic test output (the spec
// does not treat iteration order as semantic, but determinism helps
// golden-file tests).
func TopologicalLevels(g Graph) ([][]string, error) {
	return kahn(g)
}

// kahn implements Kahn's algorithm: compute in-degree for every node,
// repeatedly drain the set of zero-in-degree nodes into a level, and
// decrement the in-degree of their dependents. If fewer than |V| nodes
// are drained, the remainder participates in a cycle.
func kahn(g Graph) ([][]string, error) {
	inDegree := make(map[string]int, len(g))
	dependents := make(map[string][]string, len(g))
	for id := range g {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
	}
	for id, deps := range g {
		for _, dep := range deps {
			if _, ok := g[dep]; !ok {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	drained := 0
	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}

	for {
		var level []string
		for id, d := range remaining {
			if d == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Strings(level)
		for _, id := range level {
			delete(remaining, id)
			drained++
			for _, dep := range dependents[id] {
				remaining[dep]--
			}
		}
		levels = append(levels, level)
	}

	if drained < len(inDegree) {
		leftover := make([]string, 0, len(remaining))
		for id := range remaining {
			leftover = append(leftover, id)
		}
		sort.Strings(leftover)
		return nil, &pipexerrors.CyclicDependencyError{Remaining: leftover}
	}

	return levels, nil
}

// Subgraph returns the set of nodes reachable from targets by walking
// dependency edges backward (i.e. every ancestor of a target, plus the
// targets themselves) — the set of steps that must run to produce the
// requested targets.
func Subgraph(g Graph, targets []string) map[string]struct{} {
	seen := make(map[string]struct{}, len(g))
	var visit func(id string)
	visit = func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		for _, dep := range g[id] {
			visit(dep)
		}
	}
	for _, t := range targets {
		visit(t)
	}
	return seen
}

// LeafNodes returns the ids of nodes that no other node depends on —
// the default targets when a pipeline run does not specify one.
func LeafNodes(g Graph) []string {
	hasDependent := make(map[string]bool, len(g))
	for _, deps := range g {
		for _, dep := range deps {
			hasDependent[dep] = true
		}
	}
	var leaves []string
	for id := range g {
		if !hasDependent[id] {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}
