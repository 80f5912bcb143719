// Copyright (c) Microsoft Corporation. All rights reserved.
// Licensed under the MIT License.

package discovery

import (
	"github.com/azure/azure-mirror/pkg/mirror"
)

// ComputeLevels assigns each resource its dependency level: leaves are level
// 0 and every other resource sits one level above its highest dependency.
// The traversal is a depth-first post-order walk; when a back edge closes a
// cycle the current recursion depth bounds the level, so the computation
// terminates on cyclic graphs.
func ComputeLevels(resources []*mirror.Resource, edges []*mirror.ResourceEdge) map[string]int {
	out := map[string][]string{}
	for _, edge := range edges {
		out[edge.SourceId] = append(out[edge.SourceId], edge.TargetId)
	}

	levels := make(map[string]int, len(resources))
	visiting := map[string]bool{}

	var visit func(id string, depth int) int
	visit = func(id string, depth int) int {
		if level, done := levels[id]; done {
			return level
		}

		if visiting[id] {
			// Back edge: bound the level by how deep this call stack already is.
			return depth
		}

		visiting[id] = true
		level := 0
		for _, target := range out[id] {
			if targetLevel := visit(target, depth+1) + 1; targetLevel > level {
				level = targetLevel
			}
		}
		delete(visiting, id)

		levels[id] = level
		return level
	}

	for _, resource := range resources {
		visit(resource.Id, 0)
	}

	return levels
}
