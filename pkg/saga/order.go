package saga

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// CompensationOrder arranges pending commands for dispatch. Sagas keep the
// order of their oldest command; within a saga a step is undone before the
// step it was started from, and unrelated steps go newest first.
func CompensationOrder(cmds []Command) []Command {
	if len(cmds) < 2 {
		return cmds
	}

	groups := make(map[string][]Command)
	var sagas []string
	for _, c := range cmds {
		if _, ok := groups[c.SagaID]; !ok {
			sagas = append(sagas, c.SagaID)
		}
		groups[c.SagaID] = append(groups[c.SagaID], c)
	}
	for _, id := range sagas {
		sort.Slice(groups[id], func(i, j int) bool { return groups[id][i].ID < groups[id][j].ID })
	}
	sort.SliceStable(sagas, func(i, j int) bool {
		return groups[sagas[i]][0].ID < groups[sagas[j]][0].ID
	})

	out := make([]Command, 0, len(cmds))
	for _, id := range sagas {
		out = append(out, reverseCausal(groups[id])...)
	}
	return out
}

// reverseCausal expects group sorted by ascending command id.
func reverseCausal(group []Command) []Command {
	g := simple.NewDirectedGraph()
	byStep := make(map[string]int64, len(group))
	for i, c := range group {
		g.AddNode(simple.Node(i))
		byStep[c.StepID] = int64(i)
	}
	for i, c := range group {
		parent, ok := byStep[c.ParentStepID]
		if !ok || parent == int64(i) {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(parent), T: simple.Node(i)})
	}

	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	out := make([]Command, 0, len(group))
	if err != nil {
		// parent links form a cycle; fall back to newest first
		for i := len(group) - 1; i >= 0; i-- {
			out = append(out, group[i])
		}
		return out
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		out = append(out, group[sorted[i].ID()])
	}
	return out
}
