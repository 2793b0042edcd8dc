package graph

import (
	"fmt"
	"sort"

	"github.com/born-ml/onnxopt/internal/onnx"
)

// TopologicalSort reorders the node list so every producer precedes its
// consumers. Kahn's algorithm over in-degrees of non-empty inputs; the
// ready set is seeded from the lexicographically sorted initializer and
// graph-input names so identical graphs always serialize identically,
// never from map iteration order.
//
// Returns ErrNotADAG when the processed count does not reach the node
// count, which means a cycle: unrecoverable input corruption, not a
// fusable/unfusable distinction.
func (m *Model) TopologicalSort() error {
	nodes := m.Graph().Nodes
	depsCount := make([]int, len(nodes))
	depsToNodes := make(map[string][]int) // input name -> dependent node indices

	sorted := make([]*onnx.NodeProto, 0, len(nodes))
	for i, node := range nodes {
		// Cannot use len(node.Inputs) directly: inputs can be optional.
		count := 0
		for _, in := range node.Inputs {
			if in != "" {
				count++
			}
		}
		depsCount[i] = count
		if count == 0 {
			// Constant and friends depend on nothing.
			sorted = append(sorted, node)
			continue
		}
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			depsToNodes[in] = append(depsToNodes[in], i)
		}
	}

	inputNames := make([]string, 0, len(m.Graph().Initializers)+len(m.Graph().Inputs))
	for _, init := range m.Graph().Initializers {
		inputNames = append(inputNames, init.Name)
	}
	for i := range m.Graph().Inputs {
		inputNames = append(inputNames, m.Graph().Inputs[i].Name)
	}
	sort.Strings(inputNames)

	prev := ""
	for _, name := range inputNames {
		if name == prev {
			continue
		}
		prev = name
		for _, idx := range depsToNodes[name] {
			depsCount[idx]--
			if depsCount[idx] == 0 {
				sorted = append(sorted, nodes[idx])
			}
		}
	}

	start, end := 0, len(sorted)
	for start < end {
		for _, out := range sorted[start].Outputs {
			for _, idx := range depsToNodes[out] {
				depsCount[idx]--
				if depsCount[idx] == 0 {
					sorted = append(sorted, nodes[idx])
					end++
				}
			}
		}
		start++
	}

	if end != len(nodes) {
		return fmt.Errorf("%w: %d of %d nodes reachable", ErrNotADAG, end, len(nodes))
	}
	m.Graph().Nodes = sorted
	m.invalidate()
	return nil
}
