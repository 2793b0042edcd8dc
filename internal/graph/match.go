package graph

import (
	"github.com/born-ml/onnxopt/internal/onnx"
)

// Backward pattern matching over tensor-name edges.

// AnyInput is the wildcard input-index constraint: match the first parent
// on any input position, still requiring the op type to match.
const AnyInput = -1

// PathPattern is one alternative subgraph shape for MatchParentPaths:
// a chain of producer op types with per-edge input-index constraints.
// Nil Indices means every edge is unconstrained.
type PathPattern struct {
	Ops     []string
	Indices []int
}

// MatchFirstParent scans node's inputs for the first producer with the
// given op type, returning it with the input index that matched. Nodes in
// exclude are not allowed to match.
func (m *Model) MatchFirstParent(node *onnx.NodeProto, opType string, producers map[string]*onnx.NodeProto, exclude []*onnx.NodeProto) (*onnx.NodeProto, int) {
	if producers == nil {
		producers = m.Producers()
	}
	for i, in := range node.Inputs {
		if in == "" {
			continue
		}
		parent, ok := producers[in]
		if !ok || parent.OpType != opType {
			continue
		}
		if containsNode(exclude, parent) {
			continue
		}
		return parent, i
	}
	return nil, -1
}

// MatchParent finds a parent of node constrained by op type and,
// optionally, input index. With inputIndex == AnyInput the first matching
// input wins; the returned index reports which one. Returns (nil, -1) on
// no match; that is an expected outcome, not an error.
func (m *Model) MatchParent(node *onnx.NodeProto, opType string, inputIndex int, producers map[string]*onnx.NodeProto, exclude []*onnx.NodeProto) (*onnx.NodeProto, int) {
	if node == nil {
		return nil, -1
	}
	if producers == nil {
		producers = m.Producers()
	}
	if inputIndex == AnyInput {
		return m.MatchFirstParent(node, opType, producers, exclude)
	}
	if inputIndex < 0 || inputIndex >= len(node.Inputs) {
		return nil, -1
	}
	parent := m.Parent(node, inputIndex, producers)
	if parent == nil || parent.OpType != opType || containsNode(exclude, parent) {
		return nil, -1
	}
	return parent, inputIndex
}

// MatchParentPath walks backward one hop per pattern element, threading the
// matched parent as the next step's start node. indices constrains the
// input position per hop (AnyInput = unconstrained); nil means all
// unconstrained. Returns the matched chain root-last with the input index
// taken at every hop, or (nil, nil) on any single-step failure:
// all-or-nothing, never a partial chain.
func (m *Model) MatchParentPath(node *onnx.NodeProto, opTypes []string, indices []int, producers map[string]*onnx.NodeProto) ([]*onnx.NodeProto, []int) {
	if indices != nil && len(indices) != len(opTypes) {
		return nil, nil
	}
	if producers == nil {
		producers = m.Producers()
	}
	current := node
	matched := make([]*onnx.NodeProto, 0, len(opTypes))
	matchedIndices := make([]int, 0, len(opTypes))
	for i, opType := range opTypes {
		idx := AnyInput
		if indices != nil {
			idx = indices[i]
		}
		parent, at := m.MatchParent(current, opType, idx, producers, nil)
		if parent == nil {
			return nil, nil
		}
		matched = append(matched, parent)
		matchedIndices = append(matchedIndices, at)
		current = parent
	}
	return matched, matchedIndices
}

// MatchParentPaths tries each alternative pattern in order and returns the
// first success with its index. Models operators that may have been
// produced by one of several equivalent subgraph shapes. Returns
// (-1, nil, nil) when nothing matches.
func (m *Model) MatchParentPaths(node *onnx.NodeProto, paths []PathPattern, producers map[string]*onnx.NodeProto) (int, []*onnx.NodeProto, []int) {
	if producers == nil {
		producers = m.Producers()
	}
	for i, path := range paths {
		if matched, indices := m.MatchParentPath(node, path.Ops, path.Indices, producers); matched != nil {
			return i, matched, indices
		}
	}
	return -1, nil, nil
}

// FindFirstChildByType searches forward from node for the first consumer
// (breadth over the immediate children, optionally recursive) with the
// given op type.
func (m *Model) FindFirstChildByType(node *onnx.NodeProto, childType string, consumers map[string][]*onnx.NodeProto, recursive bool) *onnx.NodeProto {
	if consumers == nil {
		consumers = m.Consumers()
	}
	queue := m.Children(node, consumers)
	seen := make(map[*onnx.NodeProto]bool)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		if current.OpType == childType {
			return current
		}
		if recursive {
			queue = append(queue, m.Children(current, consumers)...)
		}
	}
	return nil
}

func containsNode(nodes []*onnx.NodeProto, target *onnx.NodeProto) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}
