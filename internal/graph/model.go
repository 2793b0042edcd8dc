package graph

import (
	"errors"
	"fmt"

	"github.com/born-ml/onnxopt/internal/onnx"
)

// Fatal graph-invariant violations. These indicate corrupted input, not a
// fusable/unfusable distinction, and abort the whole optimization run.
var (
	// ErrNotADAG is returned when the node list contains a cycle.
	ErrNotADAG = errors.New("graph is not a DAG")

	// ErrDuplicateOutput is returned when two nodes produce the same tensor
	// name, violating the single-writer property.
	ErrDuplicateOutput = errors.New("tensor produced by more than one node")
)

// Model wraps a mutable ONNX graph with the indices and helpers the rewrite
// passes work through. All access is single-threaded: the cached indices and
// staged mutation lists are not synchronized.
type Model struct {
	model *onnx.ModelProto

	// Caches, invalidated on every node-list mutation.
	consumers map[string][]*onnx.NodeProto // input name -> consuming nodes
	producers map[string]*onnx.NodeProto   // output name -> producing node

	nameCounter map[string]int
	usedNames   map[string]bool
}

// New wraps a parsed model. The Model takes ownership of the proto; callers
// must not mutate the node list behind its back.
func New(model *onnx.ModelProto) *Model {
	return &Model{model: model}
}

// Proto returns the underlying model.
func (m *Model) Proto() *onnx.ModelProto {
	return m.model
}

// Graph returns the top-level graph.
func (m *Model) Graph() *onnx.GraphProto {
	return m.model.Graph
}

// Nodes returns the live node list.
func (m *Model) Nodes() []*onnx.NodeProto {
	return m.model.Graph.Nodes
}

func (m *Model) invalidate() {
	m.consumers = nil
	m.producers = nil
}

// Consumers returns the input-name -> consuming-nodes index, building it if
// the cache was invalidated. Empty input names are never indexed.
func (m *Model) Consumers() map[string][]*onnx.NodeProto {
	if m.consumers == nil {
		index := make(map[string][]*onnx.NodeProto)
		for _, node := range m.Nodes() {
			for _, name := range node.Inputs {
				if name != "" {
					index[name] = append(index[name], node)
				}
			}
		}
		m.consumers = index
	}
	return m.consumers
}

// Producers returns the output-name -> producing-node index. A duplicate
// producer silently wins here, matching index semantics; Validate reports
// the violation as a fatal error.
func (m *Model) Producers() map[string]*onnx.NodeProto {
	if m.producers == nil {
		index := make(map[string]*onnx.NodeProto)
		for _, node := range m.Nodes() {
			for _, name := range node.Outputs {
				if name != "" {
					index[name] = node
				}
			}
		}
		m.producers = index
	}
	return m.producers
}

// Validate checks the single-writer invariant: every non-empty tensor name
// is produced by at most one node, and no node output shadows an
// initializer or graph input.
func (m *Model) Validate() error {
	seen := make(map[string]bool)
	for _, init := range m.Graph().Initializers {
		seen[init.Name] = true
	}
	for i := range m.Graph().Inputs {
		if m.GetInitializer(m.Graph().Inputs[i].Name) == nil {
			seen[m.Graph().Inputs[i].Name] = true
		}
	}
	for _, node := range m.Nodes() {
		for _, name := range node.Outputs {
			if name == "" {
				continue
			}
			if seen[name] {
				return fmt.Errorf("%w: %q", ErrDuplicateOutput, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// AddNode appends a node to the graph.
func (m *Model) AddNode(node *onnx.NodeProto) {
	m.model.Graph.Nodes = append(m.model.Graph.Nodes, node)
	m.invalidate()
}

// AddNodes appends several nodes.
func (m *Model) AddNodes(nodes []*onnx.NodeProto) {
	if len(nodes) == 0 {
		return
	}
	m.model.Graph.Nodes = append(m.model.Graph.Nodes, nodes...)
	m.invalidate()
}

// RemoveNodes deletes the given nodes (matched by identity) from the graph.
func (m *Model) RemoveNodes(nodes []*onnx.NodeProto) {
	if len(nodes) == 0 {
		return
	}
	doomed := make(map[*onnx.NodeProto]bool, len(nodes))
	for _, node := range nodes {
		doomed[node] = true
	}
	kept := m.model.Graph.Nodes[:0]
	for _, node := range m.model.Graph.Nodes {
		if !doomed[node] {
			kept = append(kept, node)
		}
	}
	m.model.Graph.Nodes = kept
	m.invalidate()
}

// AddInitializer adds a constant tensor unless one with the same name
// already exists.
func (m *Model) AddInitializer(t *onnx.TensorProto) {
	if m.GetInitializer(t.Name) != nil {
		return
	}
	m.model.Graph.Initializers = append(m.model.Graph.Initializers, t)
}

// GetInitializer returns the named initializer, or nil.
func (m *Model) GetInitializer(name string) *onnx.TensorProto {
	for _, t := range m.model.Graph.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ReplaceInitializer swaps the initializer with the same name for t.
// Transforms produce new tensors; this is how their results land in the
// graph without mutating payload bytes other nodes may still reference.
func (m *Model) ReplaceInitializer(t *onnx.TensorProto) {
	for i, old := range m.model.Graph.Initializers {
		if old.Name == t.Name {
			m.model.Graph.Initializers[i] = t
			return
		}
	}
	m.model.Graph.Initializers = append(m.model.Graph.Initializers, t)
}

// RemoveInitializer deletes an initializer and, for ir_version < 4 style
// graphs, its shadowing graph input.
func (m *Model) RemoveInitializer(t *onnx.TensorProto) {
	for i, init := range m.model.Graph.Initializers {
		if init == t {
			m.model.Graph.Initializers = append(
				m.model.Graph.Initializers[:i], m.model.Graph.Initializers[i+1:]...)
			break
		}
	}
	for i := range m.model.Graph.Inputs {
		if m.model.Graph.Inputs[i].Name == t.Name {
			m.model.Graph.Inputs = append(m.model.Graph.Inputs[:i], m.model.Graph.Inputs[i+1:]...)
			break
		}
	}
}

// RemoveInitializers deletes several initializers.
func (m *Model) RemoveInitializers(tensors []*onnx.TensorProto) {
	for _, t := range tensors {
		m.RemoveInitializer(t)
	}
}

// Children returns the nodes consuming any output of node.
func (m *Model) Children(node *onnx.NodeProto, consumers map[string][]*onnx.NodeProto) []*onnx.NodeProto {
	if consumers == nil {
		consumers = m.Consumers()
	}
	var children []*onnx.NodeProto
	for _, out := range node.Outputs {
		children = append(children, consumers[out]...)
	}
	return children
}

// Parents returns the producers feeding node's inputs, skipping inputs that
// are empty, graph inputs, or initializers.
func (m *Model) Parents(node *onnx.NodeProto, producers map[string]*onnx.NodeProto) []*onnx.NodeProto {
	if producers == nil {
		producers = m.Producers()
	}
	var parents []*onnx.NodeProto
	for _, in := range node.Inputs {
		if in == "" {
			continue
		}
		if p, ok := producers[in]; ok {
			parents = append(parents, p)
		}
	}
	return parents
}

// Parent returns the producer of node's input at idx, or nil when that
// input is empty, out of range, a graph input, or an initializer.
func (m *Model) Parent(node *onnx.NodeProto, idx int, producers map[string]*onnx.NodeProto) *onnx.NodeProto {
	if idx < 0 || idx >= len(node.Inputs) {
		return nil
	}
	name := node.Inputs[idx]
	if name == "" {
		return nil
	}
	if producers == nil {
		producers = m.Producers()
	}
	return producers[name]
}

// InputIndex returns the position of tensorName in child's inputs, or -1.
func InputIndex(tensorName string, child *onnx.NodeProto) int {
	for i, in := range child.Inputs {
		if in == tensorName {
			return i
		}
	}
	return -1
}

// ConstantValue resolves a tensor name to a statically known constant:
// first a Constant-op producer, then an initializer. Returns nil when the
// value is produced by a non-constant op, the dividing line between
// fusable and not fusable for many passes.
func (m *Model) ConstantValue(name string) *onnx.TensorProto {
	if name == "" {
		return nil
	}
	for _, node := range m.Nodes() {
		if node.OpType == "Constant" && len(node.Outputs) > 0 && node.Outputs[0] == name {
			if attr := onnx.Attr(node, "value"); attr != nil {
				return attr.T
			}
			return nil
		}
	}
	// Fallback to initializer since constant folding may have been applied.
	return m.GetInitializer(name)
}

// ConstantInput returns the first input of node that resolves to a
// constant, with its index. Returns (-1, nil) when none does.
func (m *Model) ConstantInput(node *onnx.NodeProto) (int, *onnx.TensorProto) {
	for i, in := range node.Inputs {
		if t := m.ConstantValue(in); t != nil {
			return i, t
		}
	}
	return -1, nil
}

// FindConstantInput returns the index of a scalar constant input whose
// value is within delta of expected, or -1.
func (m *Model) FindConstantInput(node *onnx.NodeProto, expected, delta float64) int {
	i, t := m.ConstantInput(node)
	if t == nil {
		return -1
	}
	v, ok := onnx.ScalarValue(t)
	if !ok {
		return -1
	}
	if diff := v - expected; diff < delta && diff > -delta {
		return i
	}
	return -1
}

// HasConstantInput reports whether node has a scalar constant input close
// to expected.
func (m *Model) HasConstantInput(node *onnx.NodeProto, expected, delta float64) bool {
	return m.FindConstantInput(node, expected, delta) >= 0
}

// IsSafeToFuse reports whether the candidate subgraph can be removed: no
// output of any candidate node other than the designated final outputs may
// be consumed by a node outside the candidate set or appear as a graph
// output. Callers union all nodes discovered through independent pattern
// walks before asking; the check is over that union, so edges internal to
// the set never count as escapes.
func (m *Model) IsSafeToFuse(candidates []*onnx.NodeProto, keepOutputs []string, consumers map[string][]*onnx.NodeProto) bool {
	if consumers == nil {
		consumers = m.Consumers()
	}
	inside := make(map[*onnx.NodeProto]bool, len(candidates))
	for _, node := range candidates {
		inside[node] = true
	}
	keep := make(map[string]bool, len(keepOutputs))
	for _, name := range keepOutputs {
		keep[name] = true
	}
	for _, node := range candidates {
		for _, out := range node.Outputs {
			if out == "" || keep[out] {
				continue
			}
			if m.IsGraphOutput(out) {
				return false
			}
			for _, user := range consumers[out] {
				if !inside[user] {
					return false
				}
			}
		}
	}
	return true
}

// ReplaceNodeInput renames every occurrence of oldName in node's inputs.
// Pure rename on one node: the model's cached indices go stale and the
// caller is responsible for invalidation or rebuild.
func ReplaceNodeInput(node *onnx.NodeProto, oldName, newName string) {
	for i, in := range node.Inputs {
		if in == oldName {
			node.Inputs[i] = newName
		}
	}
}

// ReplaceNodeOutput renames every occurrence of oldName in node's outputs.
func ReplaceNodeOutput(node *onnx.NodeProto, oldName, newName string) {
	for i, out := range node.Outputs {
		if out == oldName {
			node.Outputs[i] = newName
		}
	}
}

// ReplaceInputOfAllNodes renames an input across the whole graph.
func (m *Model) ReplaceInputOfAllNodes(oldName, newName string) {
	for _, node := range m.Nodes() {
		ReplaceNodeInput(node, oldName, newName)
	}
	m.invalidate()
}

// ReplaceOutputOfAllNodes renames an output across the whole graph.
func (m *Model) ReplaceOutputOfAllNodes(oldName, newName string) {
	for _, node := range m.Nodes() {
		ReplaceNodeOutput(node, oldName, newName)
	}
	m.invalidate()
}

// IsGraphInput reports whether name is a declared graph input.
func (m *Model) IsGraphInput(name string) bool {
	for i := range m.model.Graph.Inputs {
		if m.model.Graph.Inputs[i].Name == name {
			return true
		}
	}
	return false
}

// IsGraphOutput reports whether name is a declared graph output.
func (m *Model) IsGraphOutput(name string) bool {
	for i := range m.model.Graph.Outputs {
		if m.model.Graph.Outputs[i].Name == name {
			return true
		}
	}
	return false
}

// CreateNodeName returns a fresh node name "<prefix>_<n>", unique among the
// current nodes and all names handed out earlier.
func (m *Model) CreateNodeName(opType, prefix string) string {
	if prefix == "" {
		prefix = opType
	}
	if m.usedNames == nil {
		m.usedNames = make(map[string]bool)
		m.nameCounter = make(map[string]int)
	}
	inUse := func(name string) bool {
		if m.usedNames[name] {
			return true
		}
		for _, node := range m.Nodes() {
			if node.Name == name {
				return true
			}
		}
		return false
	}
	for {
		m.nameCounter[prefix]++
		name := fmt.Sprintf("%s_%d", prefix, m.nameCounter[prefix])
		if !inUse(name) {
			m.usedNames[name] = true
			return name
		}
	}
}

// SetOpsetImport records the opset version for a domain, replacing any
// existing entry. Fused nodes in a custom domain need their domain
// registered or downstream consumers will refuse the model.
func (m *Model) SetOpsetImport(domain string, version int64) {
	for i := range m.model.OpsetImport {
		if m.model.OpsetImport[i].Domain == domain {
			m.model.OpsetImport[i].Version = version
			return
		}
	}
	m.model.OpsetImport = append(m.model.OpsetImport, onnx.OperatorSetID{Domain: domain, Version: version})
}

// RemoveUnusedConstants drops Constant nodes and initializers that feed
// nothing and are not graph outputs.
func (m *Model) RemoveUnusedConstants() {
	consumers := m.Consumers()

	var unused []*onnx.NodeProto
	for _, node := range m.Nodes() {
		if node.OpType == "Constant" && len(node.Outputs) == 1 &&
			!m.IsGraphOutput(node.Outputs[0]) && len(consumers[node.Outputs[0]]) == 0 {
			unused = append(unused, node)
		}
	}
	m.RemoveNodes(unused)

	var unusedInits []*onnx.TensorProto
	for _, init := range m.model.Graph.Initializers {
		if len(m.Consumers()[init.Name]) == 0 && !m.IsGraphOutput(init.Name) {
			unusedInits = append(unusedInits, init)
		}
	}
	m.RemoveInitializers(unusedInits)
}

// requestedNames collects every tensor name a graph (and its control-flow
// subgraphs) reads: node inputs plus graph outputs.
func requestedNames(g *onnx.GraphProto, into map[string]bool) {
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if in != "" {
				into[in] = true
			}
		}
		for _, sub := range onnx.AttrGraphs(node) {
			requestedNames(sub, into)
		}
	}
	for i := range g.Outputs {
		if g.Outputs[i].Name != "" {
			into[g.Outputs[i].Name] = true
		}
	}
}

// CleanInitializers removes initializers nothing requests, walking
// control-flow subgraphs when collecting requested names. Removal itself
// applies to the top-level graph only.
func (m *Model) CleanInitializers() {
	requested := make(map[string]bool)
	requestedNames(m.model.Graph, requested)

	var unused []*onnx.TensorProto
	for _, init := range m.model.Graph.Initializers {
		if !requested[init.Name] {
			unused = append(unused, init)
		}
	}
	m.RemoveInitializers(unused)
}

// PruneGraph removes nodes that cannot reach any graph output, then cleans
// up constants and initializers they referenced. Passes that absorb shared
// subgraphs (attention masks) rely on this instead of staging every shared
// node for removal.
func (m *Model) PruneGraph() {
	producers := m.Producers()

	live := make(map[*onnx.NodeProto]bool)
	var frontier []*onnx.NodeProto
	for i := range m.model.Graph.Outputs {
		if p, ok := producers[m.model.Graph.Outputs[i].Name]; ok && !live[p] {
			live[p] = true
			frontier = append(frontier, p)
		}
	}
	for len(frontier) > 0 {
		node := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		// Control-flow subgraphs (If/Loop/Scan bodies) read outer-scope
		// tensors by name; their producers are as live as direct inputs.
		reads := make(map[string]bool)
		for _, in := range node.Inputs {
			if in != "" {
				reads[in] = true
			}
		}
		for _, sub := range onnx.AttrGraphs(node) {
			requestedNames(sub, reads)
		}
		for in := range reads {
			if p, ok := producers[in]; ok && !live[p] {
				live[p] = true
				frontier = append(frontier, p)
			}
		}
	}

	var dead []*onnx.NodeProto
	for _, node := range m.Nodes() {
		if !live[node] {
			dead = append(dead, node)
		}
	}
	m.RemoveNodes(dead)
	m.RemoveUnusedConstants()
	m.CleanInitializers()
}
