package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// Pass is one graph-rewrite rule applied over a full candidate scan.
type Pass interface {
	Name() string
	// Apply scans the current node list for anchor candidates, stages a
	// replacement for every successful match, and commits the batch.
	// The returned error is reserved for fatal graph-invariant violations;
	// a candidate that simply does not match is not an error.
	Apply() error
	// Fused reports how many subgraphs the pass replaced.
	Fused() int
	// NeedsPrune reports whether the pass absorbed shared subgraphs that
	// must be cleaned up by output-reachability pruning instead of staged
	// removal.
	NeedsPrune() bool
}

// fuseFunc inspects one anchor candidate against prebuilt indices. The
// indices describe the graph as it stood at the start of the scan; staged
// changes are not visible until commit.
type fuseFunc func(node *onnx.NodeProto, consumers map[string][]*onnx.NodeProto, producers map[string]*onnx.NodeProto) error

// fusion carries the per-pass staging state: nodes to add and remove, new
// and replaced initializers, tombstones. Committed atomically per pass,
// discarded per candidate on any match failure (a failed candidate stages
// nothing at all).
type fusion struct {
	model *graph.Model
	log   *slog.Logger
	name  string

	nodesToAdd    []*onnx.NodeProto
	nodesToRemove []*onnx.NodeProto
	tombstones    map[*onnx.NodeProto]bool
	newInits      []*onnx.TensorProto
	replacedInits []*onnx.TensorProto

	prune bool
	fused int
}

func newFusion(model *graph.Model, log *slog.Logger, name string) fusion {
	if log == nil {
		log = slog.Default()
	}
	return fusion{
		model:      model,
		log:        log,
		name:       name,
		tombstones: make(map[*onnx.NodeProto]bool),
	}
}

func (f *fusion) Fused() int {
	return f.fused
}

func (f *fusion) NeedsPrune() bool {
	return f.prune
}

// run drives one scan-and-commit cycle. The node list is snapshotted so
// staged additions are never revisited within the same cycle, and nodes
// staged for removal are tombstoned immediately; passes consult the
// tombstones through claimed before staging, because the prebuilt indices
// still let a later anchor match backward into a dead subgraph.
func (f *fusion) run(anchors []string, fn fuseFunc) error {
	consumers := f.model.Consumers()
	producers := f.model.Producers()
	snapshot := append([]*onnx.NodeProto(nil), f.model.Nodes()...)
	for _, node := range snapshot {
		if f.tombstones[node] {
			continue
		}
		if !anchorMatch(anchors, node.OpType) {
			continue
		}
		if err := fn(node, consumers, producers); err != nil {
			return err
		}
	}
	f.commit()
	return nil
}

// claimed reports whether any of the nodes was already staged for removal
// by an earlier match in the same cycle. The indices describe the pre-scan
// graph, so two anchors can resolve to one shared subgraph; staging it
// twice would put two producers on the same output name. Passes must check
// their full removal set here before staging anything.
func (f *fusion) claimed(nodes []*onnx.NodeProto) bool {
	for _, node := range nodes {
		if f.tombstones[node] {
			return true
		}
	}
	return false
}

// stage records one successful match: the replacement nodes and the
// subgraph they supersede.
func (f *fusion) stage(add []*onnx.NodeProto, remove []*onnx.NodeProto) {
	f.nodesToAdd = append(f.nodesToAdd, add...)
	f.nodesToRemove = append(f.nodesToRemove, remove...)
	for _, node := range remove {
		f.tombstones[node] = true
	}
	f.fused++
}

func (f *fusion) stageInitializer(t *onnx.TensorProto) {
	f.newInits = append(f.newInits, t)
}

func (f *fusion) stageReplacement(t *onnx.TensorProto) {
	f.replacedInits = append(f.replacedInits, t)
}

// commit applies the staged batch: removals first, then additions, then
// initializer updates. The Model invalidates its cached indices on every
// node-list mutation, so nothing here can be observed half-applied through
// a stale index. The committer trusts the passes' safety gate and does not
// re-validate consumer reachability.
func (f *fusion) commit() {
	f.model.RemoveNodes(f.nodesToRemove)
	f.model.AddNodes(f.nodesToAdd)
	for _, t := range f.newInits {
		f.model.AddInitializer(t)
	}
	for _, t := range f.replacedInits {
		f.model.ReplaceInitializer(t)
	}
	f.nodesToAdd = nil
	f.nodesToRemove = nil
	f.newInits = nil
	f.replacedInits = nil
	f.tombstones = make(map[*onnx.NodeProto]bool)
}

func anchorMatch(anchors []string, opType string) bool {
	for _, a := range anchors {
		if a == opType {
			return true
		}
	}
	return false
}
