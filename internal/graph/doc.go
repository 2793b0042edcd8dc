// Package graph wraps a mutable ONNX dataflow graph with the indices,
// pattern matching, and ordering guarantees the fusion passes build on.
//
// Relationships between nodes are not first-class edges; they are derived
// from tensor names through two indices built on demand:
//
//	input name  -> consuming nodes   (a name may feed many nodes)
//	output name -> producing node    (exactly one producer)
//
// Both caches are invalidated whenever the node list is mutated. Getting
// that invalidation wrong is the classic source of silent corruption in
// graph rewriters, so every mutation goes through Model methods.
//
// Invariants guarded here, not in the passes:
//   - single-writer: each tensor name is produced by at most one node
//     (Validate)
//   - acyclicity: TopologicalSort fails with ErrNotADAG on a cycle
package graph
