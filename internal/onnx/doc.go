// Package onnx provides the ONNX model container: hand-written proto
// structures, a wire-format codec built on protowire, and initializer
// payload helpers.
//
// Key components:
//   - ModelProto: Top-level ONNX model structure with metadata and graph
//   - GraphProto: Computation graph with nodes, inputs, outputs, and initializers
//   - NodeProto: Single operation in the graph (e.g., Conv, MatMul, Relu)
//   - TensorProto: Weight/initializer tensor with data and shape
//   - ValueInfoProto: Input/output tensor type information
//
// The rewrite engine in internal/graph and internal/fusion manipulates these
// structures as a declarative description of a computation; nothing in this
// module executes an operator.
//
// Example usage:
//
//	model, err := onnx.ParseFile("model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Graph: %s with %d nodes\n", model.Graph.Name, len(model.Graph.Nodes))
//	err = onnx.WriteFile("out.onnx", model)
package onnx
