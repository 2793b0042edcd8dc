package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// QOrderedMatMul fuses a quantize-sandwiched MatMul:
//
//	DequantizeLinear   DequantizeLinear (constant weight)
//	         \         /
//	          MatMul            [anchor]
//	            |
//	           Add (bias)
//	            |
//	          [Add (residual, via DequantizeLinear)]
//	            |
//	     QuantizeLinear
//
// into a com.microsoft QOrderedMatMul. Symmetric quantization is required:
// every zero point must be exactly zero and every scale statically known.
// On success the weight initializer is transposed row->col and the bias is
// rescaled into the quantized output domain; both as replacement tensors,
// never in-place payload edits.
type QOrderedMatMul struct {
	fusion
}

// NewQOrderedMatMul builds the pass.
func NewQOrderedMatMul(model *graph.Model, log *slog.Logger) *QOrderedMatMul {
	return &QOrderedMatMul{fusion: newFusion(model, log, "QOrderedMatMul")}
}

func (f *QOrderedMatMul) Name() string { return f.name }

func (f *QOrderedMatMul) Apply() error {
	return f.run([]string{"MatMul"}, f.fuse)
}

// constantScalar resolves name to a statically known scalar.
func (f *QOrderedMatMul) constantScalar(name string) (float64, bool) {
	return onnx.ScalarValue(f.model.ConstantValue(name))
}

// qdqParamsValid checks the symmetric-quantization precondition on a
// QuantizeLinear/DequantizeLinear node: statically known scale, zero point
// exactly zero.
func (f *QOrderedMatMul) qdqParamsValid(node *onnx.NodeProto) bool {
	if len(node.Inputs) < 3 {
		return false
	}
	if _, ok := f.constantScalar(node.Inputs[1]); !ok {
		return false
	}
	zp, ok := f.constantScalar(node.Inputs[2])
	return ok && zp == 0
}

//nolint:gocognit,gocyclo,cyclop,funlen // the sandwich walk is one long chain of preconditions
func (f *QOrderedMatMul) fuse(node *onnx.NodeProto, consumers map[string][]*onnx.NodeProto, producers map[string]*onnx.NodeProto) error {
	children := f.model.Children(node, consumers)

	// Should only have 1 child - bias Add.
	if len(children) != 1 || children[0].OpType != "Add" {
		return nil
	}
	biasAdd := children[0]
	if len(biasAdd.Inputs) < 2 {
		return nil
	}

	// At least one of the inputs to the bias Add must be a constant.
	biasIndex := 0
	if f.model.ConstantValue(biasAdd.Inputs[0]) == nil {
		if f.model.ConstantValue(biasAdd.Inputs[1]) == nil {
			return nil
		}
		biasIndex = 1
	}

	addChildren := f.model.Children(biasAdd, consumers)
	if len(addChildren) != 1 {
		return nil
	}
	addChild := addChildren[0]

	// The bias Add can have another Add downstream (residual layer).
	var residualAdd *onnx.NodeProto
	var downstreamQuantize *onnx.NodeProto
	switch addChild.OpType {
	case "Add":
		residualAdd = addChild
		residualChildren := f.model.Children(residualAdd, consumers)
		if len(residualChildren) != 1 || residualChildren[0].OpType != "QuantizeLinear" {
			return nil
		}
		downstreamQuantize = residualChildren[0]
	case "QuantizeLinear":
		downstreamQuantize = addChild
	default:
		return nil
	}

	if len(downstreamQuantize.Inputs) < 3 {
		return nil
	}
	yScale, ok := f.constantScalar(downstreamQuantize.Inputs[1])
	if !ok || yScale == 0 {
		return nil
	}
	yZeroPoint, ok := f.constantScalar(downstreamQuantize.Inputs[2])
	if !ok || yZeroPoint != 0 {
		return nil
	}

	// The first MatMul input flows through a DequantizeLinear, either
	// directly or through a Reshape/Transpose pair left by an earlier
	// attention rewrite.
	var reshape0, transpose0, dequantize0 *onnx.NodeProto
	pathID, parents, _ := f.model.MatchParentPaths(node, []graph.PathPattern{
		{Ops: []string{"DequantizeLinear"}, Indices: []int{0}},
	}, producers)
	if pathID < 0 {
		pathID, parents, _ = f.model.MatchParentPaths(node, []graph.PathPattern{
			{Ops: []string{"Reshape", "Transpose", "DequantizeLinear", "QuantizeLinear"}, Indices: []int{0, 0, 0, 0}},
		}, producers)
		if pathID < 0 {
			return nil
		}
		reshape0 = parents[0]
		transpose0 = parents[1]
		dequantize0 = parents[2]
	} else {
		dequantize0 = parents[0]
	}
	if !f.qdqParamsValid(dequantize0) {
		return nil
	}

	// The second MatMul input must be a dequantized constant weight.
	secondID, secondParents, _ := f.model.MatchParentPaths(node, []graph.PathPattern{
		{Ops: []string{"DequantizeLinear"}, Indices: []int{1}},
	}, producers)
	if secondID < 0 {
		return nil
	}
	dequantize1 := secondParents[0]
	if f.model.ConstantValue(dequantize1.Inputs[0]) == nil {
		return nil
	}
	if !f.qdqParamsValid(dequantize1) {
		return nil
	}

	// The residual branch must also flow through a DequantizeLinear.
	var residualDequantize *onnx.NodeProto
	if residualAdd != nil {
		resID, resParents, _ := f.model.MatchParentPaths(residualAdd, []graph.PathPattern{
			{Ops: []string{"DequantizeLinear"}, Indices: []int{1}},
			{Ops: []string{"DequantizeLinear"}, Indices: []int{0}},
		}, producers)
		if resID < 0 {
			return nil
		}
		residualDequantize = resParents[0]
		if !f.qdqParamsValid(residualDequantize) {
			return nil
		}
	}

	subgraph := []*onnx.NodeProto{node, biasAdd}
	if residualAdd != nil {
		subgraph = append(subgraph, residualAdd)
	}
	subgraph = append(subgraph, dequantize1, downstreamQuantize)

	if f.claimed(subgraph) {
		f.log.Debug("fuse_qordered_matmul: subgraph taken by an earlier match, skipping")
		return nil
	}
	if !f.model.IsSafeToFuse(subgraph, downstreamQuantize.Outputs, consumers) {
		f.log.Debug("it is not safe to fuse QOrderedMatMul node, skipping")
		return nil
	}

	// The weight and bias need post-processing before the kernel can use
	// them: weight from row- to column-major order, bias into the
	// quantized output domain.
	weight := f.model.GetInitializer(dequantize1.Inputs[0])
	if weight == nil {
		return nil
	}
	transposedWeight, err := onnx.Transposed2D(weight)
	if err != nil {
		f.log.Debug("fuse_qordered_matmul: weight not transposable", "error", err)
		return nil
	}
	bias := f.model.GetInitializer(biasAdd.Inputs[biasIndex])
	if bias == nil {
		return nil
	}
	scaledBias, err := onnx.Scaled1D(bias, 1/yScale)
	if err != nil {
		f.log.Debug("fuse_qordered_matmul: bias not scalable", "error", err)
		return nil
	}

	if transpose0 != nil {
		// Bypass the dequantize on the activation path: the fused kernel
		// consumes the quantized tensor directly.
		graph.ReplaceNodeInput(transpose0, transpose0.Inputs[0], dequantize0.Inputs[0])
	}

	fusedInputs := []string{
		dequantize0.Inputs[0],
		dequantize0.Inputs[1],
		dequantize1.Inputs[0],
		dequantize1.Inputs[1],
		downstreamQuantize.Inputs[1],
		biasAdd.Inputs[biasIndex],
	}
	if reshape0 != nil {
		fusedInputs[0] = reshape0.Outputs[0]
	}
	if residualAdd != nil {
		fusedInputs = append(fusedInputs, residualDequantize.Inputs[0], residualDequantize.Inputs[1])
	}

	fused := onnx.NewNode(
		"QOrderedMatMul",
		f.model.CreateNodeName("QOrderedMatMul", "QOrderedMatMul"),
		fusedInputs,
		[]string{downstreamQuantize.Outputs[0]},
		onnx.IntAttr("order_A", 1),
		onnx.IntAttr("order_B", 0),
		onnx.IntAttr("order_Y", 1),
	)
	fused.Domain = onnx.MSDomain

	f.stageReplacement(transposedWeight)
	f.stageReplacement(scaledBias)
	f.stage([]*onnx.NodeProto{fused}, subgraph)
	return nil
}
