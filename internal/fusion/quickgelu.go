package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// QuickGelu approximation constant: x * sigmoid(alpha * x). The literal is
// the float16 rounding of 1.702 that exporters emit.
const QuickGeluAlpha = 1.7021484375

// ScalarTolerance bounds how far a matched scalar constant may sit from
// its reference value before the fusion refuses the candidate. Exposed as
// a named constant so the matching behavior stays auditable.
const ScalarTolerance = 1e-6

// QuickGelu fuses the x * sigmoid(alpha*x) activation subgraph:
//
//	root_input
//	/        \
//	|         Mul (B ~= alpha)
//	\          |
//	 \      Sigmoid
//	  \      /
//	    Mul
//	     |
//	   MatMul   [anchor]
//
// into a single com.microsoft QuickGelu node.
type QuickGelu struct {
	fusion

	// Alpha and Tolerance configure the scalar-constant gate. Exporters
	// that round the constant differently can widen the tolerance rather
	// than patching the pass.
	Alpha     float64
	Tolerance float64
}

// NewQuickGelu builds the pass with the reference alpha and tolerance.
func NewQuickGelu(model *graph.Model, log *slog.Logger) *QuickGelu {
	return &QuickGelu{
		fusion:    newFusion(model, log, "QuickGelu"),
		Alpha:     QuickGeluAlpha,
		Tolerance: ScalarTolerance,
	}
}

func (f *QuickGelu) Name() string { return f.name }

func (f *QuickGelu) Apply() error {
	return f.run([]string{"MatMul"}, f.fuse)
}

func (f *QuickGelu) fuse(node *onnx.NodeProto, consumers map[string][]*onnx.NodeProto, producers map[string]*onnx.NodeProto) error {
	secondMulPath, _ := f.model.MatchParentPath(node, []string{"Mul"}, []int{0}, producers)
	if secondMulPath == nil {
		f.log.Debug("fuse_quickgelu: failed to match second Mul node")
		return nil
	}
	secondMul := secondMulPath[0]

	// The root may be an Add (residual) or a MatMul output.
	var rootInput string
	if p, _ := f.model.MatchParentPath(secondMul, []string{"Add"}, []int{0}, producers); p != nil {
		rootInput = p[0].Outputs[0]
	} else if p, _ := f.model.MatchParentPath(secondMul, []string{"MatMul"}, []int{0}, producers); p != nil {
		rootInput = p[0].Outputs[0]
	} else {
		f.log.Debug("fuse_quickgelu: failed to match root input")
		return nil
	}

	sigmoidPath, _ := f.model.MatchParentPath(secondMul, []string{"Sigmoid"}, []int{1}, producers)
	if sigmoidPath == nil {
		f.log.Debug("fuse_quickgelu: failed to match Sigmoid node")
		return nil
	}
	sigmoid := sigmoidPath[0]

	firstMulPath, _ := f.model.MatchParentPath(sigmoid, []string{"Mul"}, []int{0}, producers)
	if firstMulPath == nil {
		f.log.Debug("fuse_quickgelu: failed to match first Mul node")
		return nil
	}
	firstMul := firstMulPath[0]

	if len(firstMul.Inputs) < 2 {
		return nil
	}
	alphaTensor := f.model.ConstantValue(firstMul.Inputs[1])
	alpha, ok := onnx.ScalarValue(alphaTensor)
	if !ok {
		f.log.Debug("fuse_quickgelu: approximation constant is not statically known")
		return nil
	}
	if diff := alpha - f.Alpha; diff > f.Tolerance || diff < -f.Tolerance {
		f.log.Debug("fuse_quickgelu: failed to match approximation value", "value", alpha)
		return nil
	}

	if firstMul.Inputs[0] != rootInput {
		f.log.Debug("fuse_quickgelu: failed to match root input with first Mul node's input")
		return nil
	}

	candidates := []*onnx.NodeProto{firstMul, sigmoid, secondMul}
	if f.claimed(candidates) {
		f.log.Debug("fuse_quickgelu: subgraph taken by an earlier match, skipping")
		return nil
	}
	if !f.model.IsSafeToFuse(candidates, []string{secondMul.Outputs[0]}, consumers) {
		f.log.Debug("fuse_quickgelu: subgraph output has external consumers, skipping")
		return nil
	}

	fused := onnx.NewNode(
		"QuickGelu",
		f.model.CreateNodeName("QuickGelu", ""),
		[]string{rootInput},
		[]string{secondMul.Outputs[0]},
		onnx.FloatAttr("alpha", float32(alpha)),
	)
	fused.Domain = onnx.MSDomain

	f.stage([]*onnx.NodeProto{fused}, candidates)
	return nil
}
