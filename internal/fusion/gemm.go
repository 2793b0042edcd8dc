package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// GemmToMatMul rewrites Gemm nodes into MatMul (+ Add for the bias term)
// so the downstream MatMul-anchored passes see a uniform graph. Only the
// trivial parameterization qualifies: alpha == 1, beta == 1, transA == 0.
// A transB == 1 weight is folded by transposing the initializer in place;
// when B is a runtime tensor a Transpose node is inserted instead.
type GemmToMatMul struct {
	fusion
}

// NewGemmToMatMul builds the pass.
func NewGemmToMatMul(model *graph.Model, log *slog.Logger) *GemmToMatMul {
	return &GemmToMatMul{fusion: newFusion(model, log, "GemmToMatMul")}
}

func (f *GemmToMatMul) Name() string { return f.name }

func (f *GemmToMatMul) Apply() error {
	return f.run([]string{"Gemm"}, f.fuse)
}

func (f *GemmToMatMul) fuse(node *onnx.NodeProto, _ map[string][]*onnx.NodeProto, _ map[string]*onnx.NodeProto) error {
	alpha := onnx.AttrFloat(node, "alpha", 1)
	beta := onnx.AttrFloat(node, "beta", 1)
	transA := onnx.AttrInt(node, "transA", 0)
	transB := onnx.AttrInt(node, "transB", 0)

	if alpha != 1 || beta != 1 || transA != 0 {
		return nil
	}
	if len(node.Inputs) < 2 || len(node.Outputs) < 1 {
		return nil
	}

	var added []*onnx.NodeProto
	inputB := node.Inputs[1]
	if transB == 1 {
		if b := f.model.GetInitializer(inputB); b != nil {
			transposed, err := onnx.Transposed2D(b)
			if err != nil {
				f.log.Debug("replace_gemm_with_matmul: weight not transposable", "error", err)
				return nil
			}
			f.stageReplacement(transposed)
		} else {
			inputB += "_Transposed"
			added = append(added, onnx.NewNode(
				"Transpose", node.Name+"_Transpose",
				[]string{node.Inputs[1]}, []string{inputB}))
		}
	}

	hasBias := len(node.Inputs) > 2 && node.Inputs[2] != ""
	matmulOutput := node.Outputs[0]
	if hasBias {
		matmulOutput += "_MatMul"
	}
	added = append(added, onnx.NewNode(
		"MatMul", node.Name+"_MatMul",
		[]string{node.Inputs[0], inputB}, []string{matmulOutput}))
	if hasBias {
		added = append(added, onnx.NewNode(
			"Add", node.Name+"_Add",
			[]string{matmulOutput, node.Inputs[2]}, []string{node.Outputs[0]}))
	}

	f.stage(added, []*onnx.NodeProto{node})
	return nil
}
