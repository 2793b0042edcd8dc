package optimize

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/onnxopt/internal/onnx"
)

func quickGeluBytes() []byte {
	return onnx.Marshal(&onnx.ModelProto{
		IRVersion:   8,
		OpsetImport: []onnx.OperatorSetID{{Domain: "", Version: 17}},
		Graph: &onnx.GraphProto{
			Name: "quickgelu",
			Nodes: []*onnx.NodeProto{
				onnx.NewNode("Add", "root", []string{"x", "b"}, []string{"root_out"}),
				onnx.NewNode("Mul", "first_mul", []string{"root_out", "alpha"}, []string{"scaled"}),
				onnx.NewNode("Sigmoid", "sigmoid", []string{"scaled"}, []string{"gate"}),
				onnx.NewNode("Mul", "second_mul", []string{"root_out", "gate"}, []string{"act"}),
				onnx.NewNode("MatMul", "proj", []string{"act", "w"}, []string{"y"}),
			},
			Initializers: []*onnx.TensorProto{
				onnx.NewScalarTensor("alpha", 1.7021484375),
				onnx.NewFloatTensor("b", []int64{2}, []float32{0, 0}),
				onnx.NewFloatTensor("w", []int64{2, 2}, []float32{1, 0, 0, 1}),
			},
			Inputs:  []onnx.ValueInfoProto{{Name: "x"}},
			Outputs: []onnx.ValueInfoProto{{Name: "y"}},
		},
	})
}

func TestBytes(t *testing.T) {
	out, counts, err := Bytes(quickGeluBytes(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["QuickGelu"])

	got, err := onnx.Parse(out)
	require.NoError(t, err)
	require.Len(t, got.Graph.Nodes, 3)

	var fused *onnx.NodeProto
	for _, node := range got.Graph.Nodes {
		if node.OpType == "QuickGelu" {
			fused = node
		}
	}
	require.NotNil(t, fused)
	assert.Equal(t, onnx.MSDomain, fused.Domain)
}

func TestBytes_InvalidInput(t *testing.T) {
	_, _, err := Bytes([]byte{0xde, 0xad}, Options{})
	assert.Error(t, err)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "model.onnx")
	out := filepath.Join(dir, "model.opt.onnx")

	model, err := onnx.Parse(quickGeluBytes())
	require.NoError(t, err)
	require.NoError(t, onnx.WriteFile(in, model))

	counts, err := File(in, out, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["QuickGelu"])

	got, err := onnx.ParseFile(out)
	require.NoError(t, err)
	assert.Len(t, got.Graph.Nodes, 3)
}

func TestFile_MissingInput(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "nope.onnx"), "out.onnx", Options{})
	assert.Error(t, err)
}
