package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// attentionModel builds one transformer self-attention block the way the
// exporter leaves it: separate Q/K/V projections (K without bias), scaled
// scores with an additive mask and a relative-position bias, and the output
// projection feeding a SkipLayerNormalization together with the residual.
func attentionModel() *graph.Model {
	nodes := []*onnx.NodeProto{
		onnx.NewNode("Gelu", "emb", []string{"x"}, []string{"root"}),

		// Q projection, bias on input 0 of the Add.
		onnx.NewNode("MatMul", "q_mm", []string{"root", "q_w"}, []string{"q_mm_out"}),
		onnx.NewNode("Add", "q_add", []string{"q_b", "q_mm_out"}, []string{"q_out"}),
		onnx.NewNode("Reshape", "q_rs", []string{"q_out", "shape4d"}, []string{"q_4d"}),
		onnx.NewNode("Transpose", "q_tp", []string{"q_4d"}, []string{"q_t"}),

		// K projection has no bias Add.
		onnx.NewNode("MatMul", "k_mm", []string{"root", "k_w"}, []string{"k_mm_out"}),
		onnx.NewNode("Reshape", "k_rs", []string{"k_mm_out", "shape4d"}, []string{"k_4d"}),
		onnx.NewNode("Transpose", "k_tp", []string{"k_4d"}, []string{"k_t"}),

		// V projection.
		onnx.NewNode("MatMul", "v_mm", []string{"root", "v_w"}, []string{"v_mm_out"}),
		onnx.NewNode("Add", "v_add", []string{"v_b", "v_mm_out"}, []string{"v_out"}),
		onnx.NewNode("Reshape", "v_rs", []string{"v_out", "shape4d"}, []string{"v_4d"}),
		onnx.NewNode("Transpose", "v_tp", []string{"v_4d"}, []string{"v_t"}),

		// Scores: QK^T / sqrt(d), additive mask, relative position bias.
		onnx.NewNode("MatMul", "qk_mm", []string{"q_t", "k_t"}, []string{"qk"}),
		onnx.NewNode("Div", "qk_div", []string{"qk", "sqrt_d"}, []string{"qk_scaled"}),
		onnx.NewNode("Add", "mask_add", []string{"qk_scaled", "mask_mul_out"}, []string{"masked"}),
		onnx.NewNode("Add", "rpb_add", []string{"masked", "rel_bias"}, []string{"scores"}),
		onnx.NewNode("Softmax", "softmax", []string{"scores"}, []string{"probs"}),

		// Additive mask chain, shared across layers in a full model.
		onnx.NewNode("Unsqueeze", "m_u1", []string{"mask"}, []string{"m1"}),
		onnx.NewNode("Unsqueeze", "m_u2", []string{"m1"}, []string{"m2"}),
		onnx.NewNode("Cast", "m_cast", []string{"m2"}, []string{"m3"}),
		onnx.NewNode("Sub", "m_sub", []string{"one", "m3"}, []string{"m4"}),
		onnx.NewNode("Mul", "m_mul", []string{"m4", "neg1e4"}, []string{"mask_mul_out"}),

		// Relative position bias arrives through a Mul.
		onnx.NewNode("Mul", "rpb_mul", []string{"rpb_raw", "rpb_scale"}, []string{"rel_bias"}),

		// Context and output projection.
		onnx.NewNode("MatMul", "qkv_mm", []string{"probs", "v_t"}, []string{"ctx"}),
		onnx.NewNode("Transpose", "ctx_tp", []string{"ctx"}, []string{"ctx_t"}),
		onnx.NewNode("Reshape", "ctx_rs", []string{"ctx_t", "shape3d"}, []string{"attn_out"}),
		onnx.NewNode("MatMul", "out_mm", []string{"attn_out", "o_w"}, []string{"o_mm_out"}),
		onnx.NewNode("Add", "out_add", []string{"o_mm_out", "o_b"}, []string{"o_out"}),
		onnx.NewNode("SkipLayerNormalization", "sln",
			[]string{"o_out", "root", "ln_w", "ln_b"}, []string{"final"}),
	}
	return graph.New(&onnx.ModelProto{
		IRVersion: 8,
		Graph: &onnx.GraphProto{
			Name:  "attention",
			Nodes: nodes,
			Initializers: []*onnx.TensorProto{
				onnx.NewFloatTensor("q_w", []int64{2, 2}, []float32{1, 2, 3, 4}),
				onnx.NewFloatTensor("k_w", []int64{2, 2}, []float32{5, 6, 7, 8}),
				onnx.NewFloatTensor("v_w", []int64{2, 2}, []float32{9, 10, 11, 12}),
				onnx.NewFloatTensor("q_b", []int64{2}, []float32{0.25, 0.5}),
				onnx.NewFloatTensor("v_b", []int64{2}, []float32{0.75, 1}),
				onnx.NewFloatTensor("o_w", []int64{2, 2}, []float32{1, 0, 0, 1}),
				onnx.NewFloatTensor("o_b", []int64{2}, []float32{0, 0}),
				onnx.NewFloatTensor("ln_w", []int64{2}, []float32{1, 1}),
				onnx.NewFloatTensor("ln_b", []int64{2}, []float32{0, 0}),
				onnx.NewScalarTensor("sqrt_d", 1.4142135),
				onnx.NewScalarTensor("one", 1),
				onnx.NewScalarTensor("neg1e4", -10000),
				onnx.NewScalarTensor("rpb_scale", 1),
				onnx.NewInt64Tensor("shape4d", []int64{4}, []int64{0, 0, 1, 2}),
				onnx.NewInt64Tensor("shape3d", []int64{3}, []int64{0, 0, 2}),
			},
			Inputs: []onnx.ValueInfoProto{
				{Name: "x"}, {Name: "mask"}, {Name: "rpb_raw"},
			},
			Outputs: []onnx.ValueInfoProto{{Name: "final"}},
		},
	})
}

func TestAttention_Fuse(t *testing.T) {
	m := attentionModel()
	pass := NewAttention(m, nil, 1, 2)

	require.NoError(t, pass.Apply())
	assert.Equal(t, 1, pass.Fused())
	assert.True(t, pass.NeedsPrune())

	fused := m.Producers()["attn_out"]
	require.NotNil(t, fused)
	assert.Equal(t, "Attention", fused.OpType)
	assert.Equal(t, onnx.MSDomain, fused.Domain)
	assert.Equal(t, int64(1), onnx.AttrInt(fused, "num_heads", 0))
	// Equal Q/K/V widths: no qkv_hidden_sizes attribute.
	assert.Nil(t, onnx.Attr(fused, "qkv_hidden_sizes"))
	// Default -10000 mask fill: no mask_filter_value attribute.
	assert.Nil(t, onnx.Attr(fused, "mask_filter_value"))

	require.Len(t, fused.Inputs, 6)
	assert.Equal(t, "root", fused.Inputs[0])
	assert.Equal(t, "mask", fused.Inputs[3])
	assert.Equal(t, "", fused.Inputs[4])
	assert.Equal(t, "rel_bias", fused.Inputs[5])

	// Packed QKV weight: rows interleave q, k, v columns.
	weight := m.GetInitializer(fused.Inputs[1])
	require.NotNil(t, weight)
	assert.Equal(t, []int64{2, 6}, weight.Dims)
	wVals, err := onnx.Float32Values(weight)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		1, 2, 5, 6, 9, 10,
		3, 4, 7, 8, 11, 12,
	}, wVals)

	// Packed bias with zeros in the K slot.
	bias := m.GetInitializer(fused.Inputs[2])
	require.NotNil(t, bias)
	bVals, err := onnx.Float32Values(bias)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 0, 0, 0.75, 1}, bVals)

	// The score chain and QKV packing nodes are gone.
	producers := m.Producers()
	for _, name := range []string{"qk", "scores", "probs", "ctx", "k_t", "v_t"} {
		assert.NotContains(t, producers, name)
	}

	// Pruning clears the now-dangling projection and mask chains.
	m.PruneGraph()
	require.NoError(t, m.Validate())
	require.NoError(t, m.TopologicalSort())
	producers = m.Producers()
	for _, name := range []string{"q_t", "k_mm_out", "v_out", "mask_mul_out"} {
		assert.NotContains(t, producers, name)
	}
	assert.Contains(t, producers, "rel_bias")
	assert.Contains(t, producers, "final")
}

func TestAttention_Float16WeightsKeepPrecision(t *testing.T) {
	m := attentionModel()
	for _, name := range []string{"q_w", "k_w", "v_w", "q_b", "v_b"} {
		src := m.GetInitializer(name)
		half, err := onnx.ConvertedToFloat16(src)
		require.NoError(t, err)
		m.ReplaceInitializer(half)
	}

	pass := NewAttention(m, nil, 1, 2)
	require.NoError(t, pass.Apply())
	require.Equal(t, 1, pass.Fused())

	fused := m.Producers()["attn_out"]
	require.NotNil(t, fused)
	assert.Equal(t, int32(onnx.TensorProtoFloat16), m.GetInitializer(fused.Inputs[1]).DataType)
	assert.Equal(t, int32(onnx.TensorProtoFloat16), m.GetInitializer(fused.Inputs[2]).DataType)
}

func TestAttention_DifferingVWidth(t *testing.T) {
	m := attentionModel()
	// V projects to width 3 while Q and K stay at 2.
	m.ReplaceInitializer(onnx.NewFloatTensor("v_w", []int64{2, 3}, []float32{9, 10, 11, 12, 13, 14}))
	m.ReplaceInitializer(onnx.NewFloatTensor("v_b", []int64{3}, []float32{0.75, 1, 1.25}))

	pass := NewAttention(m, nil, 1, 2)
	require.NoError(t, pass.Apply())
	require.Equal(t, 1, pass.Fused())

	fused := m.Producers()["attn_out"]
	require.NotNil(t, fused)
	attr := onnx.Attr(fused, "qkv_hidden_sizes")
	require.NotNil(t, attr)
	assert.Equal(t, []int64{2, 2, 3}, attr.Ints)

	weight := m.GetInitializer(fused.Inputs[1])
	assert.Equal(t, []int64{2, 7}, weight.Dims)
}

func TestAttention_RejectsRuntimeWeight(t *testing.T) {
	m := attentionModel()
	// Q weight is produced at runtime, not an initializer.
	for i, init := range m.Graph().Initializers {
		if init.Name == "q_w" {
			m.Graph().Initializers = append(
				m.Graph().Initializers[:i], m.Graph().Initializers[i+1:]...)
			break
		}
	}
	m.Graph().Inputs = append(m.Graph().Inputs, onnx.ValueInfoProto{Name: "q_w"})

	pass := NewAttention(m, nil, 1, 2)
	require.NoError(t, pass.Apply())
	assert.Equal(t, 0, pass.Fused())
	assert.Len(t, m.Nodes(), 29)
}

func TestAttention_RejectsZeroHeads(t *testing.T) {
	m := attentionModel()
	pass := NewAttention(m, nil, 0, 0)

	require.NoError(t, pass.Apply())
	assert.Equal(t, 0, pass.Fused())
}

func TestAttention_RejectsExternalConsumer(t *testing.T) {
	m := attentionModel()
	// Someone outside the block reads the attention probabilities.
	m.AddNode(onnx.NewNode("Identity", "spy", []string{"probs"}, []string{"spy_out"}))
	m.Graph().Outputs = append(m.Graph().Outputs, onnx.ValueInfoProto{Name: "spy_out"})

	pass := NewAttention(m, nil, 1, 2)
	require.NoError(t, pass.Apply())
	assert.Equal(t, 0, pass.Fused())
	assert.Len(t, m.Nodes(), 30)
}
