package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/onnxopt/internal/onnx"
)

// matchModel builds a diamond:
//
//	x -> Mul -> Sigmoid -\
//	 \-------------------> Mul -> MatMul
func matchModel() *Model {
	return New(&onnx.ModelProto{Graph: &onnx.GraphProto{
		Nodes: []*onnx.NodeProto{
			onnx.NewNode("Mul", "first_mul", []string{"x", "alpha"}, []string{"scaled"}),
			onnx.NewNode("Sigmoid", "sigmoid", []string{"scaled"}, []string{"gate"}),
			onnx.NewNode("Mul", "second_mul", []string{"x", "gate"}, []string{"act"}),
			onnx.NewNode("MatMul", "proj", []string{"act", "w"}, []string{"y"}),
		},
		Initializers: []*onnx.TensorProto{
			onnx.NewScalarTensor("alpha", 1.702),
			onnx.NewFloatTensor("w", []int64{1, 1}, []float32{1}),
		},
		Inputs:  []onnx.ValueInfoProto{{Name: "x"}},
		Outputs: []onnx.ValueInfoProto{{Name: "y"}},
	}})
}

func TestMatchParent_ExactIndex(t *testing.T) {
	m := matchModel()
	proj := m.Nodes()[3]

	parent, idx := m.MatchParent(proj, "Mul", 0, nil, nil)
	require.NotNil(t, parent)
	assert.Equal(t, "second_mul", parent.Name)
	assert.Equal(t, 0, idx)

	// Wrong op type at that index.
	parent, _ = m.MatchParent(proj, "Sigmoid", 0, nil, nil)
	assert.Nil(t, parent)

	// Index pointing at an initializer has no producer.
	parent, _ = m.MatchParent(proj, "Mul", 1, nil, nil)
	assert.Nil(t, parent)
}

func TestMatchParent_AnyInput(t *testing.T) {
	m := matchModel()
	secondMul := m.Nodes()[2]

	parent, idx := m.MatchParent(secondMul, "Sigmoid", AnyInput, nil, nil)
	require.NotNil(t, parent)
	assert.Equal(t, "sigmoid", parent.Name)
	assert.Equal(t, 1, idx)
}

func TestMatchParent_Exclude(t *testing.T) {
	m := matchModel()
	secondMul := m.Nodes()[2]
	sigmoid := m.Nodes()[1]

	parent, _ := m.MatchParent(secondMul, "Sigmoid", AnyInput, nil, []*onnx.NodeProto{sigmoid})
	assert.Nil(t, parent)
}

func TestMatchParentPath(t *testing.T) {
	m := matchModel()
	proj := m.Nodes()[3]

	chain, indices := m.MatchParentPath(proj, []string{"Mul", "Sigmoid", "Mul"}, []int{0, 1, 0}, nil)
	require.Len(t, chain, 3)
	assert.Equal(t, "second_mul", chain[0].Name)
	assert.Equal(t, "sigmoid", chain[1].Name)
	assert.Equal(t, "first_mul", chain[2].Name)
	assert.Equal(t, []int{0, 1, 0}, indices)
}

func TestMatchParentPath_AllOrNothing(t *testing.T) {
	m := matchModel()
	proj := m.Nodes()[3]

	// Last hop fails: no partial chain comes back.
	chain, indices := m.MatchParentPath(proj, []string{"Mul", "Sigmoid", "Add"}, nil, nil)
	assert.Nil(t, chain)
	assert.Nil(t, indices)
}

func TestMatchParentPath_IndicesLengthMismatch(t *testing.T) {
	m := matchModel()
	chain, _ := m.MatchParentPath(m.Nodes()[3], []string{"Mul", "Sigmoid"}, []int{0}, nil)
	assert.Nil(t, chain)
}

func TestMatchParentPaths_Alternatives(t *testing.T) {
	m := matchModel()
	proj := m.Nodes()[3]

	which, chain, _ := m.MatchParentPaths(proj, []PathPattern{
		{Ops: []string{"Add"}, Indices: []int{0}},
		{Ops: []string{"Mul", "Sigmoid"}, Indices: []int{0, 1}},
	}, nil)
	assert.Equal(t, 1, which)
	require.Len(t, chain, 2)

	which, chain, _ = m.MatchParentPaths(proj, []PathPattern{
		{Ops: []string{"Add"}},
	}, nil)
	assert.Equal(t, -1, which)
	assert.Nil(t, chain)
}

func TestMatchFirstParent_SkipsEmptyInputs(t *testing.T) {
	m := matchModel()
	node := onnx.NewNode("Attention", "attn", []string{"", "act"}, []string{"o"})
	m.AddNode(node)

	parent, idx := m.MatchFirstParent(node, "Mul", nil, nil)
	require.NotNil(t, parent)
	assert.Equal(t, "second_mul", parent.Name)
	assert.Equal(t, 1, idx)
}

func TestFindFirstChildByType(t *testing.T) {
	m := matchModel()
	firstMul := m.Nodes()[0]

	// Immediate child only.
	child := m.FindFirstChildByType(firstMul, "MatMul", nil, false)
	assert.Nil(t, child)

	// Recursive walk reaches the projection.
	child = m.FindFirstChildByType(firstMul, "MatMul", nil, true)
	require.NotNil(t, child)
	assert.Equal(t, "proj", child.Name)
}
