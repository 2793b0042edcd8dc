package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *ModelProto {
	return &ModelProto{
		IRVersion:       8,
		ProducerName:    "pytorch",
		ProducerVersion: "2.1",
		ModelVersion:    3,
		DocString:       "round trip fixture",
		OpsetImport: []OperatorSetID{
			{Domain: "", Version: 17},
			{Domain: MSDomain, Version: 1},
		},
		MetadataProps: []StringStringEntry{{Key: "converted_by", Value: "onnxopt"}},
		Graph: &GraphProto{
			Name: "main",
			Nodes: []*NodeProto{
				NewNode("MatMul", "mm", []string{"x", "w"}, []string{"y"}),
				NewNode("QuickGelu", "qg", []string{"y"}, []string{"z"},
					FloatAttr("alpha", 1.702)),
			},
			Initializers: []*TensorProto{
				NewFloatTensor("w", []int64{2, 2}, []float32{1, 2, 3, 4}),
			},
			Inputs: []ValueInfoProto{{
				Name: "x",
				Type: &TypeProto{TensorType: &TensorTypeProto{
					ElemType: TensorProtoFloat,
					Shape: &TensorShapeProto{Dims: []DimensionProto{
						{DimParam: "batch"},
						{DimValue: 2},
					}},
				}},
			}},
			Outputs: []ValueInfoProto{{Name: "z"}},
		},
	}
}

func TestParse_RoundTrip(t *testing.T) {
	want := testModel()

	got, err := Parse(Marshal(want))
	require.NoError(t, err)

	assert.Equal(t, want.IRVersion, got.IRVersion)
	assert.Equal(t, want.ProducerName, got.ProducerName)
	assert.Equal(t, want.ProducerVersion, got.ProducerVersion)
	assert.Equal(t, want.ModelVersion, got.ModelVersion)
	assert.Equal(t, want.DocString, got.DocString)
	assert.Equal(t, want.OpsetImport, got.OpsetImport)
	assert.Equal(t, want.MetadataProps, got.MetadataProps)

	require.NotNil(t, got.Graph)
	assert.Equal(t, "main", got.Graph.Name)
	require.Len(t, got.Graph.Nodes, 2)
	assert.Equal(t, want.Graph.Nodes[0], got.Graph.Nodes[0])
	assert.Equal(t, want.Graph.Nodes[1], got.Graph.Nodes[1])
	require.Len(t, got.Graph.Initializers, 1)
	assert.Equal(t, want.Graph.Initializers[0], got.Graph.Initializers[0])
	assert.Equal(t, want.Graph.Inputs, got.Graph.Inputs)
	assert.Equal(t, want.Graph.Outputs, got.Graph.Outputs)
}

func TestParse_EmptyOptionalInputPreserved(t *testing.T) {
	m := testModel()
	// Attention-style node with omitted optional inputs in the middle.
	m.Graph.Nodes = append(m.Graph.Nodes,
		NewNode("Attention", "attn", []string{"z", "w", "b", "", "", "extra"}, []string{"out"}))

	got, err := Parse(Marshal(m))
	require.NoError(t, err)

	node := got.Graph.Nodes[2]
	require.Len(t, node.Inputs, 6)
	assert.Equal(t, "", node.Inputs[3])
	assert.Equal(t, "", node.Inputs[4])
	assert.Equal(t, "extra", node.Inputs[5])
}

func TestParse_NestedGraphAttribute(t *testing.T) {
	sub := &GraphProto{
		Name:    "then_branch",
		Nodes:   []*NodeProto{NewNode("Identity", "id", []string{"a"}, []string{"b"})},
		Outputs: []ValueInfoProto{{Name: "b"}},
	}
	m := testModel()
	ifNode := NewNode("If", "cond", []string{"flag"}, []string{"sel"})
	ifNode.Attributes = append(ifNode.Attributes, AttributeProto{
		Name: "then_branch",
		Type: AttributeProtoGraph,
		G:    sub,
	})
	m.Graph.Nodes = append(m.Graph.Nodes, ifNode)

	got, err := Parse(Marshal(m))
	require.NoError(t, err)

	attr := Attr(got.Graph.Nodes[2], "then_branch")
	require.NotNil(t, attr)
	require.NotNil(t, attr.G)
	assert.Equal(t, "then_branch", attr.G.Name)
	require.Len(t, attr.G.Nodes, 1)
	assert.Equal(t, "Identity", attr.G.Nodes[0].OpType)
}

func TestParse_LegacyTypedFields(t *testing.T) {
	m := testModel()
	m.Graph.Initializers = append(m.Graph.Initializers,
		&TensorProto{Name: "legacy_f", DataType: TensorProtoFloat, Dims: []int64{3}, FloatData: []float32{1, 2, 3}},
		&TensorProto{Name: "legacy_i", DataType: TensorProtoInt64, Dims: []int64{2}, Int64Data: []int64{7, -1}},
	)

	got, err := Parse(Marshal(m))
	require.NoError(t, err)

	require.Len(t, got.Graph.Initializers, 3)
	assert.Equal(t, []float32{1, 2, 3}, got.Graph.Initializers[1].FloatData)
	assert.Equal(t, []int64{7, -1}, got.Graph.Initializers[2].Int64Data)
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	want := testModel()

	require.NoError(t, WriteFile(path, want))

	got, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, want.Graph.Nodes, got.Graph.Nodes)
}

func TestParseFile_Missing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.onnx"))
	assert.Error(t, err)
}
