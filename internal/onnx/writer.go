package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes an ONNX model to protobuf wire format.
func Marshal(m *ModelProto) []byte {
	return appendModelProto(nil, m)
}

// WriteFile serializes an ONNX model to a .onnx file.
//
//nolint:gosec // G306: model files are not secrets
func WriteFile(path string, m *ModelProto) error {
	if err := os.WriteFile(path, Marshal(m), 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// appendPackedFloats writes a packed float field (proto3 default encoding).
func appendPackedFloats(b []byte, num protowire.Number, vals []float32) []byte {
	if len(vals) == 0 {
		return b
	}
	payload := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		payload = protowire.AppendFixed32(payload, math.Float32bits(v))
	}
	return appendMessage(b, num, payload)
}

func appendPackedDoubles(b []byte, num protowire.Number, vals []float64) []byte {
	if len(vals) == 0 {
		return b
	}
	payload := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		payload = protowire.AppendFixed64(payload, math.Float64bits(v))
	}
	return appendMessage(b, num, payload)
}

func appendPackedVarints(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var payload []byte
	for _, v := range vals {
		payload = protowire.AppendVarint(payload, uint64(v))
	}
	return appendMessage(b, num, payload)
}

func appendModelProto(b []byte, m *ModelProto) []byte {
	b = appendVarint(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, appendGraphProto(nil, m.Graph))
	}
	for i := range m.OpsetImport {
		b = appendMessage(b, 8, appendOperatorSetID(nil, &m.OpsetImport[i]))
	}
	for i := range m.MetadataProps {
		entry := &m.MetadataProps[i]
		var payload []byte
		payload = appendString(payload, 1, entry.Key)
		payload = appendString(payload, 2, entry.Value)
		b = appendMessage(b, 14, payload)
	}
	return b
}

func appendGraphProto(b []byte, g *GraphProto) []byte {
	for _, node := range g.Nodes {
		b = appendMessage(b, 1, appendNodeProto(nil, node))
	}
	b = appendString(b, 2, g.Name)
	for _, init := range g.Initializers {
		b = appendMessage(b, 5, appendTensorProto(nil, init))
	}
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, appendValueInfoProto(nil, &g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, appendValueInfoProto(nil, &g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, appendValueInfoProto(nil, &g.ValueInfo[i]))
	}
	return b
}

func appendNodeProto(b []byte, n *NodeProto) []byte {
	// Input names keep their positions: empty strings mark omitted optional
	// inputs and must be written out, unlike empty proto3 scalars elsewhere.
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, appendAttributeProto(nil, &n.Attributes[i]))
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return b
}

func appendAttributeProto(b []byte, a *AttributeProto) []byte {
	b = appendString(b, 1, a.Name)
	if a.Type == AttributeProtoFloat {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	}
	if a.Type == AttributeProtoInt {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	}
	if a.Type == AttributeProtoString {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, 5, appendTensorProto(nil, a.T))
	}
	if a.G != nil {
		b = appendMessage(b, 6, appendGraphProto(nil, a.G))
	}
	b = appendPackedFloats(b, 7, a.Floats)
	b = appendPackedVarints(b, 8, a.Ints)
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	for i := range a.Tensors {
		b = appendMessage(b, 10, appendTensorProto(nil, &a.Tensors[i]))
	}
	for _, g := range a.Graphs {
		b = appendMessage(b, 11, appendGraphProto(nil, g))
	}
	b = appendString(b, 13, a.DocString)
	b = appendVarint(b, 20, int64(a.Type))
	return b
}

func appendTensorProto(b []byte, t *TensorProto) []byte {
	b = appendPackedVarints(b, 1, t.Dims)
	b = appendVarint(b, 2, int64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	if len(t.Int32Data) > 0 {
		vals := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			vals[i] = int64(v)
		}
		b = appendPackedVarints(b, 5, vals)
	}
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	b = appendPackedDoubles(b, 10, t.DoubleData)
	b = appendString(b, 12, t.DocString)
	return b
}

func appendValueInfoProto(b []byte, v *ValueInfoProto) []byte {
	b = appendString(b, 1, v.Name)
	if v.Type != nil {
		var payload []byte
		if v.Type.TensorType != nil {
			payload = appendMessage(payload, 1, appendTensorTypeProto(nil, v.Type.TensorType))
		}
		b = appendMessage(b, 2, payload)
	}
	b = appendString(b, 3, v.DocString)
	return b
}

func appendTensorTypeProto(b []byte, t *TensorTypeProto) []byte {
	b = appendVarint(b, 1, int64(t.ElemType))
	if t.Shape != nil {
		var payload []byte
		for i := range t.Shape.Dims {
			dim := &t.Shape.Dims[i]
			var dimPayload []byte
			dimPayload = appendVarint(dimPayload, 1, dim.DimValue)
			dimPayload = appendString(dimPayload, 2, dim.DimParam)
			payload = appendMessage(payload, 1, dimPayload)
		}
		b = appendMessage(b, 2, payload)
	}
	return b
}

func appendOperatorSetID(b []byte, o *OperatorSetID) []byte {
	b = appendString(b, 1, o.Domain)
	b = appendVarint(b, 2, o.Version)
	return b
}
