package onnx

// Constructors for graph elements created by rewrite passes.

// NewNode builds a NodeProto with the given op type, name, and edges.
func NewNode(opType, name string, inputs, outputs []string, attrs ...AttributeProto) *NodeProto {
	return &NodeProto{
		Name:       name,
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, v []int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}
}

// FloatsAttr builds a FLOATS attribute.
func FloatsAttr(name string, v []float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloats, Floats: v}
}

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoString, S: []byte(v)}
}

// TensorAttr builds a TENSOR attribute.
func TensorAttr(name string, t *TensorProto) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoTensor, T: t}
}

// Attr returns the named attribute of a node, or nil.
func Attr(node *NodeProto, name string) *AttributeProto {
	for i := range node.Attributes {
		if node.Attributes[i].Name == name {
			return &node.Attributes[i]
		}
	}
	return nil
}

// AttrInt returns the named INT attribute value, or def when absent.
func AttrInt(node *NodeProto, name string, def int64) int64 {
	if a := Attr(node, name); a != nil && a.Type == AttributeProtoInt {
		return a.I
	}
	return def
}

// AttrFloat returns the named FLOAT attribute value, or def when absent.
func AttrFloat(node *NodeProto, name string, def float32) float32 {
	if a := Attr(node, name); a != nil && a.Type == AttributeProtoFloat {
		return a.F
	}
	return def
}

// AttrGraphs returns all subgraphs attached to a node through GRAPH and
// GRAPHS attributes (control-flow ops: If, Loop, Scan).
func AttrGraphs(node *NodeProto) []*GraphProto {
	var graphs []*GraphProto
	for i := range node.Attributes {
		attr := &node.Attributes[i]
		switch attr.Type {
		case AttributeProtoGraph:
			if attr.G != nil {
				graphs = append(graphs, attr.G)
			}
		case AttributeProtoGraphs:
			graphs = append(graphs, attr.Graphs...)
		}
	}
	return graphs
}
