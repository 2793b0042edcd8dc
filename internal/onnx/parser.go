package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for ONNX model loading
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes.
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := parseModelProto(data, model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// decoder walks a protobuf message payload one field at a time.
type decoder struct {
	b []byte
}

func (d *decoder) done() bool {
	return len(d.b) == 0
}

func (d *decoder) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return num, typ, nil
}

func (d *decoder) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return nil
}

// float32Field reads one float field that may arrive packed (length-delimited)
// or as a single fixed32 value.
func (d *decoder) float32Field(typ protowire.Type, dst []float32) ([]float32, error) {
	if typ == protowire.BytesType {
		payload, err := d.bytes()
		if err != nil {
			return nil, err
		}
		sub := decoder{b: payload}
		for !sub.done() {
			v, err := sub.fixed32()
			if err != nil {
				return nil, err
			}
			dst = append(dst, math.Float32frombits(v))
		}
		return dst, nil
	}
	v, err := d.fixed32()
	if err != nil {
		return nil, err
	}
	return append(dst, math.Float32frombits(v)), nil
}

// float64Field reads one double field, packed or single fixed64.
func (d *decoder) float64Field(typ protowire.Type, dst []float64) ([]float64, error) {
	if typ == protowire.BytesType {
		payload, err := d.bytes()
		if err != nil {
			return nil, err
		}
		sub := decoder{b: payload}
		for !sub.done() {
			v, err := sub.fixed64()
			if err != nil {
				return nil, err
			}
			dst = append(dst, math.Float64frombits(v))
		}
		return dst, nil
	}
	v, err := d.fixed64()
	if err != nil {
		return nil, err
	}
	return append(dst, math.Float64frombits(v)), nil
}

// varintField reads one varint field, packed or single.
func (d *decoder) varintField(typ protowire.Type, dst []int64) ([]int64, error) {
	if typ == protowire.BytesType {
		payload, err := d.bytes()
		if err != nil {
			return nil, err
		}
		sub := decoder{b: payload}
		for !sub.done() {
			v, err := sub.varint()
			if err != nil {
				return nil, err
			}
			dst = append(dst, int64(v))
		}
		return dst, nil
	}
	v, err := d.varint()
	if err != nil {
		return nil, err
	}
	return append(dst, int64(v)), nil
}

//nolint:gocognit,gocyclo,cyclop // Protobuf parsing requires field-by-field switch logic for all ONNX message types
func parseModelProto(b []byte, m *ModelProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // ir_version
			v, err := d.varint()
			if err != nil {
				return err
			}
			m.IRVersion = int64(v)
		case 2: // producer_name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			m.ProducerName = string(s)
		case 3: // producer_version
			s, err := d.bytes()
			if err != nil {
				return err
			}
			m.ProducerVersion = string(s)
		case 4: // domain
			s, err := d.bytes()
			if err != nil {
				return err
			}
			m.Domain = string(s)
		case 5: // model_version
			v, err := d.varint()
			if err != nil {
				return err
			}
			m.ModelVersion = int64(v)
		case 6: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			m.DocString = string(s)
		case 7: // graph
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			g := &GraphProto{}
			if err := parseGraphProto(payload, g); err != nil {
				return err
			}
			m.Graph = g
		case 8: // opset_import
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			opset := OperatorSetID{}
			if err := parseOperatorSetID(payload, &opset); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
		case 14: // metadata_props
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			entry := StringStringEntry{}
			if err := parseStringStringEntry(payload, &entry); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, entry)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

//nolint:gocognit,gocyclo,cyclop // field-by-field switch
func parseGraphProto(b []byte, g *GraphProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // node
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			node := &NodeProto{}
			if err := parseNodeProto(payload, node); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, node)
		case 2: // name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			g.Name = string(s)
		case 5: // initializer
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			tensor := &TensorProto{}
			if err := parseTensorProto(payload, tensor); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, tensor)
		case 10: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			g.DocString = string(s)
		case 11, 12, 13: // input, output, value_info
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			vi := ValueInfoProto{}
			if err := parseValueInfoProto(payload, &vi); err != nil {
				return err
			}
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, vi)
			case 12:
				g.Outputs = append(g.Outputs, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

//nolint:gocognit,gocyclo,cyclop // field-by-field switch
func parseNodeProto(b []byte, n *NodeProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // input
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.Inputs = append(n.Inputs, string(s))
		case 2: // output
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.Outputs = append(n.Outputs, string(s))
		case 3: // name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.Name = string(s)
		case 4: // op_type
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.OpType = string(s)
		case 5: // attribute
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			attr := AttributeProto{}
			if err := parseAttributeProto(payload, &attr); err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, attr)
		case 6: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.DocString = string(s)
		case 7: // domain
			s, err := d.bytes()
			if err != nil {
				return err
			}
			n.Domain = string(s)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

//nolint:gocognit,gocyclo,cyclop,funlen // field-by-field switch
func parseAttributeProto(b []byte, a *AttributeProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			a.Name = string(s)
		case 2: // f
			v, err := d.fixed32()
			if err != nil {
				return err
			}
			a.F = math.Float32frombits(v)
		case 3: // i
			v, err := d.varint()
			if err != nil {
				return err
			}
			a.I = int64(v)
		case 4: // s
			s, err := d.bytes()
			if err != nil {
				return err
			}
			a.S = s
		case 5: // t
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			tensor := &TensorProto{}
			if err := parseTensorProto(payload, tensor); err != nil {
				return err
			}
			a.T = tensor
		case 6: // g
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			g := &GraphProto{}
			if err := parseGraphProto(payload, g); err != nil {
				return err
			}
			a.G = g
		case 7: // floats
			a.Floats, err = d.float32Field(typ, a.Floats)
			if err != nil {
				return err
			}
		case 8: // ints
			a.Ints, err = d.varintField(typ, a.Ints)
			if err != nil {
				return err
			}
		case 9: // strings
			s, err := d.bytes()
			if err != nil {
				return err
			}
			a.Strings = append(a.Strings, s)
		case 10: // tensors
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			tensor := TensorProto{}
			if err := parseTensorProto(payload, &tensor); err != nil {
				return err
			}
			a.Tensors = append(a.Tensors, tensor)
		case 11: // graphs
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			g := &GraphProto{}
			if err := parseGraphProto(payload, g); err != nil {
				return err
			}
			a.Graphs = append(a.Graphs, g)
		case 13: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			a.DocString = string(s)
		case 20: // type
			v, err := d.varint()
			if err != nil {
				return err
			}
			a.Type = int32(v)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

//nolint:gocognit,gocyclo,cyclop // field-by-field switch
func parseTensorProto(b []byte, t *TensorProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // dims
			t.Dims, err = d.varintField(typ, t.Dims)
			if err != nil {
				return err
			}
		case 2: // data_type
			v, err := d.varint()
			if err != nil {
				return err
			}
			t.DataType = int32(v)
		case 4: // float_data
			t.FloatData, err = d.float32Field(typ, t.FloatData)
			if err != nil {
				return err
			}
		case 5: // int32_data
			var vals []int64
			vals, err = d.varintField(typ, nil)
			if err != nil {
				return err
			}
			for _, v := range vals {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
		case 7: // int64_data
			t.Int64Data, err = d.varintField(typ, t.Int64Data)
			if err != nil {
				return err
			}
		case 8: // name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			t.Name = string(s)
		case 9: // raw_data
			s, err := d.bytes()
			if err != nil {
				return err
			}
			t.RawData = s
		case 10: // double_data
			t.DoubleData, err = d.float64Field(typ, t.DoubleData)
			if err != nil {
				return err
			}
		case 12: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			t.DocString = string(s)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseValueInfoProto(b []byte, v *ValueInfoProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // name
			s, err := d.bytes()
			if err != nil {
				return err
			}
			v.Name = string(s)
		case 2: // type
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			tp := &TypeProto{}
			if err := parseTypeProto(payload, tp); err != nil {
				return err
			}
			v.Type = tp
		case 3: // doc_string
			s, err := d.bytes()
			if err != nil {
				return err
			}
			v.DocString = string(s)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseTypeProto(b []byte, t *TypeProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // tensor_type
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			tt := &TensorTypeProto{}
			if err := parseTensorTypeProto(payload, tt); err != nil {
				return err
			}
			t.TensorType = tt
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseTensorTypeProto(b []byte, t *TensorTypeProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // elem_type
			v, err := d.varint()
			if err != nil {
				return err
			}
			t.ElemType = int32(v)
		case 2: // shape
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			shape := &TensorShapeProto{}
			if err := parseTensorShapeProto(payload, shape); err != nil {
				return err
			}
			t.Shape = shape
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseTensorShapeProto(b []byte, t *TensorShapeProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // dim
			payload, err := d.bytes()
			if err != nil {
				return err
			}
			dim := DimensionProto{}
			if err := parseDimensionProto(payload, &dim); err != nil {
				return err
			}
			t.Dims = append(t.Dims, dim)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDimensionProto(b []byte, dim *DimensionProto) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // dim_value
			v, err := d.varint()
			if err != nil {
				return err
			}
			dim.DimValue = int64(v)
		case 2: // dim_param
			s, err := d.bytes()
			if err != nil {
				return err
			}
			dim.DimParam = string(s)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseOperatorSetID(b []byte, o *OperatorSetID) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // domain
			s, err := d.bytes()
			if err != nil {
				return err
			}
			o.Domain = string(s)
		case 2: // version
			v, err := d.varint()
			if err != nil {
				return err
			}
			o.Version = int64(v)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseStringStringEntry(b []byte, e *StringStringEntry) error {
	d := decoder{b: b}
	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1: // key
			s, err := d.bytes()
			if err != nil {
				return err
			}
			e.Key = string(s)
		case 2: // value
			s, err := d.bytes()
			if err != nil {
				return err
			}
			e.Value = string(s)
		default:
			if err := d.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}
