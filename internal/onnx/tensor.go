package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Initializer payload access and transforms.
//
// Transforms are pure: they return new tensors and never mutate payload
// bytes in place, so an initializer shared with a not-yet-committed node is
// never corrupted by an aborted fusion.

// ElementSize returns the byte width of one element, or 0 for types without
// a fixed width (string).
func ElementSize(dataType int32) int {
	switch dataType {
	case TensorProtoFloat, TensorProtoInt32, TensorProtoUint32:
		return 4
	case TensorProtoDouble, TensorProtoInt64, TensorProtoUint64, TensorProtoComplex64:
		return 8
	case TensorProtoFloat16, TensorProtoBfloat16, TensorProtoInt16, TensorProtoUint16:
		return 2
	case TensorProtoInt8, TensorProtoUint8, TensorProtoBool:
		return 1
	case TensorProtoComplex128:
		return 16
	default:
		return 0
	}
}

// NumElements returns the element count implied by the dims.
func NumElements(t *TensorProto) int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// NewFloatTensor builds a float32 tensor with raw little-endian payload.
func NewFloatTensor(name string, dims []int64, vals []float32) *TensorProto {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return &TensorProto{Name: name, DataType: TensorProtoFloat, Dims: dims, RawData: raw}
}

// NewFloat16Tensor builds a float16 tensor from float32 values.
func NewFloat16Tensor(name string, dims []int64, vals []float32) *TensorProto {
	raw := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	return &TensorProto{Name: name, DataType: TensorProtoFloat16, Dims: dims, RawData: raw}
}

// NewInt8Tensor builds an int8 tensor.
func NewInt8Tensor(name string, dims []int64, vals []int8) *TensorProto {
	raw := make([]byte, len(vals))
	for i, v := range vals {
		raw[i] = byte(v)
	}
	return &TensorProto{Name: name, DataType: TensorProtoInt8, Dims: dims, RawData: raw}
}

// NewInt64Tensor builds an int64 tensor.
func NewInt64Tensor(name string, dims []int64, vals []int64) *TensorProto {
	raw := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return &TensorProto{Name: name, DataType: TensorProtoInt64, Dims: dims, RawData: raw}
}

// NewScalarTensor builds a rank-0 float32 tensor.
func NewScalarTensor(name string, v float32) *TensorProto {
	return NewFloatTensor(name, nil, []float32{v})
}

// rawBytes materializes the payload as little-endian raw bytes, converting
// from the legacy typed fields when raw_data is absent.
func rawBytes(t *TensorProto) ([]byte, error) {
	if len(t.RawData) > 0 {
		return t.RawData, nil
	}
	switch {
	case len(t.FloatData) > 0:
		raw := make([]byte, 4*len(t.FloatData))
		for i, v := range t.FloatData {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		return raw, nil
	case len(t.DoubleData) > 0:
		raw := make([]byte, 8*len(t.DoubleData))
		for i, v := range t.DoubleData {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
		return raw, nil
	case len(t.Int64Data) > 0:
		raw := make([]byte, 8*len(t.Int64Data))
		for i, v := range t.Int64Data {
			binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
		}
		return raw, nil
	case len(t.Int32Data) > 0:
		// int32_data also backs the small integer and half-float types.
		size := ElementSize(t.DataType)
		raw := make([]byte, 0, size*len(t.Int32Data))
		for _, v := range t.Int32Data {
			switch size {
			case 1:
				raw = append(raw, byte(v))
			case 2:
				raw = binary.LittleEndian.AppendUint16(raw, uint16(v))
			default:
				raw = binary.LittleEndian.AppendUint32(raw, uint32(v))
			}
		}
		return raw, nil
	}
	if NumElements(t) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("tensor %q has no data", t.Name)
}

// Float32Values decodes a floating-point tensor payload into float32.
// Returns an error for non-float data types.
func Float32Values(t *TensorProto) ([]float32, error) {
	raw, err := rawBytes(t)
	if err != nil {
		return nil, err
	}
	switch t.DataType {
	case TensorProtoFloat:
		vals := make([]float32, len(raw)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return vals, nil
	case TensorProtoFloat16:
		vals := make([]float32, len(raw)/2)
		for i := range vals {
			vals[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return vals, nil
	case TensorProtoDouble:
		vals := make([]float32, len(raw)/8)
		for i := range vals {
			vals[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		return vals, nil
	}
	return nil, fmt.Errorf("tensor %q: data type %d is not a float type", t.Name, t.DataType)
}

// ScalarValue returns the single element of a one-element tensor as float64.
// Integer types are widened; ok is false for multi-element or unsupported
// tensors.
//
//nolint:gocyclo,cyclop // one case per ONNX data type
func ScalarValue(t *TensorProto) (float64, bool) {
	if t == nil || NumElements(t) != 1 {
		return 0, false
	}
	raw, err := rawBytes(t)
	if err != nil {
		return 0, false
	}
	if ElementSize(t.DataType) == 0 || len(raw) < ElementSize(t.DataType) {
		return 0, false
	}
	switch t.DataType {
	case TensorProtoFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), true
	case TensorProtoFloat16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(raw)).Float32()), true
	case TensorProtoDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), true
	case TensorProtoInt8:
		return float64(int8(raw[0])), true
	case TensorProtoUint8, TensorProtoBool:
		return float64(raw[0]), true
	case TensorProtoInt16:
		return float64(int16(binary.LittleEndian.Uint16(raw))), true
	case TensorProtoUint16:
		return float64(binary.LittleEndian.Uint16(raw)), true
	case TensorProtoInt32:
		return float64(int32(binary.LittleEndian.Uint32(raw))), true
	case TensorProtoUint32:
		return float64(binary.LittleEndian.Uint32(raw)), true
	case TensorProtoInt64:
		return float64(int64(binary.LittleEndian.Uint64(raw))), true
	case TensorProtoUint64:
		return float64(binary.LittleEndian.Uint64(raw)), true
	}
	return 0, false
}

// Transposed2D returns a new tensor with the two dims swapped and the raw
// payload transposed element-wise. Works on any fixed-width data type.
func Transposed2D(t *TensorProto) (*TensorProto, error) {
	if len(t.Dims) != 2 {
		return nil, fmt.Errorf("tensor %q: expected 2 dims, got %d", t.Name, len(t.Dims))
	}
	size := ElementSize(t.DataType)
	if size == 0 {
		return nil, fmt.Errorf("tensor %q: data type %d has no fixed element size", t.Name, t.DataType)
	}
	raw, err := rawBytes(t)
	if err != nil {
		return nil, err
	}
	rows, cols := int(t.Dims[0]), int(t.Dims[1])
	if len(raw) != rows*cols*size {
		return nil, fmt.Errorf("tensor %q: payload size %d does not match dims %v", t.Name, len(raw), t.Dims)
	}
	out := make([]byte, len(raw))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src := (r*cols + c) * size
			dst := (c*rows + r) * size
			copy(out[dst:dst+size], raw[src:src+size])
		}
	}
	return &TensorProto{
		Name:     t.Name,
		DataType: t.DataType,
		Dims:     []int64{t.Dims[1], t.Dims[0]},
		RawData:  out,
	}, nil
}

// Scaled1D returns a new float tensor with every element multiplied by
// factor, preserving the storage precision (fp32 stays fp32, fp16 stays
// fp16).
func Scaled1D(t *TensorProto, factor float64) (*TensorProto, error) {
	vals, err := Float32Values(t)
	if err != nil {
		return nil, err
	}
	scaled := make([]float32, len(vals))
	for i, v := range vals {
		scaled[i] = float32(float64(v) * factor)
	}
	dims := append([]int64(nil), t.Dims...)
	if t.DataType == TensorProtoFloat16 {
		out := NewFloat16Tensor(t.Name, dims, scaled)
		return out, nil
	}
	out := NewFloatTensor(t.Name, dims, scaled)
	out.DataType = t.DataType
	if t.DataType == TensorProtoDouble {
		raw := make([]byte, 8*len(scaled))
		for i, v := range scaled {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(float64(v)))
		}
		out.RawData = raw
	}
	return out, nil
}

// ConvertedToFloat16 returns a float16 copy of a float32 tensor. Used when
// repacked weights must keep the source model's storage precision.
func ConvertedToFloat16(t *TensorProto) (*TensorProto, error) {
	vals, err := Float32Values(t)
	if err != nil {
		return nil, err
	}
	return NewFloat16Tensor(t.Name, append([]int64(nil), t.Dims...), vals), nil
}

// InterleaveRows packs three row-major matrices sharing a row count into one
// [rows, qCols+kCols+vCols] matrix laid out row by row: q row, k row, v row.
// This is the flattened layout of both numpy stack(axis=1) for equal column
// counts and concatenate(axis=1) for differing ones.
func InterleaveRows(q, k, v []float32, rows, qCols, kCols, vCols int) ([]float32, error) {
	if len(q) != rows*qCols || len(k) != rows*kCols || len(v) != rows*vCols {
		return nil, fmt.Errorf("row count mismatch packing qkv: %d/%d/%d values for %d rows",
			len(q), len(k), len(v), rows)
	}
	out := make([]float32, 0, len(q)+len(k)+len(v))
	for r := 0; r < rows; r++ {
		out = append(out, q[r*qCols:(r+1)*qCols]...)
		out = append(out, k[r*kCols:(r+1)*kCols]...)
		out = append(out, v[r*vCols:(r+1)*vCols]...)
	}
	return out, nil
}
