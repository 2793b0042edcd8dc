package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32Values_Float16RoundTrip(t *testing.T) {
	vals := []float32{0, 1, -1, 0.5, 1.7021484375}
	tensor := NewFloat16Tensor("w", []int64{5}, vals)

	got, err := Float32Values(tensor)
	require.NoError(t, err)
	// Every value here is exactly representable in float16.
	assert.Equal(t, vals, got)
}

func TestFloat32Values_LegacyFloatData(t *testing.T) {
	tensor := &TensorProto{
		Name:      "legacy",
		DataType:  TensorProtoFloat,
		Dims:      []int64{3},
		FloatData: []float32{1, 2, 3},
	}
	got, err := Float32Values(tensor)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got)
}

func TestFloat32Values_NonFloatType(t *testing.T) {
	tensor := NewInt8Tensor("q", []int64{2}, []int8{1, 2})
	_, err := Float32Values(tensor)
	assert.Error(t, err)
}

func TestScalarValue(t *testing.T) {
	tests := []struct {
		name   string
		tensor *TensorProto
		want   float64
		ok     bool
	}{
		{"float32 scalar", NewScalarTensor("a", 1.7021484375), 1.7021484375, true},
		{"float16 scalar", NewFloat16Tensor("b", nil, []float32{0.5}), 0.5, true},
		{"int8 zero point", NewInt8Tensor("zp", nil, []int8{0}), 0, true},
		{"int8 negative", NewInt8Tensor("zp", nil, []int8{-3}), -3, true},
		{"int64 legacy", &TensorProto{Name: "i", DataType: TensorProtoInt64, Int64Data: []int64{7}}, 7, true},
		{"multi element", NewFloatTensor("m", []int64{2}, []float32{1, 2}), 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScalarValue(tt.tensor)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTransposed2D(t *testing.T) {
	// 2x3 row-major.
	src := NewFloatTensor("w", []int64{2, 3}, []float32{
		1, 2, 3,
		4, 5, 6,
	})

	got, err := Transposed2D(src)
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 2}, got.Dims)
	vals, err := Float32Values(got)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		1, 4,
		2, 5,
		3, 6,
	}, vals)

	// Source payload untouched.
	orig, err := Float32Values(src)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, orig)
}

func TestTransposed2D_Int8(t *testing.T) {
	src := NewInt8Tensor("q", []int64{2, 2}, []int8{1, 2, 3, 4})

	got, err := Transposed2D(src)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 3, 2, 4}, got.RawData)
}

func TestTransposed2D_WrongRank(t *testing.T) {
	_, err := Transposed2D(NewFloatTensor("v", []int64{4}, []float32{1, 2, 3, 4}))
	assert.Error(t, err)
}

func TestScaled1D(t *testing.T) {
	src := NewFloatTensor("bias", []int64{3}, []float32{2, 4, 8})

	got, err := Scaled1D(src, 0.5)
	require.NoError(t, err)

	vals, err := Float32Values(got)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 4}, vals)
	assert.Equal(t, int32(TensorProtoFloat), got.DataType)
}

func TestScaled1D_KeepsFloat16Storage(t *testing.T) {
	src := NewFloat16Tensor("bias", []int64{2}, []float32{1, 2})

	got, err := Scaled1D(src, 2)
	require.NoError(t, err)

	assert.Equal(t, int32(TensorProtoFloat16), got.DataType)
	vals, err := Float32Values(got)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, vals)
}

func TestInterleaveRows_EqualWidths(t *testing.T) {
	q := []float32{1, 2, 5, 6}
	k := []float32{11, 12, 15, 16}
	v := []float32{21, 22, 25, 26}

	got, err := InterleaveRows(q, k, v, 2, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		1, 2, 11, 12, 21, 22,
		5, 6, 15, 16, 25, 26,
	}, got)
}

func TestInterleaveRows_DifferingVWidth(t *testing.T) {
	q := []float32{1, 2}
	k := []float32{3, 4}
	v := []float32{5, 6, 7}

	got, err := InterleaveRows(q, k, v, 1, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7}, got)
}

func TestInterleaveRows_SizeMismatch(t *testing.T) {
	_, err := InterleaveRows([]float32{1}, []float32{1, 2}, []float32{1, 2}, 1, 2, 2, 2)
	assert.Error(t, err)
}
