// Package dtypes defines the element types of tensors handled by the backends.
package dtypes

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the data type of the elements of a tensor.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Float32 is the default type for activations and most weights.
	Float32

	// Float16 is the half-precision type used to store weights.
	Float16

	// Int32 is used by indices and token ids.
	Int32
)

// Aliases following the short names used in model files.
const (
	F32 = Float32
	F16 = Float16
	I32 = Int32
)

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	Float16:      "Float16",
	Int32:        "Int32",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return fmt.Sprintf("DType(%d)", int(dtype))
	}
	return dtypeNames[dtype]
}

// IsValid returns whether the dtype is one of the known data types.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(dtypeNames)
}

// IsFloat returns whether the dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float16
}

// Size returns the number of bytes used by one element of the dtype.
// It returns 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// SizeForDimensions returns the number of bytes needed to store an array of the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// MapOfNames maps the names (and the usual aliases, in any case) to the DType.
var MapOfNames = map[string]DType{}

func init() {
	for dtype := Float32; int(dtype) < len(dtypeNames); dtype++ {
		name := dtype.String()
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	for alias, dtype := range map[string]DType{"F32": Float32, "F16": Float16, "I32": Int32} {
		MapOfNames[alias] = dtype
		MapOfNames[strings.ToLower(alias)] = dtype
	}
}

// Parse returns the DType for the given name or alias (case-insensitive).
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, fmt.Errorf("unknown dtype %q", name)
}

// Float16ToFloat32 converts a slice of half-precision values, stored as their raw bits, to float32.
// dst must have at least len(src) elements.
func Float16ToFloat32(dst []float32, src []uint16) {
	for ii, bits := range src {
		dst[ii] = float16.Frombits(bits).Float32()
	}
}

// Float32ToFloat16 converts float32 values to half-precision raw bits, rounding to nearest even.
// dst must have at least len(src) elements.
func Float32ToFloat16(dst []uint16, src []float32) {
	for ii, value := range src {
		dst[ii] = float16.Fromfloat32(value).Bits()
	}
}
