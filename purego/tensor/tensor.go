package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
	}
}

// FromData wraps data in a tensor of the given shape without copying
func FromData(data []float32, shape ...int) *Tensor {
	t := &Tensor{Data: data, Shape: shape}
	if t.Size() != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	idx := t.flatIndex(indices)
	return t.Data[idx]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	idx := t.flatIndex(indices)
	t.Data[idx] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data},
	)

	return result
}

// Linear projects the last dimension of x through weight [in, out]
func Linear(x, weight *Tensor) *Tensor {
	in := x.Shape[len(x.Shape)-1]
	rows := x.Size() / in

	out := MatMul(x.Reshape(rows, in), weight)

	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = weight.Shape[1]
	return out.Reshape(shape...)
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Mul performs element-wise multiplication
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// minSoftmaxDenom keeps a fully masked row from dividing by zero.
const minSoftmaxDenom = 1e-30

// softmaxRow writes the softmax of src into dst. A row that is entirely -Inf
// produces zeros instead of NaN.
func softmaxRow(src, dst []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxVal {
			maxVal = v
		}
	}

	if math.IsInf(float64(maxVal), -1) {
		for j := range dst {
			dst[j] = 0
		}
		return
	}

	sum := float32(0)
	for j, v := range src {
		val := float32(math.Exp(float64(v - maxVal)))
		dst[j] = val
		sum += val
	}

	if sum < minSoftmaxDenom {
		sum = minSoftmaxDenom
	}
	for j := range dst {
		dst[j] /= sum
	}
}

// SiLU applies x * sigmoid(x)
func SiLU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = x / (1 + float32(math.Exp(float64(-x))))
	}
	return result
}

// RMSNorm normalizes over the last dimension: x / sqrt(mean(x^2) + eps) * weight
func RMSNorm(t *Tensor, weight *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)

	hiddenSize := t.Shape[len(t.Shape)-1]
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		offset := i * hiddenSize

		rms := float32(0)
		for j := 0; j < hiddenSize; j++ {
			val := t.Data[offset+j]
			rms += val * val
		}
		rms = float32(math.Sqrt(float64(rms/float32(hiddenSize) + eps)))

		for j := 0; j < hiddenSize; j++ {
			result.Data[offset+j] = t.Data[offset+j] / rms * weight.Data[j]
		}
	}

	return result
}

// Reshape returns a new tensor with different shape (same data)
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: shape,
	}
}

// Slice extracts a slice along first dimension
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
	}
}

// sameShape reports whether t has exactly the given shape
func (t *Tensor) sameShape(shape ...int) bool {
	if t == nil || len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}
