package cpu

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/dtypes"
)

// computeParams is given to the kernels, for the part of the node computed by thread ith of nth.
type computeParams struct {
	ith, nth int

	// work buffer, shared by all threads.
	work []byte

	// sync blocks until all the nth threads call it. Kernels must call it the same number of times in all threads.
	sync func()
}

// partition returns the range [start, end) of the n items handled by thread ith: contiguous ranges
// of ceil(n/nth) items.
func (p *computeParams) partition(n int) (start, end int) {
	chunk := (n + p.nth - 1) / p.nth
	start = min(chunk*p.ith, n)
	end = min(start+chunk, n)
	return
}

func f32(t *backend.Tensor) []float32 {
	return backend.BytesAsFloat32(t.Data())
}

// computeNode executes the part ith of the node.
//
// Reductions within a row are always done sequentially by one thread, so the results don't
// depend on the number of threads.
func computeNode(p *computeParams, g *backend.Graph, node *backend.Tensor) {
	switch node.Op() {
	case backend.OpCopy:
		computeCopy(p, g.Src(node, 0), node)
	case backend.OpAdd:
		computeBinary(p, g.Src(node, 0), g.Src(node, 1), node, func(a, b float32) float32 { return a + b })
	case backend.OpMul:
		computeBinary(p, g.Src(node, 0), g.Src(node, 1), node, func(a, b float32) float32 { return a * b })
	case backend.OpScale:
		factor := node.Param(0)
		computeUnary(p, g.Src(node, 0), node, func(x float32) float32 { return x * factor })
	case backend.OpGELU:
		computeUnary(p, g.Src(node, 0), node, gelu)
	case backend.OpSoftMax:
		computeSoftMax(p, g.Src(node, 0), node)
	case backend.OpSumRows:
		computeSumRows(p, g.Src(node, 0), node)
	case backend.OpMatMul:
		computeMatMul(p, g.Src(node, 0), g.Src(node, 1), node)
	}
}

func computeCopy(p *computeParams, src, dst *backend.Tensor) {
	n := dst.Shape().Size()
	start, end := p.partition(n)
	if start >= end {
		return
	}
	switch {
	case src.DType() == dst.DType():
		size := dst.DType().Size()
		copy(dst.Data()[start*size:end*size], src.Data()[start*size:end*size])
	case src.DType() == dtypes.Float32 && dst.DType() == dtypes.Float16:
		dtypes.Float32ToFloat16(backend.BytesAsUint16(dst.Data())[start:end], f32(src)[start:end])
	case src.DType() == dtypes.Float16 && dst.DType() == dtypes.Float32:
		dtypes.Float16ToFloat32(f32(dst)[start:end], backend.BytesAsUint16(src.Data())[start:end])
	}
}

// computeBinary applies fn element-wise, broadcasting b over the leading axes of a.
func computeBinary(p *computeParams, a, b, dst *backend.Tensor, fn func(a, b float32) float32) {
	aData, bData, dstData := f32(a), f32(b), f32(dst)
	rowLength := len(bData)
	numRows := len(dstData) / rowLength
	start, end := p.partition(numRows)
	for row := start; row < end; row++ {
		aRow := aData[row*rowLength : (row+1)*rowLength]
		dstRow := dstData[row*rowLength : (row+1)*rowLength]
		for ii, bValue := range bData {
			dstRow[ii] = fn(aRow[ii], bValue)
		}
	}
}

func computeUnary(p *computeParams, src, dst *backend.Tensor, fn func(x float32) float32) {
	srcData, dstData := f32(src), f32(dst)
	start, end := p.partition(len(dstData))
	for ii := start; ii < end; ii++ {
		dstData[ii] = fn(srcData[ii])
	}
}

const (
	geluCoef    = 0.044715
	sqrt2OverPi = 0.7978845608028654
)

// gelu uses the tanh approximation of the Gaussian Error Linear Unit.
func gelu(x float32) float32 {
	return 0.5 * x * (1 + math32.Tanh(sqrt2OverPi*x*(1+geluCoef*x*x)))
}

func computeSoftMax(p *computeParams, src, dst *backend.Tensor) {
	srcData, dstData := f32(src), f32(dst)
	rowLength := dst.Shape().RowLength()
	numRows := len(dstData) / rowLength
	stride := softMaxStride(rowLength)
	exps := backend.BytesAsFloat32(p.work[p.ith*stride : p.ith*stride+rowLength*4])
	start, end := p.partition(numRows)
	for row := start; row < end; row++ {
		srcRow := srcData[row*rowLength : (row+1)*rowLength]
		dstRow := dstData[row*rowLength : (row+1)*rowLength]
		maxValue := math32.Inf(-1)
		for _, v := range srcRow {
			maxValue = max(maxValue, v)
		}
		var sum float32
		for ii, v := range srcRow {
			exps[ii] = math32.Exp(v - maxValue)
			sum += exps[ii]
		}
		scale := 1 / sum
		for ii, e := range exps {
			dstRow[ii] = e * scale
		}
	}
}

func computeSumRows(p *computeParams, src, dst *backend.Tensor) {
	srcData, dstData := f32(src), f32(dst)
	rowLength := src.Shape().RowLength()
	start, end := p.partition(len(dstData))
	for row := start; row < end; row++ {
		var sum float32
		for _, v := range srcData[row*rowLength : (row+1)*rowLength] {
			sum += v
		}
		dstData[row] = sum
	}
}

// computeMatMul multiplies a [M, K] by b [K, N]. A Float16 b is first converted to the work buffer,
// in parallel.
func computeMatMul(p *computeParams, a, b, dst *backend.Tensor) {
	k, n := b.Shape().Dimensions[0], b.Shape().Dimensions[1]
	var bData []float32
	if b.DType() == dtypes.Float32 {
		bData = f32(b)
	} else {
		bData = backend.BytesAsFloat32(p.work[:k*n*4])
		start, end := p.partition(k)
		dtypes.Float16ToFloat32(bData[start*n:end*n], backend.BytesAsUint16(b.Data())[start*n:end*n])
		p.sync()
	}
	aData, dstData := f32(a), f32(dst)
	m := a.Shape().Dimensions[0]
	start, end := p.partition(m)
	for row := start; row < end; row++ {
		aRow := aData[row*k : (row+1)*k]
		dstRow := dstData[row*n : (row+1)*n]
		clear(dstRow)
		for kk, aValue := range aRow {
			bRow := bData[kk*n : (kk+1)*n]
			for col, bValue := range bRow {
				dstRow[col] += aValue * bValue
			}
		}
	}
}
