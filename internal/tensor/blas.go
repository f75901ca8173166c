package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Mat is a row-major matrix view over a float32 slice.
type Mat struct {
	Rows, Cols int
	Data       []float32
}

func (m Mat) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data[:m.Rows*m.Cols]}
}

// MatMul computes c = op(a)·op(b) + beta·c, where op transposes its argument
// when the matching flag is set. Dimensions are those of the stored
// matrices; mismatches panic inside BLAS.
func MatMul(c Mat, a Mat, transA bool, b Mat, transB bool, beta float32) {
	blas32.Gemm(transpose(transA), transpose(transB), 1, a.general(), b.general(), beta, c.general())
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
