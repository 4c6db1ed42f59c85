// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

// Thin wrappers around gonum's float32 BLAS (blas32.Gemm). Keeping the
// cblas-style signatures here means the tensor code never touches the
// blas32.General plumbing directly, and the kernels can be swapped for a
// hardware BLAS without touching callers.

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// The early return on zero dimensions guards against empty batches: a
// zero-row gemm is a no-op, not an error.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha,
		blas32.General{Rows: m, Cols: k, Stride: lda, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}

// sgemmTransA computes C = alpha*A^T@B + beta*C without allocating a
// transposed copy of A. A is stored as [k, m] row-major.
//
// Used by Linear.Backward for dW = gradOutput^T @ input.
func sgemmTransA(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, alpha,
		blas32.General{Rows: k, Cols: m, Stride: lda, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}

// sgemmTransB computes C = alpha*A@B^T + beta*C without allocating a
// transposed copy of B. B is stored as [n, k] row-major.
//
// Used by Linear.Forward (weight stored as [out, in], need input @ weight^T).
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, alpha,
		blas32.General{Rows: m, Cols: k, Stride: lda, Data: a},
		blas32.General{Rows: n, Cols: k, Stride: ldb, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c})
}
