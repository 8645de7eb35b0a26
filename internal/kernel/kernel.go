// Package kernel implements the pure compute function that workers run for
// every work request.
//
// The kernel builds two dense matrices from a pair of keys and their counts,
// multiplies them and returns the sum of the product's entries:
//
//	A[i][j] = (keyOwner - i - j) / SIZE   shape c1 x c2
//	B[i][j] = (keyOther - i - j) / SIZE   shape c2 x c1
//	C       = A x B                       shape c1 x c1
//	result  = sum(C)
//
// Cost is O(c1² · c2). The kernel holds no state and is safe to call from any
// number of goroutines at once.
package kernel

import (
	"gonum.org/v1/gonum/mat"
)

// DefaultSize is the counter threshold used when none is configured.
const DefaultSize int64 = 64

// Kernel carries the SIZE divisor used to fill both matrices.
// The zero value is not usable; construct with New.
type Kernel struct {
	size int64
}

// New returns a kernel for the given SIZE. Non-positive sizes fall back to
// DefaultSize.
func New(size int64) Kernel {
	if size <= 0 {
		size = DefaultSize
	}
	return Kernel{size: size}
}

// Size returns the SIZE divisor.
func (k Kernel) Size() int64 {
	return k.size
}

// Compute returns the sum of the entries of A x B for the given counts and
// keys. Empty shapes (a zero or negative count) yield 0.
//
// Example:
//
//	k := kernel.New(10)
//	k.Compute(1, 1, 5, 3) // 0.5 * 0.3 = 0.15
func (k Kernel) Compute(c1, c2, keyOwner, keyOther int64) float64 {
	if c1 <= 0 || c2 <= 0 {
		return 0
	}
	size := k.size
	if size <= 0 {
		size = DefaultSize
	}

	a := fill(c1, c2, keyOwner, size)
	b := fill(c2, c1, keyOther, size)

	var c mat.Dense
	c.Mul(a, b)
	return mat.Sum(&c)
}

// fill builds a rows x cols matrix with M[i][j] = (key - i - j) / size.
func fill(rows, cols, key, size int64) *mat.Dense {
	data := make([]float64, rows*cols)
	div := float64(size)
	for i := int64(0); i < rows; i++ {
		for j := int64(0); j < cols; j++ {
			data[i*cols+j] = float64(key-i-j) / div
		}
	}
	return mat.NewDense(int(rows), int(cols), data)
}
