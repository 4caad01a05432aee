package simd

// VecAdd performs dst += src for float64 vectors
func VecAdd(dst, src []float64) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float64 vectors
func VecAddScaled(dst, src []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecSub performs dst -= src for float64 vectors
func VecSub(dst, src []float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] -= src[i]
		dst[i+1] -= src[i+1]
		dst[i+2] -= src[i+2]
		dst[i+3] -= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] -= src[i]
	}
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SumSquares computes the sum of squared elements of a float64 vector
func SumSquares(a []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * a[i]
		sum += a[i+1] * a[i+1]
		sum += a[i+2] * a[i+2]
		sum += a[i+3] * a[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	return sum
}

// ColSumSquares accumulates the per-column sum of squares of a rows x cols
// row-major matrix into dst: dst[j] += sum_i a[i*cols+j]^2.
// dst must have length cols.
func ColSumSquares(dst []float64, a []float64, rows, cols int) {
	for i := 0; i < rows; i++ {
		row := a[i*cols : (i+1)*cols]
		for j, v := range row {
			dst[j] += v * v
		}
	}
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major
func MatVecMul(dst []float64, mat []float64, vec []float64, rows, cols int) {
	for i := 0; i < rows; i++ {
		rowStart := i * cols
		row := mat[rowStart : rowStart+cols]
		dst[i] = DotProduct(row, vec)
	}
}
