package reconstruction

// transposeIntoSino rearranges projections [begin, end] of the staging
// buffer (projection major: proj x rows x cols) into dst in sinogram layout
// (rows x (end-begin+1) x cols), the layout Engine.Upload expects.
func transposeIntoSino(buffer []float32, rows, cols, begin, end int, dst []float32) []float32 {
	n := end - begin + 1
	pixels := rows * cols
	if cap(dst) < n*pixels {
		dst = make([]float32, n*pixels)
	}
	dst = dst[:n*pixels]
	for j := begin; j <= end; j++ {
		for row := 0; row < rows; row++ {
			src := buffer[j*pixels+row*cols : j*pixels+(row+1)*cols]
			copy(dst[row*n*cols+(j-begin)*cols:], src)
		}
	}
	return dst
}

// transposeFromSino is the inverse of transposeIntoSino.
func transposeFromSino(sino []float32, rows, cols, begin, end int, buffer []float32) {
	n := end - begin + 1
	pixels := rows * cols
	for j := begin; j <= end; j++ {
		for row := 0; row < rows; row++ {
			src := sino[row*n*cols+(j-begin)*cols : row*n*cols+(j-begin+1)*cols]
			copy(buffer[j*pixels+row*cols:], src)
		}
	}
}

// uploadRange is one contiguous piece of a buffer fill: staging positions
// [bufBegin, bufEnd] land on scan projections [projBegin, projEnd].
type uploadRange struct {
	bufBegin, bufEnd   int
	projBegin, projEnd int
}

// continuousRanges maps the fill with sequence number update onto the scan.
// A fill of size projections starts at (update*size) mod projCount and is
// split in two when it wraps past the end of the scan.
func continuousRanges(update, size, projCount int) []uploadRange {
	begin := (update * size) % projCount
	if begin+size <= projCount {
		return []uploadRange{{0, size - 1, begin, begin + size - 1}}
	}
	first := projCount - begin
	return []uploadRange{
		{0, first - 1, begin, projCount - 1},
		{first, size - 1, 0, size - first - 1},
	}
}
