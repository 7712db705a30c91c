package processing

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// rowFilter applies a real-valued frequency kernel to detector rows. One
// rowFilter belongs to one worker; gonum FFT plans keep internal work space
// and are not safe for concurrent use.
type rowFilter struct {
	fft   *fourier.FFT
	seq   []float64
	coeff []complex128
}

func newRowFilter(cols int) *rowFilter {
	return &rowFilter{
		fft:   fourier.NewFFT(cols),
		seq:   make([]float64, cols),
		coeff: make([]complex128, cols/2+1),
	}
}

// apply filters row in place with kernel (len cols/2+1).
func (f *rowFilter) apply(row []float32, kernel []float64) {
	for i, v := range row {
		f.seq[i] = float64(v)
	}

	f.fft.Coefficients(f.coeff, f.seq)
	for k := range f.coeff {
		f.coeff[k] *= complex(kernel[k], 0)
	}
	f.fft.Sequence(f.seq, f.coeff)

	// gonum transforms are unnormalized
	scale := 1 / float64(len(row))
	for i := range row {
		row[i] = float32(f.seq[i] * scale)
	}
}

// planeFilter applies a full 2-D frequency filter to one projection, rows
// then columns, using complex transforms.
type planeFilter struct {
	rows, cols int
	rowFFT     *fourier.CmplxFFT
	colFFT     *fourier.CmplxFFT
	grid       []complex128
	column     []complex128
}

func newPlaneFilter(rows, cols int) *planeFilter {
	return &planeFilter{
		rows:   rows,
		cols:   cols,
		rowFFT: fourier.NewCmplxFFT(cols),
		colFFT: fourier.NewCmplxFFT(rows),
		grid:   make([]complex128, rows*cols),
		column: make([]complex128, rows),
	}
}

// fft2D transforms the grid in place.
func (f *planeFilter) fft2D(inverse bool) {
	for i := 0; i < f.rows; i++ {
		row := f.grid[i*f.cols : (i+1)*f.cols]
		if inverse {
			f.rowFFT.Sequence(row, row)
		} else {
			f.rowFFT.Coefficients(row, row)
		}
	}

	for j := 0; j < f.cols; j++ {
		for i := 0; i < f.rows; i++ {
			f.column[i] = f.grid[i*f.cols+j]
		}
		if inverse {
			f.colFFT.Sequence(f.column, f.column)
		} else {
			f.colFFT.Coefficients(f.column, f.column)
		}
		for i := 0; i < f.rows; i++ {
			f.grid[i*f.cols+j] = f.column[i]
		}
	}
}

// apply filters proj (rows*cols) in place with filter (rows*cols).
func (f *planeFilter) apply(proj []float32, filter []float64) {
	for i, v := range proj {
		f.grid[i] = complex(float64(v), 0)
	}

	f.fft2D(false)
	for i := range f.grid {
		f.grid[i] *= complex(filter[i], 0)
	}
	f.fft2D(true)

	scale := 1 / float64(f.rows*f.cols)
	for i := range proj {
		proj[i] = float32(real(f.grid[i]) * scale)
	}
}

// negLog linearizes a transmission value.
func negLog(v float32) float32 {
	if v <= 0 {
		return 0
	}
	return float32(-math.Log(float64(v)))
}
