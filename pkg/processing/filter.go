package processing

import (
	"math"

	"slicerecon/internal/models"
)

// Kernels are sampled on the non-negative half spectrum of a real FFT of
// length n, i.e. n/2+1 samples, as a function of the frequency normalized to
// Nyquist.

func normFreq(k, n int) float64 {
	nyquist := math.Max(float64(n)/2, 1)
	return float64(k) / nyquist
}

// RamLak returns the plain ramp kernel.
func RamLak(n int) []float64 {
	kernel := make([]float64, n/2+1)
	for k := range kernel {
		kernel[k] = normFreq(k, n)
	}
	return kernel
}

// SheppLogan returns the ramp apodized with a sinc window.
func SheppLogan(n int) []float64 {
	kernel := make([]float64, n/2+1)
	for k := 1; k < len(kernel); k++ {
		f := normFreq(k, n)
		kernel[k] = f * math.Sin(math.Pi*f) / (math.Pi * f)
	}
	return kernel
}

// Gaussian returns a Gaussian low pass of width sigma (fraction of Nyquist).
func Gaussian(n int, sigma float64) []float64 {
	kernel := make([]float64, n/2+1)
	for k := range kernel {
		f := normFreq(k, n)
		kernel[k] = math.Exp(-(f * f) / (2 * sigma * sigma))
	}
	return kernel
}

// Kernel builds the ramp filter selected by kind for detector rows of n pixels.
func Kernel(kind models.FilterKind, n int, sigma float64) []float64 {
	switch kind {
	case models.FilterRamLak:
		return RamLak(n)
	case models.FilterGaussian:
		kernel := SheppLogan(n)
		lowpass := Gaussian(n, sigma)
		for i := range kernel {
			kernel[i] *= lowpass[i]
		}
		return kernel
	default:
		return SheppLogan(n)
	}
}

// Paganin returns the single-distance phase retrieval low pass sampled on a
// full rows x cols FFT grid (row-major, unshifted):
//
//	H(k) = 1 / (1 + distance * delta * |k|^2 / mu),  mu = 4*pi*beta/lambda
func Paganin(rows, cols int, p models.PaganinSettings) []float64 {
	mu := 4 * math.Pi * float64(p.Beta) / float64(p.Lambda)
	coeff := float64(p.Distance) * float64(p.Delta) / mu
	pixel := float64(p.PixelSize)

	filter := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		ky := 2 * math.Pi * float64(wrapIndex(i, rows)) / (float64(rows) * pixel)
		for j := 0; j < cols; j++ {
			kx := 2 * math.Pi * float64(wrapIndex(j, cols)) / (float64(cols) * pixel)
			filter[i*cols+j] = 1 / (1 + coeff*(kx*kx+ky*ky))
		}
	}
	return filter
}

// wrapIndex maps an FFT bin to its signed frequency index.
func wrapIndex(i, n int) int {
	if i <= n/2 {
		return i
	}
	return i - n
}
