package reconstruction

import (
	"gonum.org/v1/gonum/floats"
)

// flatField accumulates dark and light calibration frames and reduces them
// to the maps used by the processing pipeline.
type flatField struct {
	pixels   int
	darks    []float32
	lights   []float32
	darkN    int
	lightN   int
	received int

	// dark is the averaged dark map, reciprocal 1/(light-dark) per pixel
	dark       []float32
	reciprocal []float32
}

func newFlatField(pixels, darks, flats int) *flatField {
	return &flatField{
		pixels: pixels,
		darks:  make([]float32, pixels*darks),
		lights: make([]float32, pixels*flats),
		darkN:  darks,
		lightN: flats,
	}
}

// enabled reports whether both calibration frame kinds are configured.
func (f *flatField) enabled() bool {
	return f.darkN > 0 && f.lightN > 0
}

// push stores one frame and reports whether the maps were recomputed.
func (f *flatField) push(dark bool, index int, data []float32) bool {
	target := f.lights
	if dark {
		target = f.darks
	}
	copy(target[index*f.pixels:(index+1)*f.pixels], data)

	f.received++
	if f.received < f.darkN+f.lightN || !f.enabled() {
		return false
	}
	f.received = 0
	f.compute()
	return true
}

func (f *flatField) compute() {
	dark := average(f.darks, f.darkN, f.pixels)
	light := average(f.lights, f.lightN, f.pixels)

	f.dark = make([]float32, f.pixels)
	f.reciprocal = make([]float32, f.pixels)
	for i := range dark {
		f.dark[i] = float32(dark[i])
		if light[i] == dark[i] {
			f.reciprocal[i] = 1
		} else {
			f.reciprocal[i] = float32(1 / (light[i] - dark[i]))
		}
	}
}

// average returns the per-pixel mean of count frames.
func average(frames []float32, count, pixels int) []float64 {
	sum := make([]float64, pixels)
	frame := make([]float64, pixels)
	for j := 0; j < count; j++ {
		for i, v := range frames[j*pixels : (j+1)*pixels] {
			frame[i] = float64(v)
		}
		floats.Add(sum, frame)
	}
	floats.Scale(1/float64(count), sum)
	return sum
}
