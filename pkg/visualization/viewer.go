// Package visualization extracts axis-aligned sections from the preview
// volume and writes slices as 16-bit TIFF images and heat-map snapshots.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"gonum.org/v1/gonum/floats"

	"slicerecon/internal/models"
)

// Axis is the normal of an axis-aligned section.
type Axis int

const (
	// AxisX gives sagittal sections (YZ plane)
	AxisX Axis = iota
	// AxisY gives coronal sections (XZ plane)
	AxisY
	// AxisZ gives axial sections (XY plane)
	AxisZ
)

// String returns the anatomical name of sections along the axis.
func (a Axis) String() string {
	switch a {
	case AxisX:
		return "sagittal"
	case AxisY:
		return "coronal"
	case AxisZ:
		return "axial"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis accepts x, y, z or the section names.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "x", "sagittal":
		return AxisX, nil
	case "y", "coronal":
		return AxisY, nil
	case "z", "axial":
		return AxisZ, nil
	default:
		return AxisZ, fmt.Errorf("invalid axis: %s (must be x, y, or z)", s)
	}
}

// Viewer reads sections out of a cubic volume stored z-major, x fastest,
// as produced by the reconstructor's preview.
type Viewer struct {
	data []float32
	size int
}

// NewViewer wraps a size^3 volume. The data is not copied.
func NewViewer(data []float32, size int) (*Viewer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("volume size must be positive, got %d", size)
	}
	if len(data) != size*size*size {
		return nil, fmt.Errorf("volume of size %d needs %d values, got %d", size, size*size*size, len(data))
	}
	return &Viewer{data: data, size: size}, nil
}

// Size returns the edge length of the volume.
func (v *Viewer) Size() int { return v.size }

// Section extracts the plane normal to axis at position.
func (v *Viewer) Section(axis Axis, position int) (models.SliceData, error) {
	n := v.size
	if position < 0 || position >= n {
		return models.SliceData{}, fmt.Errorf("position %d outside volume of size %d", position, n)
	}

	out := make([]float32, n*n)
	switch axis {
	case AxisX:
		// columns along z, rows along y
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				out[y*n+z] = v.data[z*n*n+y*n+position]
			}
		}
	case AxisY:
		// columns along x, rows along z
		for z := 0; z < n; z++ {
			copy(out[z*n:(z+1)*n], v.data[z*n*n+position*n:z*n*n+(position+1)*n])
		}
	case AxisZ:
		copy(out, v.data[position*n*n:(position+1)*n*n])
	default:
		return models.SliceData{}, fmt.Errorf("invalid axis %d", int(axis))
	}
	return models.SliceData{Size: [2]int{n, n}, Data: out}, nil
}

// Central returns the three central sections in axial, coronal, sagittal
// order.
func (v *Viewer) Central() ([]models.SliceData, error) {
	var out []models.SliceData
	for _, axis := range []Axis{AxisZ, AxisY, AxisX} {
		s, err := v.Section(axis, v.size/2)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Range returns the minimum and maximum of a slice.
func Range(s models.SliceData) (lo, hi float64) {
	if len(s.Data) == 0 {
		return 0, 0
	}
	values := make([]float64, len(s.Data))
	for i, x := range s.Data {
		values[i] = float64(x)
	}
	return floats.Min(values), floats.Max(values)
}

// Gray16 maps a slice onto the full 16-bit range. A constant slice maps
// to black.
func Gray16(s models.SliceData) (*image.Gray16, error) {
	w, h := s.Size[0], s.Size[1]
	if w <= 0 || h <= 0 || len(s.Data) != w*h {
		return nil, fmt.Errorf("slice of %dx%d has %d values", w, h, len(s.Data))
	}

	lo, hi := Range(s)
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			value := (float64(s.Data[y*w+x]) - lo) * scale
			img.SetGray16(x, y, color.Gray16{Y: uint16(min(65535, max(0, value)))})
		}
	}
	return img, nil
}
