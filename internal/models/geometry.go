package models

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry is returned when an acquisition geometry is inconsistent
// with itself, e.g. an angle list whose length disagrees with the projection count.
var ErrInvalidGeometry = errors.New("invalid geometry specification")

// VectorSize is the number of floats describing a single projection in
// vector form: source (cone) or ray direction (parallel), detector center,
// and the two detector pixel axes.
const VectorSize = 12

// BeamModel selects the projection model of a scan.
type BeamModel int

const (
	// ParallelBeam models a synchrotron-like parallel beam.
	ParallelBeam BeamModel = iota
	// ConeBeam models a point source diverging onto a flat detector.
	ConeBeam
)

// String returns the lower-case name of the beam model.
func (b BeamModel) String() string {
	switch b {
	case ParallelBeam:
		return "parallel"
	case ConeBeam:
		return "cone"
	default:
		return fmt.Sprintf("beam(%d)", int(b))
	}
}

// AcquisitionGeometry describes the detector and the trajectory of a scan.
// It is fixed for the lifetime of one reconstruction session.
type AcquisitionGeometry struct {
	// Rows and Cols are the detector dimensions in pixels
	Rows int
	Cols int

	// ProjCount is the number of projections in one full scan
	ProjCount int

	// Beam selects parallel or cone beam
	Beam BeamModel

	// VecGeometry is set when Vectors, rather than Angles, describe the trajectory
	VecGeometry bool

	// Angles holds one rotation angle in radians per projection
	Angles []float32

	// Vectors holds VectorSize floats per projection
	Vectors []float32

	// SourceOrigin and OriginDetector are the cone-beam source-to-rotation-axis
	// and rotation-axis-to-detector distances
	SourceOrigin   float32
	OriginDetector float32

	// DetectorSize is the physical detector extent (width, height). A zero
	// size means unit pixels.
	DetectorSize [2]float32

	// VolumeMin and VolumeMax are opposite corners of the reconstruction volume
	VolumeMin [3]float32
	VolumeMax [3]float32
}

// Pixels returns the number of pixels in one projection.
func (g AcquisitionGeometry) Pixels() int {
	return g.Rows * g.Cols
}

// PixelSpacing returns the detector pixel pitch along columns and rows.
func (g AcquisitionGeometry) PixelSpacing() (dx, dy float32) {
	dx, dy = 1, 1
	if g.DetectorSize[0] > 0 && g.Cols > 0 {
		dx = g.DetectorSize[0] / float32(g.Cols)
	}
	if g.DetectorSize[1] > 0 && g.Rows > 0 {
		dy = g.DetectorSize[1] / float32(g.Rows)
	}
	return dx, dy
}

// HasVolume reports whether a non-degenerate volume box was supplied.
func (g AcquisitionGeometry) HasVolume() bool {
	for i := 0; i < 3; i++ {
		if g.VolumeMax[i] <= g.VolumeMin[i] {
			return false
		}
	}
	return true
}

// WithDefaultVolume returns a copy of g whose volume box is a cube centered
// on the rotation axis and spanning the detector width, unless a volume box
// was already supplied.
func (g AcquisitionGeometry) WithDefaultVolume() AcquisitionGeometry {
	if g.HasVolume() {
		return g
	}
	dx, _ := g.PixelSpacing()
	half := 0.5 * float32(g.Cols) * dx
	if g.Beam == ConeBeam && g.SourceOrigin > 0 {
		// magnification shrinks the field of view at the rotation axis
		half *= g.SourceOrigin / (g.SourceOrigin + g.OriginDetector)
	}
	g.VolumeMin = [3]float32{-half, -half, -half}
	g.VolumeMax = [3]float32{half, half, half}
	return g
}

// Validate checks the internal consistency of the geometry.
func (g AcquisitionGeometry) Validate() error {
	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("%w: detector must have positive rows and columns, got %dx%d",
			ErrInvalidGeometry, g.Rows, g.Cols)
	}
	if g.ProjCount <= 0 {
		return fmt.Errorf("%w: projection count must be positive, got %d", ErrInvalidGeometry, g.ProjCount)
	}
	if g.VecGeometry {
		if len(g.Vectors) != VectorSize*g.ProjCount {
			return fmt.Errorf("%w: projection count %d is not equal to number of vectors (%d floats)",
				ErrInvalidGeometry, g.ProjCount, len(g.Vectors))
		}
		return nil
	}
	if len(g.Angles) != g.ProjCount {
		return fmt.Errorf("%w: projection count %d is not equal to number of angles %d",
			ErrInvalidGeometry, g.ProjCount, len(g.Angles))
	}
	if g.Beam == ConeBeam && g.SourceOrigin <= 0 {
		return fmt.Errorf("%w: cone beam needs a positive source distance", ErrInvalidGeometry)
	}
	return nil
}
