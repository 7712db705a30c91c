// Package solver binds the reconstruction state machine to a back-projection
// engine. It owns the beam-specific projection vectors, maps arbitrary
// oriented slice planes onto the engine's canonical slab and drives the
// single-slice and preview back-projection passes.
package solver

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"slicerecon/internal/models"
)

// ErrSlot is returned when an engine call names a buffer slot that was not
// allocated.
var ErrSlot = errors.New("sinogram slot out of range")

// SinogramShape is the extent of one sinogram buffer slot. Slots are stored
// detector-row major: Rows x Projections x Cols.
type SinogramShape struct {
	Rows        int
	Cols        int
	Projections int
}

// Len returns the number of values in one slot.
func (s SinogramShape) Len() int {
	return s.Rows * s.Cols * s.Projections
}

// ProjectionVector is the 12-float description of one projection: the ray
// direction (parallel) or source position (cone), the detector centre, and
// the detector column (u) and row (v) pixel vectors.
type ProjectionVector [models.VectorSize]float32

// NewProjectionVector packs the four components of a projection.
func NewProjectionVector(source, det, u, v r3.Vec) ProjectionVector {
	return ProjectionVector{
		float32(source.X), float32(source.Y), float32(source.Z),
		float32(det.X), float32(det.Y), float32(det.Z),
		float32(u.X), float32(u.Y), float32(u.Z),
		float32(v.X), float32(v.Y), float32(v.Z),
	}
}

func (p ProjectionVector) vec(i int) r3.Vec {
	return r3.Vec{X: float64(p[i]), Y: float64(p[i+1]), Z: float64(p[i+2])}
}

// Source is the ray direction for parallel beams, the source position for cone beams.
func (p ProjectionVector) Source() r3.Vec { return p.vec(0) }

// Detector is the centre of the detector.
func (p ProjectionVector) Detector() r3.Vec { return p.vec(3) }

// U is the vector between adjacent detector columns.
func (p ProjectionVector) U() r3.Vec { return p.vec(6) }

// V is the vector between adjacent detector rows.
func (p ProjectionVector) V() r3.Vec { return p.vec(9) }

// ProjectionGeometry is the vector geometry handed to the engine for one pass.
type ProjectionGeometry struct {
	Beam    models.BeamModel
	Rows    int
	Cols    int
	Vectors []ProjectionVector
}

// VolumeGeometry is a voxel grid spanning the box [Min, Max]. Output buffers
// are laid out z-major: out[(z*Ny+y)*Nx+x].
type VolumeGeometry struct {
	Nx, Ny, Nz int
	Min, Max   [3]float32
}

// Voxels returns Nx*Ny*Nz.
func (v VolumeGeometry) Voxels() int {
	return v.Nx * v.Ny * v.Nz
}

// Engine is the back-projection primitive. Slots hold sinograms and are
// addressed by index; Upload and Backproject on different slots may run
// concurrently.
type Engine interface {
	// Allocate creates slots zero-filled sinogram buffers.
	Allocate(slots int, shape SinogramShape) error
	// Upload writes projections [projBegin, projEnd] of slot from sino,
	// which is laid out Rows x (projEnd-projBegin+1) x Cols.
	Upload(slot, projBegin, projEnd int, sino []float32) error
	// Backproject reconstructs vol from slot using geom into out.
	Backproject(slot int, geom ProjectionGeometry, vol VolumeGeometry, out []float32) error
	// Close releases all slots.
	Close() error
}

func checkUpload(shape SinogramShape, slots, slot, begin, end, n int) error {
	if slot < 0 || slot >= slots {
		return fmt.Errorf("upload to slot %d of %d: %w", slot, slots, ErrSlot)
	}
	if begin < 0 || end < begin || end >= shape.Projections {
		return fmt.Errorf("upload range [%d,%d] outside %d projections: %w",
			begin, end, shape.Projections, ErrSlot)
	}
	if want := shape.Rows * (end - begin + 1) * shape.Cols; n != want {
		return fmt.Errorf("upload of %d values, want %d", n, want)
	}
	return nil
}
