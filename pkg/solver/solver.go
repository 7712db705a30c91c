package solver

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"slicerecon/internal/models"
)

// Tunable names exposed by the parallel-beam solver.
const (
	ParamTiltAngle     = "tilt angle"
	ParamTiltTranslate = "tilt translate"
)

// Solver reconstructs slices and previews for one beam model. It is created
// once per session from the acquisition geometry.
type Solver interface {
	// ReconstructSlice back-projects the oriented plane o from sinogram slot.
	ReconstructSlice(o models.Orientation, slot int) (models.SliceData, error)
	// ReconstructPreview back-projects the whole volume at preview
	// resolution into buf (PreviewSize^3 values).
	ReconstructPreview(buf []float32, slot int) error
	// ParameterChanged applies a beam-specific tunable and reports whether
	// the projection geometry changed.
	ParameterChanged(name string, value models.ParameterValue) bool
	// Parameters lists the tunables this solver exposes with their defaults.
	Parameters() []models.Parameter
	// Geometry returns the acquisition geometry, volume box included.
	Geometry() models.AcquisitionGeometry
}

// New creates the solver matching geom's beam model.
func New(settings models.Settings, geom models.AcquisitionGeometry, engine Engine) (Solver, error) {
	geom = geom.WithDefaultVolume()
	vectors, err := Vectors(geom)
	if err != nil {
		return nil, err
	}

	switch geom.Beam {
	case models.ParallelBeam:
		s := &ParallelSolver{}
		s.init(settings, geom, engine, vectors)
		return s, nil
	case models.ConeBeam:
		s := &ConeSolver{}
		s.init(settings, geom, engine, vectors)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown beam model %v", models.ErrInvalidGeometry, geom.Beam)
	}
}

// base holds what both beam models share: the engine, the volume box and
// the projection vectors.
type base struct {
	settings models.Settings
	geom     models.AcquisitionGeometry
	engine   Engine

	// original is the geometry as received; vectors is what the engine
	// sees after tunables are applied.
	original []ProjectionVector
	mu       sync.RWMutex
	vectors  []ProjectionVector
}

func (b *base) init(settings models.Settings, geom models.AcquisitionGeometry, engine Engine, vectors []ProjectionVector) {
	b.settings = settings
	b.geom = geom
	b.engine = engine
	b.original = vectors
	b.vectors = append([]ProjectionVector(nil), vectors...)
}

func (b *base) Geometry() models.AcquisitionGeometry {
	return b.geom
}

func (b *base) ReconstructSlice(o models.Orientation, slot int) (models.SliceData, error) {
	n := b.settings.SliceSize
	t := NewSliceTransform(o, b.geom.VolumeMin, b.geom.VolumeMax)

	b.mu.RLock()
	transformed := t.Apply(b.geom.Beam, b.vectors, nil)
	b.mu.RUnlock()

	proj := ProjectionGeometry{Beam: b.geom.Beam, Rows: b.geom.Rows, Cols: b.geom.Cols, Vectors: transformed}
	out := make([]float32, n*n)
	if err := b.engine.Backproject(slot, proj, CanonicalSlab(n, b.geom.VolumeMin, b.geom.VolumeMax), out); err != nil {
		return models.SliceData{}, fmt.Errorf("reconstruct slice: %w", err)
	}
	return models.SliceData{Size: [2]int{n, n}, Data: out}, nil
}

func (b *base) ReconstructPreview(buf []float32, slot int) error {
	p := b.settings.PreviewSize
	vol := VolumeGeometry{Nx: p, Ny: p, Nz: p, Min: b.geom.VolumeMin, Max: b.geom.VolumeMax}
	if len(buf) != vol.Voxels() {
		return fmt.Errorf("preview buffer of %d values, want %d", len(buf), vol.Voxels())
	}

	b.mu.RLock()
	proj := ProjectionGeometry{
		Beam: b.geom.Beam, Rows: b.geom.Rows, Cols: b.geom.Cols,
		Vectors: append([]ProjectionVector(nil), b.vectors...),
	}
	b.mu.RUnlock()

	if err := b.engine.Backproject(slot, proj, vol, buf); err != nil {
		return fmt.Errorf("reconstruct preview: %w", err)
	}

	ratio := float32(b.settings.SliceSize) / float32(p)
	factor := ratio * ratio * ratio
	for i := range buf {
		buf[i] *= factor
	}
	return nil
}

// ParallelSolver reconstructs parallel-beam scans. With tilt correction
// enabled it exposes the rotation-axis tilt angle (degrees) and a detector
// translation (pixels) as tunables.
type ParallelSolver struct {
	base

	tiltAngle     float32
	tiltTranslate float32
}

// Parameters implements Solver.
func (s *ParallelSolver) Parameters() []models.Parameter {
	if !s.settings.TiltAxis {
		return nil
	}
	return []models.Parameter{
		{Name: ParamTiltAngle, Value: models.FloatValue(0)},
		{Name: ParamTiltTranslate, Value: models.FloatValue(0)},
	}
}

// ParameterChanged implements Solver.
func (s *ParallelSolver) ParameterChanged(name string, value models.ParameterValue) bool {
	if !s.settings.TiltAxis || value.Kind != models.FloatParameter {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case ParamTiltAngle:
		if s.tiltAngle == value.Float {
			return false
		}
		s.tiltAngle = value.Float
	case ParamTiltTranslate:
		if s.tiltTranslate == value.Float {
			return false
		}
		s.tiltTranslate = value.Float
	default:
		return false
	}

	s.vectors = tilt(s.original, float64(s.tiltAngle)*math.Pi/180, float64(s.tiltTranslate))
	return true
}

// tilt rotates the detector axes of every vector about the detector normal
// and shifts the detector centre by translate columns.
func tilt(vectors []ProjectionVector, angle, translate float64) []ProjectionVector {
	out := make([]ProjectionVector, len(vectors))
	for i, pv := range vectors {
		u, v := pv.U(), pv.V()
		normal := r3.Cross(u, v)
		if r3.Norm(normal) > 0 {
			normal = r3.Unit(normal)
			u = r3.Rotate(u, angle, normal)
			v = r3.Rotate(v, angle, normal)
		}
		det := r3.Add(pv.Detector(), r3.Scale(translate, u))
		out[i] = NewProjectionVector(pv.Source(), det, u, v)
	}
	return out
}

// ConeSolver reconstructs cone-beam scans.
type ConeSolver struct {
	base
}

// Parameters implements Solver.
func (s *ConeSolver) Parameters() []models.Parameter {
	return nil
}

// ParameterChanged implements Solver.
func (s *ConeSolver) ParameterChanged(string, models.ParameterValue) bool {
	return false
}

// FDKWeights returns the per-pixel distance weights of the first projection:
// the source to detector-plane distance over the source to pixel distance.
func (s *ConeSolver) FDKWeights() []float32 {
	rows, cols := s.geom.Rows, s.geom.Cols
	weights := make([]float32, rows*cols)
	if len(s.original) == 0 {
		return weights
	}

	pv := s.original[0]
	source, det, u, v := pv.Source(), pv.Detector(), pv.U(), pv.V()
	normal := r3.Cross(u, v)
	if r3.Norm(normal) == 0 {
		return weights
	}
	plane := math.Abs(r3.Dot(r3.Sub(det, source), r3.Unit(normal)))

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pixel := r3.Add(det, r3.Add(
				r3.Scale(float64(c)-float64(cols)/2+0.5, u),
				r3.Scale(float64(r)-float64(rows)/2+0.5, v)))
			if d := r3.Norm(r3.Sub(pixel, source)); d > 0 {
				weights[r*cols+c] = float32(plane / d)
			}
		}
	}
	return weights
}
