package solver

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"slicerecon/internal/models"
)

// CPUEngine is a voxel-driven back-projector running on the host. Every
// voxel centre is projected onto the detector of each projection and the
// sinogram is sampled bilinearly. It serves as the reference engine when no
// accelerator is linked in.
type CPUEngine struct {
	// Workers bounds the goroutines used by one Backproject call.
	// Zero means GOMAXPROCS.
	Workers int

	mu    sync.RWMutex
	shape SinogramShape
	slots []*cpuSlot
}

type cpuSlot struct {
	mu   sync.RWMutex
	data []float32
}

// NewCPUEngine returns an engine with no allocated slots.
func NewCPUEngine() *CPUEngine {
	return &CPUEngine{}
}

// Allocate implements Engine.
func (e *CPUEngine) Allocate(slots int, shape SinogramShape) error {
	if slots <= 0 || shape.Len() <= 0 {
		return fmt.Errorf("allocate %d slots of %+v: %w", slots, shape, models.ErrInvalidGeometry)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shape = shape
	e.slots = make([]*cpuSlot, slots)
	for i := range e.slots {
		e.slots[i] = &cpuSlot{data: make([]float32, shape.Len())}
	}
	return nil
}

func (e *CPUEngine) slot(i int) (*cpuSlot, SinogramShape, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i < 0 || i >= len(e.slots) {
		return nil, e.shape, fmt.Errorf("slot %d of %d: %w", i, len(e.slots), ErrSlot)
	}
	return e.slots[i], e.shape, nil
}

// Upload implements Engine.
func (e *CPUEngine) Upload(slot, projBegin, projEnd int, sino []float32) error {
	s, shape, err := e.slot(slot)
	if err != nil {
		return err
	}
	if err := checkUpload(shape, e.slotCount(), slot, projBegin, projEnd, len(sino)); err != nil {
		return err
	}

	n := projEnd - projBegin + 1
	s.mu.Lock()
	defer s.mu.Unlock()
	for row := 0; row < shape.Rows; row++ {
		src := sino[row*n*shape.Cols : (row+1)*n*shape.Cols]
		dst := s.data[(row*shape.Projections+projBegin)*shape.Cols:]
		copy(dst[:n*shape.Cols], src)
	}
	return nil
}

func (e *CPUEngine) slotCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.slots)
}

// detectorFrame caches the per-projection quantities of the detector plane.
type detectorFrame struct {
	source, det, u, v, normal r3.Vec
	norm2                     float64
	rayDot                    float64
}

// Backproject implements Engine.
func (e *CPUEngine) Backproject(slot int, geom ProjectionGeometry, vol VolumeGeometry, out []float32) error {
	s, shape, err := e.slot(slot)
	if err != nil {
		return err
	}
	if len(out) != vol.Voxels() {
		return fmt.Errorf("backproject into %d values, volume has %d voxels", len(out), vol.Voxels())
	}
	if geom.Rows != shape.Rows || geom.Cols != shape.Cols || len(geom.Vectors) != shape.Projections {
		return fmt.Errorf("%w: geometry %dx%d with %d projections against sinogram %+v",
			models.ErrInvalidGeometry, geom.Rows, geom.Cols, len(geom.Vectors), shape)
	}

	frames := make([]detectorFrame, len(geom.Vectors))
	for i, pv := range geom.Vectors {
		f := detectorFrame{source: pv.Source(), det: pv.Detector(), u: pv.U(), v: pv.V()}
		f.normal = r3.Cross(f.u, f.v)
		f.norm2 = r3.Norm2(f.normal)
		f.rayDot = r3.Dot(f.source, f.normal)
		frames[i] = f
	}

	step := [3]float64{
		float64(vol.Max[0]-vol.Min[0]) / float64(vol.Nx),
		float64(vol.Max[1]-vol.Min[1]) / float64(vol.Ny),
		float64(vol.Max[2]-vol.Min[2]) / float64(vol.Nz),
	}
	scale := math.Pi / float64(len(frames))
	cone := geom.Beam == models.ConeBeam

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(workers)
	for z := 0; z < vol.Nz; z++ {
		for y := 0; y < vol.Ny; y++ {
			z, y := z, y
			g.Go(func() error {
				line := out[(z*vol.Ny+y)*vol.Nx : (z*vol.Ny+y+1)*vol.Nx]
				p := r3.Vec{
					Y: float64(vol.Min[1]) + (float64(y)+0.5)*step[1],
					Z: float64(vol.Min[2]) + (float64(z)+0.5)*step[2],
				}
				for x := range line {
					p.X = float64(vol.Min[0]) + (float64(x)+0.5)*step[0]
					var sum float64
					for i := range frames {
						sum += sampleProjection(&frames[i], p, cone, s.data, shape, i)
					}
					line[x] = float32(sum * scale)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// sampleProjection projects p onto the detector of projection proj and
// returns the weighted, bilinearly interpolated sinogram value.
func sampleProjection(f *detectorFrame, p r3.Vec, cone bool, sino []float32, shape SinogramShape, proj int) float64 {
	if f.norm2 == 0 {
		return 0
	}

	var q r3.Vec
	weight := 1.0
	if cone {
		ray := r3.Sub(p, f.source)
		denom := r3.Dot(ray, f.normal)
		if denom == 0 {
			return 0
		}
		t := r3.Dot(r3.Sub(f.det, f.source), f.normal) / denom
		q = r3.Add(f.source, r3.Scale(t, ray))
		weight = t * t
	} else {
		if f.rayDot == 0 {
			return 0
		}
		t := r3.Dot(r3.Sub(f.det, p), f.normal) / f.rayDot
		q = r3.Add(p, r3.Scale(t, f.source))
	}

	rel := r3.Sub(q, f.det)
	a := r3.Dot(r3.Cross(rel, f.v), f.normal) / f.norm2
	b := r3.Dot(r3.Cross(f.u, rel), f.normal) / f.norm2
	col := a + float64(shape.Cols)/2 - 0.5
	row := b + float64(shape.Rows)/2 - 0.5

	return weight * bilinear(sino, shape, proj, row, col)
}

// bilinear samples the sinogram of one projection at a fractional detector
// position. Taps outside the detector contribute zero.
func bilinear(sino []float32, shape SinogramShape, proj int, row, col float64) float64 {
	r0 := int(math.Floor(row))
	c0 := int(math.Floor(col))
	fr := row - float64(r0)
	fc := col - float64(c0)

	at := func(r, c int) float64 {
		if r < 0 || r >= shape.Rows || c < 0 || c >= shape.Cols {
			return 0
		}
		return float64(sino[(r*shape.Projections+proj)*shape.Cols+c])
	}
	return (1-fr)*((1-fc)*at(r0, c0)+fc*at(r0, c0+1)) +
		fr*((1-fc)*at(r0+1, c0)+fc*at(r0+1, c0+1))
}

// Close implements Engine.
func (e *CPUEngine) Close() error {
	e.mu.Lock()
	e.slots = nil
	e.mu.Unlock()
	return nil
}
