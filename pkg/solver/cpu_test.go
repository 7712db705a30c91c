package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slicerecon/internal/models"
)

func TestCPUEngineAllocateAndUpload(t *testing.T) {
	e := NewCPUEngine()
	shape := SinogramShape{Rows: 2, Cols: 3, Projections: 4}
	require.NoError(t, e.Allocate(2, shape))

	// projections 1..2, laid out rows x 2 x cols
	sino := []float32{
		1, 2, 3, 4, 5, 6, // row 0
		7, 8, 9, 10, 11, 12, // row 1
	}
	require.NoError(t, e.Upload(1, 1, 2, sino))

	data := e.slots[1].data
	assert.Equal(t, []float32{0, 0, 0, 1, 2, 3, 4, 5, 6, 0, 0, 0}, data[:12], "row 0")
	assert.Equal(t, []float32{0, 0, 0, 7, 8, 9, 10, 11, 12, 0, 0, 0}, data[12:], "row 1")
	for _, v := range e.slots[0].data {
		assert.Zero(t, v, "slot 0 untouched")
	}

	assert.ErrorIs(t, e.Upload(2, 0, 0, make([]float32, 6)), ErrSlot)
	assert.ErrorIs(t, e.Upload(0, 3, 4, make([]float32, 12)), ErrSlot)
	assert.Error(t, e.Upload(0, 0, 0, make([]float32, 5)))
	assert.Error(t, e.Allocate(0, shape))
}

func TestCPUEngineBackprojectConstant(t *testing.T) {
	geom := parallelGeometry(4, 16, 6)
	vectors, err := Vectors(geom)
	require.NoError(t, err)

	e := NewCPUEngine()
	e.Workers = 2
	shape := SinogramShape{Rows: 4, Cols: 16, Projections: 6}
	require.NoError(t, e.Allocate(1, shape))
	ones := make([]float32, shape.Len())
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, e.Upload(0, 0, 5, ones))

	vol := VolumeGeometry{Nx: 4, Ny: 4, Nz: 2, Min: [3]float32{-1, -1, -1}, Max: [3]float32{1, 1, 1}}
	out := make([]float32, vol.Voxels())
	proj := ProjectionGeometry{Beam: models.ParallelBeam, Rows: 4, Cols: 16, Vectors: vectors}
	require.NoError(t, e.Backproject(0, proj, vol, out))

	// every voxel sees the constant from all projections: N * 1 * pi/N
	for i, v := range out {
		assert.InDelta(t, math.Pi, float64(v), 1e-4, "voxel %d", i)
	}

	assert.Error(t, e.Backproject(0, proj, vol, out[:3]))
	proj.Vectors = vectors[:2]
	assert.ErrorIs(t, e.Backproject(0, proj, vol, out), models.ErrInvalidGeometry)
	assert.ErrorIs(t, e.Backproject(3, proj, vol, out), ErrSlot)
	require.NoError(t, e.Close())
}

func TestCPUEngineConeWeights(t *testing.T) {
	geom := coneGeometry(8, 8, 1)
	geom.Angles = []float32{0}
	vectors, err := Vectors(geom)
	require.NoError(t, err)

	e := NewCPUEngine()
	shape := SinogramShape{Rows: 8, Cols: 8, Projections: 1}
	require.NoError(t, e.Allocate(1, shape))
	ones := make([]float32, shape.Len())
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, e.Upload(0, 0, 0, ones))

	// a voxel at the rotation axis is magnified by (100+50)/100
	vol := VolumeGeometry{Nx: 1, Ny: 1, Nz: 1, Min: [3]float32{-0.1, -0.1, -0.1}, Max: [3]float32{0.1, 0.1, 0.1}}
	out := make([]float32, 1)
	proj := ProjectionGeometry{Beam: models.ConeBeam, Rows: 8, Cols: 8, Vectors: vectors}
	require.NoError(t, e.Backproject(0, proj, vol, out))
	assert.InDelta(t, math.Pi*1.5*1.5, float64(out[0]), 1e-4)
}

func TestBilinear(t *testing.T) {
	shape := SinogramShape{Rows: 2, Cols: 2, Projections: 1}
	sino := []float32{0, 1, 2, 3}
	assert.InDelta(t, 1.5, bilinear(sino, shape, 0, 0.5, 0.5), 1e-12)
	assert.InDelta(t, 1.0, bilinear(sino, shape, 0, 0, 1), 1e-12)
	assert.InDelta(t, 0.0, bilinear(sino, shape, 0, -3, 0), 1e-12)
}
