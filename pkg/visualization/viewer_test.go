package visualization

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/reconstruction"
	"slicerecon/pkg/solver"
)

// testVolume returns a size^3 volume whose voxel (x, y, z) holds x+10y+100z.
func testVolume(size int) []float32 {
	data := make([]float32, size*size*size)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				data[z*size*size+y*size+x] = float32(x + 10*y + 100*z)
			}
		}
	}
	return data
}

// TestNewViewer verifies that the volume size is checked
func TestNewViewer(t *testing.T) {
	if _, err := NewViewer(make([]float32, 8), 2); err != nil {
		t.Fatalf("Unexpected error for a 2^3 volume: %v", err)
	}
	if _, err := NewViewer(make([]float32, 7), 2); err == nil {
		t.Error("Expected error for a short volume")
	}
	if _, err := NewViewer(nil, 0); err == nil {
		t.Error("Expected error for an empty volume")
	}
}

// TestSection verifies that sections are correctly extracted from the volume
func TestSection(t *testing.T) {
	size := 4
	viewer, err := NewViewer(testVolume(size), size)
	require.NoError(t, err)

	tests := []struct {
		axis     Axis
		position int
		// value at column c, row r
		want func(c, r int) float32
	}{
		{AxisZ, 2, func(c, r int) float32 { return float32(c + 10*r + 200) }},
		{AxisY, 1, func(c, r int) float32 { return float32(c + 10 + 100*r) }},
		{AxisX, 3, func(c, r int) float32 { return float32(3 + 10*r + 100*c) }},
	}
	for _, tt := range tests {
		t.Run(tt.axis.String(), func(t *testing.T) {
			s, err := viewer.Section(tt.axis, tt.position)
			require.NoError(t, err)
			assert.Equal(t, [2]int{size, size}, s.Size)
			for r := 0; r < size; r++ {
				for c := 0; c < size; c++ {
					if got := s.Data[r*size+c]; got != tt.want(c, r) {
						t.Errorf("Expected %v at (%d,%d), got %v", tt.want(c, r), c, r, got)
					}
				}
			}
		})
	}

	if _, err := viewer.Section(AxisZ, size); err == nil {
		t.Error("Expected error for a position beyond the volume")
	}
	if _, err := viewer.Section(Axis(7), 0); err == nil {
		t.Error("Expected error for an invalid axis")
	}

	central, err := viewer.Central()
	require.NoError(t, err)
	require.Len(t, central, 3)
	assert.Equal(t, float32(200), central[0].Data[0])
}

// TestParseAxis verifies the accepted axis names
func TestParseAxis(t *testing.T) {
	for name, want := range map[string]Axis{"x": AxisX, "Y": AxisY, "axial": AxisZ, "coronal": AxisY} {
		got, err := ParseAxis(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseAxis("w")
	assert.Error(t, err)
}

// TestGray16 verifies that slices are stretched to the 16-bit range
func TestGray16(t *testing.T) {
	s := models.SliceData{Size: [2]int{2, 2}, Data: []float32{-1, 0, 1, 3}}
	img, err := Gray16(s)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), img.Gray16At(1, 1).Y)
	assert.InDelta(t, 32767, float64(img.Gray16At(0, 1).Y), 1)

	flat, err := Gray16(models.SliceData{Size: [2]int{1, 2}, Data: []float32{5, 5}})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), flat.Gray16At(0, 1).Y)

	_, err = Gray16(models.SliceData{Size: [2]int{2, 2}, Data: []float32{1}})
	assert.Error(t, err)
}

// TestWriteTIFF verifies the encoded image decodes back to 16-bit gray
func TestWriteTIFF(t *testing.T) {
	s := models.SliceData{Size: [2]int{3, 2}, Data: []float32{0, 1, 2, 3, 4, 5}}
	var buf bytes.Buffer
	require.NoError(t, WriteTIFF(&buf, s))

	img, err := tiff.Decode(&buf)
	require.NoError(t, err)
	gray, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("Expected *image.Gray16, got %T", img)
	}
	assert.Equal(t, image.Rect(0, 0, 3, 2), gray.Bounds())
	assert.Equal(t, uint16(0), gray.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(2, 1).Y)
}

// TestSaveHeatMap verifies that heat maps are rendered to disk
func TestSaveHeatMap(t *testing.T) {
	dir := t.TempDir()
	viewer, err := NewViewer(testVolume(4), 4)
	require.NoError(t, err)
	s, err := viewer.Section(AxisZ, 0)
	require.NoError(t, err)

	path := filepath.Join(dir, "axial.png")
	require.NoError(t, SaveHeatMap(path, s, "axial"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	flat := models.SliceData{Size: [2]int{2, 2}, Data: []float32{1, 1, 1, 1}}
	require.NoError(t, SaveHeatMap(filepath.Join(dir, "flat.png"), flat, "flat"))

	_, err = HeatMap(models.SliceData{Size: [2]int{0, 0}}, "empty")
	assert.Error(t, err)
}

type staticPreview struct {
	data []float32
	size int
}

func (p staticPreview) PreviewData() ([]float32, int) { return p.data, p.size }

// TestExporter verifies that every snapshot writes the three sections and the heat map
func TestExporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	e := NewExporter(dir, staticPreview{testVolume(4), 4}, logging.Nop())
	e.RegisterParameter(reconstruction.ParamFilter, models.ChoiceValue("ram-lak", models.FilterNames...))

	paths, err := e.Export()
	require.NoError(t, err)
	want := []string{
		filepath.Join(dir, "preview_0001_axial.tiff"),
		filepath.Join(dir, "preview_0001_coronal.tiff"),
		filepath.Join(dir, "preview_0001_sagittal.tiff"),
		filepath.Join(dir, "preview_0001_axial.png"),
	}
	assert.Equal(t, want, paths)
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
	assert.Equal(t, "ram-lak", e.filterName())

	// notifications are merged and never block
	e.Notify(nil)
	e.Notify(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "preview_0002_axial.png"))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	_, err = os.Stat(filepath.Join(dir, "preview_0003_axial.png"))
	assert.True(t, os.IsNotExist(err))
}

// TestExporterWithoutPreview verifies that nothing is written before initialization
func TestExporterWithoutPreview(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	e := NewExporter(dir, staticPreview{}, nil)
	paths, err := e.Export()
	require.NoError(t, err)
	assert.Empty(t, paths)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

// TestExporterFollowsFilterChanges verifies that snapshot titles track runtime filter changes
func TestExporterFollowsFilterChanges(t *testing.T) {
	settings := models.DefaultSettings()
	settings.SliceSize, settings.PreviewSize, settings.GroupSize = 4, 2, 2
	settings.Darks, settings.Flats = 0, 0
	r := reconstruction.New(settings, &solver.RecordingEngine{})
	defer r.Close()

	e := NewExporter(t.TempDir(), r, nil)
	r.AddListener(e)
	assert.Equal(t, settings.Filter.String(), e.filterName())

	require.NoError(t, r.Initialize(models.AcquisitionGeometry{
		Rows: 2, Cols: 2, ProjCount: 2, Beam: models.ParallelBeam, Angles: []float32{0, 1},
	}))
	changed, err := r.ParameterChanged(reconstruction.ParamFilter, models.ChoiceValue("gaussian"))
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "gaussian", e.filterName())
}
