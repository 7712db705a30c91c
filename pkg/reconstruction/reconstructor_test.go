package reconstruction

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slicerecon/internal/models"
	"slicerecon/pkg/solver"
)

// testGeometry returns a parallel-beam geometry over half a turn.
func testGeometry(rows, cols, projs int) models.AcquisitionGeometry {
	angles := make([]float32, projs)
	for i := range angles {
		angles[i] = float32(i) * math.Pi / float32(projs)
	}
	return models.AcquisitionGeometry{
		Rows: rows, Cols: cols, ProjCount: projs,
		Beam:   models.ParallelBeam,
		Angles: angles,
	}
}

func testSettings(mode models.Mode, groupSize int) models.Settings {
	s := models.DefaultSettings()
	s.SliceSize = 8
	s.PreviewSize = 4
	s.GroupSize = groupSize
	s.FilterCores = 2
	s.Darks, s.Flats = 0, 0
	s.Mode = mode
	return s
}

// recordingListener records every call it receives.
type recordingListener struct {
	mu       sync.Mutex
	notified int
	params   []models.Parameter
}

func (l *recordingListener) Notify(*Reconstructor) {
	l.mu.Lock()
	l.notified++
	l.mu.Unlock()
}

func (l *recordingListener) RegisterParameter(name string, value models.ParameterValue) {
	l.mu.Lock()
	l.params = append(l.params, models.Parameter{Name: name, Value: value})
	l.mu.Unlock()
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notified, len(l.params)
}

// recordingObserver records session events.
type recordingObserver struct {
	mu          sync.Mutex
	initialized int
	scans       int
	uploads     [][3]int
}

func (o *recordingObserver) Initialized(models.AcquisitionGeometry, models.Settings) {
	o.mu.Lock()
	o.initialized++
	o.mu.Unlock()
}

func (o *recordingObserver) ScanSettingsChanged(int, int, bool) {
	o.mu.Lock()
	o.scans++
	o.mu.Unlock()
}

func (o *recordingObserver) Uploaded(slot, begin, end int) {
	o.mu.Lock()
	o.uploads = append(o.uploads, [3]int{slot, begin, end})
	o.mu.Unlock()
}

func pushScan(t *testing.T, r *Reconstructor, geom models.AcquisitionGeometry, first, count int, value float32) {
	t.Helper()
	data := make([]float32, geom.Pixels())
	for i := range data {
		data[i] = value
	}
	for i := first; i < first+count; i++ {
		require.NoError(t, r.PushProjection(models.Standard, i, [2]int{geom.Rows, geom.Cols}, data))
	}
}

func TestPushTriggersProcessingAndUploads(t *testing.T) {
	geom := testGeometry(4, 4, 16)

	t.Run("alternating", func(t *testing.T) {
		engine := &solver.RecordingEngine{}
		r := New(testSettings(models.Alternating, 8), engine)
		defer r.Close()
		require.NoError(t, r.Initialize(geom))

		pushScan(t, r, geom, 0, 16, 1)
		stats := r.Stats()
		assert.Equal(t, int64(2), stats.Processed)
		assert.Equal(t, int64(1), stats.Uploads)
		assert.Equal(t, 2, engine.Slots())

		uploads := engine.Uploads()
		require.Len(t, uploads, 1)
		assert.Equal(t, 1, uploads[0].Slot, "first upload fills the unpublished slot")
		assert.Equal(t, 0, uploads[0].Begin)
		assert.Equal(t, 15, uploads[0].End)
	})

	t.Run("continuous", func(t *testing.T) {
		engine := &solver.RecordingEngine{}
		r := New(testSettings(models.Continuous, 8), engine)
		defer r.Close()
		require.NoError(t, r.Initialize(geom))

		pushScan(t, r, geom, 0, 16, 1)
		stats := r.Stats()
		assert.Equal(t, int64(2), stats.Processed)
		assert.Equal(t, int64(2), stats.Uploads)
		assert.Equal(t, 1, engine.Slots())

		var ranges [][2]int
		for _, u := range engine.Uploads() {
			assert.Equal(t, 0, u.Slot)
			ranges = append(ranges, [2]int{u.Begin, u.End})
		}
		if diff := cmp.Diff([][2]int{{0, 7}, {8, 15}}, ranges); diff != "" {
			t.Errorf("upload ranges mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestContinuousWrapAround(t *testing.T) {
	geom := testGeometry(2, 2, 10)
	engine := &solver.RecordingEngine{}
	obs := &recordingObserver{}
	settings := testSettings(models.Continuous, 4)
	settings.AlreadyLinear = true
	r := New(settings, engine, WithObserver(obs))
	defer r.Close()
	require.NoError(t, r.Initialize(geom))

	pushScan(t, r, geom, 0, 12, 0)

	want := [][3]int{{0, 0, 3}, {0, 4, 7}, {0, 8, 9}, {0, 0, 1}}
	obs.mu.Lock()
	got := append([][3]int(nil), obs.uploads...)
	obs.mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("uploads mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(3), r.Stats().Cycles)
	assert.Equal(t, int64(4), r.Stats().Uploads)

	// the wrapped halves carry 2 projections of 2x2 pixels each
	uploads := engine.Uploads()
	require.Len(t, uploads, 4)
	assert.Len(t, uploads[2].Data, 8)
	assert.Len(t, uploads[3].Data, 8)
}

func TestContinuousRanges(t *testing.T) {
	assert.Equal(t, []uploadRange{{0, 7, 8, 15}}, continuousRanges(1, 8, 16))
	assert.Equal(t, []uploadRange{{0, 3, 0, 3}}, continuousRanges(4, 4, 16))
	assert.Equal(t, []uploadRange{{0, 1, 8, 9}, {2, 3, 0, 1}}, continuousRanges(2, 4, 10))
}

func TestTransposeIsBijection(t *testing.T) {
	const rows, cols, projs = 3, 5, 4
	buffer := make([]float32, rows*cols*projs)
	for i := range buffer {
		buffer[i] = float32(i)
	}

	sino := transposeIntoSino(buffer, rows, cols, 0, projs-1, nil)
	// detector row 1 of projection 2 sits at row*n*cols + proj*cols
	assert.Equal(t, buffer[2*rows*cols+1*cols], sino[1*projs*cols+2*cols])

	restored := make([]float32, len(buffer))
	transposeFromSino(sino, rows, cols, 0, projs-1, restored)
	assert.Equal(t, buffer, restored)

	partial := transposeIntoSino(buffer, rows, cols, 1, 2, nil)
	back := make([]float32, len(buffer))
	transposeFromSino(partial, rows, cols, 1, 2, back)
	assert.Equal(t, buffer[rows*cols:3*rows*cols], back[rows*cols:3*rows*cols])
}

func TestFlatFieldReciprocal(t *testing.T) {
	geom := testGeometry(2, 2, 4)
	settings := testSettings(models.Alternating, 2)
	settings.Darks, settings.Flats = 2, 1
	r := New(settings, &solver.RecordingEngine{})
	defer r.Close()
	require.NoError(t, r.Initialize(geom))
	shape := [2]int{2, 2}

	require.NoError(t, r.PushProjection(models.Dark, 0, shape, []float32{1, 1, 1, 1}))
	require.NoError(t, r.PushProjection(models.Dark, 1, shape, []float32{3, 3, 3, 3}))
	s := r.session
	assert.Nil(t, s.flat.dark, "not computed before all frames arrived")

	require.NoError(t, r.PushProjection(models.Light, 0, shape, []float32{2, 4, 2, 6}))
	assert.Equal(t, []float32{2, 2, 2, 2}, s.flat.dark)
	assert.Equal(t, []float32{1, 0.5, 1, 0.25}, s.flat.reciprocal)
	assert.True(t, s.pipeline.HasFlatField())
	assert.Equal(t, 0, s.flat.received, "counter reset after recompute")

	err := r.PushProjection(models.Light, 1, shape, []float32{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.True(t, IsServerError(err))
}

func TestUninitializedReconstructor(t *testing.T) {
	r := New(testSettings(models.Alternating, 8), &solver.RecordingEngine{})
	defer r.Close()

	for _, o := range []models.Orientation{{}, {1, 0, 0, 0, 1, 0, 0, 0, 0}, {0, 2, 0, 0, 0, 2, 0, -1, -1}} {
		slice, err := r.ReconstructSlice(o)
		require.NoError(t, err)
		assert.Equal(t, models.SliceData{Size: [2]int{1, 1}, Data: []float32{0}}, slice)
	}

	require.NoError(t, r.PushProjection(models.Standard, 0, [2]int{3, 3}, make([]float32, 9)))
	assert.Equal(t, int64(1), r.Stats().Dropped)
	assert.False(t, r.Initialized())

	preview, size := r.PreviewData()
	assert.Empty(t, preview)
	assert.Zero(t, size)
}

func TestShapeMismatch(t *testing.T) {
	r := New(testSettings(models.Alternating, 8), &solver.RecordingEngine{})
	defer r.Close()
	require.NoError(t, r.Initialize(testGeometry(32, 32, 16)))

	err := r.PushProjection(models.Standard, 0, [2]int{10, 10}, make([]float32, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "push projection", se.Op)
}

func TestInvalidGeometry(t *testing.T) {
	r := New(testSettings(models.Alternating, 8), &solver.RecordingEngine{})
	defer r.Close()

	geom := testGeometry(4, 4, 8)
	geom.Angles = geom.Angles[:5]
	err := r.Initialize(geom)
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)
	assert.True(t, IsServerError(err))
	assert.False(t, r.Initialized())

	geom = testGeometry(-1, 4, 8)
	assert.True(t, IsServerError(r.Initialize(geom)))
}

func TestZeroScanScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping CPU back-projection scenario in short mode")
	}

	settings := models.DefaultSettings()
	settings.SliceSize = 64
	settings.PreviewSize = 32
	settings.GroupSize = 8
	settings.FilterCores = 2
	settings.Darks, settings.Flats = 0, 0
	geom := testGeometry(32, 32, 16)

	r := New(settings, solver.NewCPUEngine())
	defer r.Close()
	require.NoError(t, r.Initialize(geom))
	pushScan(t, r, geom, 0, 16, 0)

	preview, size := r.PreviewData()
	assert.Equal(t, 32, size)
	require.Len(t, preview, 32*32*32)
	for i, v := range preview {
		if v != 0 {
			t.Fatalf("preview[%d] = %v, want 0", i, v)
		}
	}

	slice, err := r.ReconstructSlice(models.Orientation{1, 0, 0, 0, 1, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, [2]int{64, 64}, slice.Size)
	require.Len(t, slice.Data, 64*64)
	for i, v := range slice.Data {
		if v != 0 {
			t.Fatalf("slice[%d] = %v, want 0", i, v)
		}
	}
}

func TestAlternatingQueryDoesNotWaitForUpload(t *testing.T) {
	geom := testGeometry(4, 4, 4)
	entered := make(chan int, 4)
	release := make(chan struct{})
	var blocking sync.Once
	engine := &solver.RecordingEngine{}

	r := New(testSettings(models.Alternating, 2), engine)
	defer r.Close()
	require.NoError(t, r.Initialize(geom))

	// first scan publishes slot 1
	pushScan(t, r, geom, 0, 4, 1)
	require.Equal(t, int32(1), r.session.published.Load())

	engine.OnUpload = func(slot, begin, end int) {
		entered <- slot
		blocking.Do(func() { <-release })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pushScan(t, r, geom, 4, 4, 2)
	}()

	select {
	case slot := <-entered:
		assert.Equal(t, 0, slot, "second scan fills the other slot")
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	queried := make(chan error, 1)
	go func() {
		_, err := r.ReconstructSlice(models.Orientation{2, 0, 0, 0, 2, 0, -1, -1, 0})
		queried <- err
	}()
	select {
	case err := <-queried:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("slice query blocked on the in-progress upload")
	}

	calls := engine.Backprojections()
	require.NotEmpty(t, calls)
	assert.Equal(t, 1, calls[len(calls)-1].Slot, "query reads the published slot")

	close(release)
	<-done
	assert.Equal(t, int32(0), r.session.published.Load(), "flip after the upload")
}

func TestContinuousQueriesDuringIngestion(t *testing.T) {
	geom := testGeometry(8, 8, 16)
	r := New(testSettings(models.Continuous, 2), solver.NewCPUEngine())
	defer r.Close()
	require.NoError(t, r.Initialize(geom))

	const pushes = 96
	stop := make(chan struct{})
	queryErrs := make(chan error, 4)
	var queries sync.WaitGroup
	for q := 0; q < 4; q++ {
		queries.Add(1)
		go func() {
			defer queries.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := r.ReconstructSlice(models.Orientation{2, 0, 0, 0, 2, 0, -1, -1, 0}); err != nil {
					queryErrs <- err
					return
				}
			}
		}()
	}

	ingested := make(chan error, 1)
	go func() {
		data := make([]float32, geom.Pixels())
		for i := 0; i < pushes; i++ {
			if err := r.PushProjection(models.Standard, i, [2]int{geom.Rows, geom.Cols}, data); err != nil {
				ingested <- err
				return
			}
		}
		ingested <- nil
	}()

	select {
	case err := <-ingested:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatalf("ingestion stalled while queries were running: %+v", r.Stats())
	}
	close(stop)
	queries.Wait()
	close(queryErrs)
	for err := range queryErrs {
		t.Errorf("Unexpected query error: %v", err)
	}

	stats := r.Stats()
	assert.Equal(t, int64(pushes), stats.Received)
	assert.Equal(t, int64(pushes/2), stats.Cycles)
}

func TestEngineLockOnlyGuardsSharedSlot(t *testing.T) {
	geom := testGeometry(4, 4, 4)
	o := models.Orientation{2, 0, 0, 0, 2, 0, -1, -1, 0}

	alternating := New(testSettings(models.Alternating, 2), &solver.RecordingEngine{})
	defer alternating.Close()
	require.NoError(t, alternating.Initialize(geom))

	alternating.gpuMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = alternating.ReconstructSlice(o)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		alternating.gpuMu.Unlock()
		t.Fatal("alternating query waited on the engine mutex")
	}
	alternating.gpuMu.Unlock()

	continuous := New(testSettings(models.Continuous, 2), &solver.RecordingEngine{})
	defer continuous.Close()
	require.NoError(t, continuous.Initialize(geom))

	continuous.gpuMu.Lock()
	done = make(chan struct{})
	go func() {
		defer close(done)
		_, _ = continuous.ReconstructSlice(o)
	}()
	select {
	case <-done:
		t.Error("continuous query ran without the engine mutex")
	case <-time.After(50 * time.Millisecond):
	}
	continuous.gpuMu.Unlock()
	<-done
}

func TestListenersAndParameters(t *testing.T) {
	geom := testGeometry(4, 4, 4)
	settings := testSettings(models.Alternating, 4)
	settings.TiltAxis = true
	r := New(settings, &solver.RecordingEngine{})
	defer r.Close()

	early := &recordingListener{}
	r.AddListener(early)
	_, params := early.counts()
	assert.Equal(t, 1, params, "only the filter before initialization")

	require.NoError(t, r.Initialize(geom))
	_, params = early.counts()
	assert.Equal(t, 4, params, "tunables pushed again on initialize")

	late := &recordingListener{}
	id := r.AddListener(late)
	_, params = late.counts()
	assert.Equal(t, 3, params)
	assert.Equal(t, ParamFilter, late.params[0].Name)
	assert.Equal(t, models.FilterNames, late.params[0].Value.Choices)

	pushScan(t, r, geom, 0, 4, 1)
	notified, _ := late.counts()
	assert.Equal(t, 1, notified, "one notify per upload cycle")

	changed, err := r.ParameterChanged(solver.ParamTiltAngle, models.FloatValue(1.5))
	require.NoError(t, err)
	assert.True(t, changed)
	notified, _ = late.counts()
	assert.Equal(t, 2, notified, "geometry change re-notifies")

	_, params = late.counts()
	assert.Equal(t, 4, params, "applied tunable pushed to listeners")
	assert.Equal(t, models.Parameter{Name: solver.ParamTiltAngle, Value: models.FloatValue(1.5)}, late.params[3])

	changed, err = r.ParameterChanged(ParamFilter, models.ChoiceValue("ram-lak"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.FilterRamLak, r.session.pipeline.Filter())
	_, params = late.counts()
	require.Equal(t, 5, params)
	assert.Equal(t, ParamFilter, late.params[4].Name)
	assert.Equal(t, "ram-lak", late.params[4].Value.Choice)
	assert.Equal(t, models.FilterNames, late.params[4].Value.Choices)

	changed, err = r.ParameterChanged(ParamFilter, models.ChoiceValue("ram-lak"))
	require.NoError(t, err)
	assert.False(t, changed)
	_, params = late.counts()
	assert.Equal(t, 5, params, "unchanged filter is not pushed")

	_, err = r.ParameterChanged(ParamFilter, models.ChoiceValue("bogus"))
	assert.True(t, IsServerError(err))

	assert.True(t, r.RemoveListener(id))
	assert.False(t, r.RemoveListener(id))
	pushScan(t, r, geom, 0, 4, 1)
	notified, _ = late.counts()
	assert.Equal(t, 2, notified, "removed listener is not notified")
	notified, _ = early.counts()
	assert.Equal(t, 3, notified)
}

func TestScanSettingsAndVolume(t *testing.T) {
	obs := &recordingObserver{}
	r := New(testSettings(models.Alternating, 4), &solver.RecordingEngine{}, WithObserver(obs))
	defer r.Close()

	assert.True(t, IsServerError(r.SetScanSettings(-1, 0, false)))
	require.NoError(t, r.SetScanSettings(1, 1, true))
	assert.Equal(t, 1, r.Settings().Darks)
	assert.True(t, r.Settings().AlreadyLinear)

	r.SetVolume([3]float32{-4, -4, -4}, [3]float32{4, 4, 4})
	require.NoError(t, r.Initialize(testGeometry(2, 2, 4)))
	geom, ok := r.Geometry()
	require.True(t, ok)
	assert.Equal(t, [3]float32{4, 4, 4}, geom.VolumeMax)

	shape := [2]int{2, 2}
	require.NoError(t, r.PushProjection(models.Dark, 0, shape, []float32{0, 0, 0, 0}))
	require.NoError(t, r.PushProjection(models.Light, 0, shape, []float32{2, 2, 2, 2}))
	assert.True(t, r.session.pipeline.HasFlatField())

	require.NoError(t, r.SetScanSettings(0, 0, false))
	assert.False(t, r.session.pipeline.HasFlatField())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.initialized)
	assert.Equal(t, 2, obs.scans)
}

func TestConeSessionInstallsFDKWeights(t *testing.T) {
	geom := testGeometry(4, 4, 4)
	geom.Beam = models.ConeBeam
	geom.SourceOrigin = 10
	geom.OriginDetector = 5

	engine := &solver.RecordingEngine{}
	r := New(testSettings(models.Continuous, 2), engine)
	defer r.Close()
	require.NoError(t, r.Initialize(geom))
	pushScan(t, r, geom, 0, 4, 0.5)
	assert.Equal(t, int64(2), r.Stats().Uploads)

	require.NoError(t, r.Close())
	assert.True(t, engine.Closed())
	assert.False(t, r.Initialized())
}
