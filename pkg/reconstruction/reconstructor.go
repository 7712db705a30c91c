// Package reconstruction implements the streaming reconstruction state
// machine: projections are classified, staged, corrected, transposed into
// sinogram layout and uploaded to a back-projection engine while slice and
// preview queries are answered against the last published data.
package reconstruction

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/processing"
	"slicerecon/pkg/solver"
)

// ParamFilter is the reconstructor-level tunable selecting the ramp filter.
const ParamFilter = "filter"

// Stats counts what the ingestion path has done since creation.
type Stats struct {
	// Received counts accepted projections of all kinds
	Received int64
	// Dropped counts projections discarded before initialization
	Dropped int64
	// Processed counts processing pipeline batches
	Processed int64
	// Uploads counts engine uploads; a wrapped continuous fill counts twice
	Uploads int64
	// Cycles counts completed buffer fills
	Cycles int64
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconstructor) { r.logger = logging.OrNop(l) }
}

// WithObserver attaches a session observer such as the acquisition journal.
func WithObserver(o Observer) Option {
	return func(r *Reconstructor) { r.observer = o }
}

// Reconstructor coordinates ingestion and queries for one server process.
//
// Two call paths run against it: an ingestion path (PushProjection, driven
// serially by one network goroutine) and a query path (ReconstructSlice,
// PreviewData, from any number of goroutines). In alternating mode the two
// never wait on each other: uploads fill the slot that is not published and
// a single atomic index flip publishes it. In continuous mode the single
// slot is shared and both paths serialize on the GPU mutex.
type Reconstructor struct {
	engine   solver.Engine
	logger   *slog.Logger
	observer Observer

	// settingsMu guards settings and volume, which may change between sessions
	settingsMu sync.RWMutex
	settings   models.Settings
	volume     *[2][3]float32

	// mu guards the session pointer; nil means uninitialized
	mu      sync.RWMutex
	session *session

	// gpuMu serializes engine work on the shared slot of a continuous
	// session and slot allocation. It is always taken after a slot lock.
	gpuMu sync.Mutex

	listeners *registry

	previewMu   sync.RWMutex
	preview     []float32
	previewSize int

	stats struct {
		received, dropped, processed, uploads, cycles atomic.Int64
	}
}

// session is the state created by Initialize for one acquisition geometry.
type session struct {
	geom     models.AcquisitionGeometry
	solver   solver.Solver
	pipeline *processing.Pipeline

	// updateEvery is the staging buffer length in projections: the scan
	// length in alternating mode, the group size in continuous mode
	updateEvery int
	groupSize   int
	mode        models.Mode

	// published is the slot queries read from
	published atomic.Int32
	slotLocks []sync.RWMutex

	// ingestMu guards everything below
	ingestMu    sync.Mutex
	buffer      []float32
	sino        []float32
	flat        *flatField
	updateCount int
}

// New creates an uninitialized Reconstructor. The engine is owned by the
// Reconstructor and closed by Close.
func New(settings models.Settings, engine solver.Engine, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		engine:    engine,
		logger:    logging.Nop(),
		settings:  settings,
		listeners: newRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the current settings.
func (r *Reconstructor) Settings() models.Settings {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	return r.settings
}

// Initialized reports whether a geometry has been received.
func (r *Reconstructor) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session != nil
}

// Geometry returns the active acquisition geometry, volume box included.
func (r *Reconstructor) Geometry() (models.AcquisitionGeometry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return models.AcquisitionGeometry{}, false
	}
	return r.session.solver.Geometry(), true
}

// Stats returns a snapshot of the ingestion counters.
func (r *Reconstructor) Stats() Stats {
	return Stats{
		Received:  r.stats.received.Load(),
		Dropped:   r.stats.dropped.Load(),
		Processed: r.stats.processed.Load(),
		Uploads:   r.stats.uploads.Load(),
		Cycles:    r.stats.cycles.Load(),
	}
}

// SetVolume sets the reconstruction volume box used by the next Initialize
// for geometries that carry none.
func (r *Reconstructor) SetVolume(volMin, volMax [3]float32) {
	r.settingsMu.Lock()
	r.volume = &[2][3]float32{volMin, volMax}
	r.settingsMu.Unlock()

	if r.Initialized() {
		r.logger.Warn("volume geometry received after initialization, applies to the next scan")
	}
}

// SetScanSettings updates the dark/flat counts and the linearity flag. The
// calibration accumulators of a running session are resized and any
// previously computed flat-field is dropped.
func (r *Reconstructor) SetScanSettings(darks, flats int, alreadyLinear bool) error {
	if darks < 0 || flats < 0 {
		return serverError("scan settings", "%w: negative dark (%d) or flat (%d) count",
			models.ErrInvalidSettings, darks, flats)
	}

	r.settingsMu.Lock()
	r.settings.Darks = darks
	r.settings.Flats = flats
	r.settings.AlreadyLinear = alreadyLinear
	r.settingsMu.Unlock()

	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s != nil {
		s.ingestMu.Lock()
		s.flat = newFlatField(s.geom.Pixels(), darks, flats)
		s.ingestMu.Unlock()
		if err := s.pipeline.SetFlatField(nil, nil); err != nil {
			return err
		}
		s.pipeline.SetLinear(alreadyLinear)
	}

	r.logger.Info("scan settings updated", "darks", darks, "flats", flats, "already_linear", alreadyLinear)
	if r.observer != nil {
		r.observer.ScanSettingsChanged(darks, flats, alreadyLinear)
	}
	return nil
}

// Initialize validates geom, allocates the engine slots and staging buffers
// and builds the beam-specific solver. A repeated call replaces the session.
func (r *Reconstructor) Initialize(geom models.AcquisitionGeometry) error {
	if err := geom.Validate(); err != nil {
		return &ServerError{Op: "initialize", Err: err}
	}

	r.settingsMu.RLock()
	settings := r.settings
	if r.volume != nil && !geom.HasVolume() {
		geom.VolumeMin, geom.VolumeMax = r.volume[0], r.volume[1]
	}
	r.settingsMu.RUnlock()
	if err := settings.Validate(); err != nil {
		return &ServerError{Op: "initialize", Err: err}
	}

	s := &session{mode: settings.Mode}
	s.groupSize = min(settings.GroupSize, geom.ProjCount)
	slots := 2
	s.updateEvery = geom.ProjCount
	if settings.Mode == models.Continuous {
		slots = 1
		s.updateEvery = s.groupSize
	}
	s.slotLocks = make([]sync.RWMutex, slots)

	shape := solver.SinogramShape{Rows: geom.Rows, Cols: geom.Cols, Projections: geom.ProjCount}
	r.gpuMu.Lock()
	err := r.engine.Allocate(slots, shape)
	r.gpuMu.Unlock()
	if err != nil {
		return fmt.Errorf("allocate sinogram slots: %w", err)
	}

	s.solver, err = solver.New(settings, geom, r.engine)
	if err != nil {
		return &ServerError{Op: "initialize", Err: err}
	}
	s.geom = s.solver.Geometry()

	s.pipeline, err = processing.NewPipeline(settings, s.geom, r.logger)
	if err != nil {
		return &ServerError{Op: "initialize", Err: err}
	}
	if cone, ok := s.solver.(*solver.ConeSolver); ok {
		if err := s.pipeline.SetFDKWeights(cone.FDKWeights()); err != nil {
			s.pipeline.Close()
			return err
		}
	}

	s.buffer = make([]float32, s.updateEvery*geom.Pixels())
	s.flat = newFlatField(geom.Pixels(), settings.Darks, settings.Flats)

	r.mu.Lock()
	old := r.session
	r.session = s
	r.mu.Unlock()
	if old != nil {
		old.pipeline.Close()
	}

	r.previewMu.Lock()
	r.previewSize = settings.PreviewSize
	r.preview = make([]float32, settings.PreviewSize*settings.PreviewSize*settings.PreviewSize)
	r.previewMu.Unlock()

	r.logger.Info("reconstructor initialized",
		"beam", geom.Beam.String(), "rows", geom.Rows, "cols", geom.Cols,
		"projections", geom.ProjCount, "mode", settings.Mode.String(),
		"update_every", s.updateEvery, "group_size", s.groupSize)

	if r.observer != nil {
		r.observer.Initialized(s.geom, settings)
	}
	for _, l := range r.listeners.snapshot() {
		r.registerParameters(l, s)
	}
	return nil
}

// PushProjection ingests one projection. Projections arriving before
// Initialize are logged and dropped; a shape or index that disagrees with
// the geometry is a ServerError.
func (r *Reconstructor) PushProjection(kind models.ProjectionKind, index int, shape [2]int, data []float32) error {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s == nil {
		r.stats.dropped.Add(1)
		r.logger.Warn("projection pushed before initialization, dropping",
			"kind", kind.String(), "index", index)
		return nil
	}

	pixels := s.geom.Pixels()
	if shape[0]*shape[1] != pixels || len(data) != pixels {
		return serverError("push projection", "%w: got %dx%d (%d values), want %dx%d",
			ErrShapeMismatch, shape[0], shape[1], len(data), s.geom.Rows, s.geom.Cols)
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	switch kind {
	case models.Dark, models.Light:
		return r.pushCalibration(s, kind, index, data)
	case models.Standard:
		return r.pushStandard(s, index, data)
	default:
		r.logger.Warn("unknown projection kind, dropping", "kind", int(kind), "index", index)
		r.stats.dropped.Add(1)
		return nil
	}
}

func (r *Reconstructor) pushCalibration(s *session, kind models.ProjectionKind, index int, data []float32) error {
	dark := kind == models.Dark
	limit := s.flat.lightN
	if dark {
		limit = s.flat.darkN
	}
	if index < 0 || index >= limit {
		return serverError("push projection", "%w: %s frame %d of %d",
			ErrIndexOutOfRange, kind.String(), index, limit)
	}
	r.stats.received.Add(1)

	if !s.flat.push(dark, index, data) {
		return nil
	}
	if err := s.pipeline.SetFlatField(s.flat.dark, s.flat.reciprocal); err != nil {
		return err
	}
	r.logger.Info("flat-field recomputed", "darks", s.flat.darkN, "flats", s.flat.lightN)
	return nil
}

func (r *Reconstructor) pushStandard(s *session, index int, data []float32) error {
	if index < 0 {
		return serverError("push projection", "%w: negative index %d", ErrIndexOutOfRange, index)
	}
	r.stats.received.Add(1)

	pixels := s.geom.Pixels()
	rel := index % s.updateEvery
	copy(s.buffer[rel*pixels:(rel+1)*pixels], data)

	last := rel == s.updateEvery-1
	if rel%s.groupSize == s.groupSize-1 || last {
		begin := rel - rel%s.groupSize
		count := rel - begin + 1
		if err := s.pipeline.Process(s.buffer[begin*pixels:(rel+1)*pixels], count); err != nil {
			return fmt.Errorf("process projections %d-%d: %w", begin, rel, err)
		}
		r.stats.processed.Add(1)
	}
	if !last {
		return nil
	}

	if err := r.upload(s); err != nil {
		return err
	}
	r.stats.cycles.Add(1)

	if err := r.refreshPreview(s); err != nil {
		r.logger.Error("preview reconstruction failed", "error", err)
	}
	r.notifyAll()
	return nil
}

// upload moves a complete staging buffer to the engine following the
// session's buffering discipline.
func (r *Reconstructor) upload(s *session) error {
	start := time.Now()
	rows, cols := s.geom.Rows, s.geom.Cols

	if s.mode == models.Alternating {
		target := 1 - int(s.published.Load())
		s.sino = transposeIntoSino(s.buffer, rows, cols, 0, s.updateEvery-1, s.sino)

		s.slotLocks[target].Lock()
		err := r.engine.Upload(target, 0, s.geom.ProjCount-1, s.sino)
		s.slotLocks[target].Unlock()
		if err != nil {
			return fmt.Errorf("upload slot %d: %w", target, err)
		}
		r.stats.uploads.Add(1)
		s.published.Store(int32(target))

		r.logger.Debug("uploaded full scan", "slot", target, "elapsed", time.Since(start))
		if r.observer != nil {
			r.observer.Uploaded(target, 0, s.geom.ProjCount-1)
		}
		return nil
	}

	ranges := continuousRanges(s.updateCount, s.updateEvery, s.geom.ProjCount)
	for _, rg := range ranges {
		s.sino = transposeIntoSino(s.buffer, rows, cols, rg.bufBegin, rg.bufEnd, s.sino)

		s.slotLocks[0].Lock()
		unlock := r.lockEngine(s)
		err := r.engine.Upload(0, rg.projBegin, rg.projEnd, s.sino)
		unlock()
		s.slotLocks[0].Unlock()
		if err != nil {
			return fmt.Errorf("upload projections %d-%d: %w", rg.projBegin, rg.projEnd, err)
		}
		r.stats.uploads.Add(1)
		if r.observer != nil {
			r.observer.Uploaded(0, rg.projBegin, rg.projEnd)
		}
	}
	s.updateCount++

	r.logger.Debug("uploaded projection group",
		"update", s.updateCount, "pieces", len(ranges), "elapsed", time.Since(start))
	return nil
}

// refreshPreview recomputes the coarse preview from the published slot.
func (r *Reconstructor) refreshPreview(s *session) error {
	size := r.Settings().PreviewSize
	buf := make([]float32, size*size*size)

	slot := int(s.published.Load())
	s.slotLocks[slot].RLock()
	unlock := r.lockEngine(s)
	err := s.solver.ReconstructPreview(buf, slot)
	unlock()
	s.slotLocks[slot].RUnlock()
	if err != nil {
		return err
	}

	r.previewMu.Lock()
	r.preview = buf
	r.previewSize = size
	r.previewMu.Unlock()
	return nil
}

// ReconstructSlice reconstructs the oriented plane o from the published
// data. Before initialization it returns a 1x1 zero slice.
func (r *Reconstructor) ReconstructSlice(o models.Orientation) (models.SliceData, error) {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s == nil {
		return models.EmptySlice(), nil
	}

	slot := int(s.published.Load())
	s.slotLocks[slot].RLock()
	defer s.slotLocks[slot].RUnlock()

	defer r.lockEngine(s)()
	return s.solver.ReconstructSlice(o, slot)
}

// lockEngine takes gpuMu when s uploads into the slot its queries read.
// Alternating sessions never write the published slot, so their queries
// only hold the slot read lock.
func (r *Reconstructor) lockEngine(s *session) func() {
	if s.mode != models.Continuous {
		return func() {}
	}
	r.gpuMu.Lock()
	return r.gpuMu.Unlock
}

// PreviewData returns a copy of the current preview volume and its edge
// length. It is empty before initialization.
func (r *Reconstructor) PreviewData() ([]float32, int) {
	r.previewMu.RLock()
	defer r.previewMu.RUnlock()
	return append([]float32(nil), r.preview...), r.previewSize
}

// Parameters lists the tunables currently exposed: the filter choice and
// the active solver's parameters.
func (r *Reconstructor) Parameters() []models.Parameter {
	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	return r.parameters(s)
}

func (r *Reconstructor) parameters(s *session) []models.Parameter {
	filter := r.Settings().Filter
	if s != nil {
		filter = s.pipeline.Filter()
	}
	params := []models.Parameter{
		{Name: ParamFilter, Value: models.ChoiceValue(filter.String(), models.FilterNames...)},
	}
	if s != nil {
		params = append(params, s.solver.Parameters()...)
	}
	return params
}

// ParameterChanged applies a tunable. The filter choice affects data
// uploaded from now on; solver tunables that change the geometry cause all
// listeners to be notified so they re-request their slices. It reports
// whether anything changed.
func (r *Reconstructor) ParameterChanged(name string, value models.ParameterValue) (bool, error) {
	if name == ParamFilter {
		kind, err := models.ParseFilterKind(value.Choice)
		if err != nil {
			return false, &ServerError{Op: "parameter changed", Err: err}
		}
		r.settingsMu.Lock()
		r.settings.Filter = kind
		r.settingsMu.Unlock()

		r.mu.RLock()
		s := r.session
		r.mu.RUnlock()
		if s == nil || s.pipeline.Filter() == kind {
			return false, nil
		}
		s.pipeline.SetFilter(kind)
		r.logger.Info("filter changed", "filter", kind.String())
		r.broadcastParameter(ParamFilter, models.ChoiceValue(kind.String(), models.FilterNames...))
		return true, nil
	}

	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	if s == nil {
		r.logger.Warn("parameter changed before initialization", "name", name)
		return false, nil
	}

	if !s.solver.ParameterChanged(name, value) {
		return false, nil
	}
	r.logger.Info("geometry parameter changed", "name", name, "value", value.String())
	r.broadcastParameter(name, value)
	r.notifyAll()
	return true, nil
}

// AddListener registers l and immediately pushes every tunable to it.
// The returned id unregisters it.
func (r *Reconstructor) AddListener(l Listener) uuid.UUID {
	id := r.listeners.add(l)

	r.mu.RLock()
	s := r.session
	r.mu.RUnlock()
	r.registerParameters(l, s)
	return id
}

// RemoveListener unregisters a listener. It reports whether id was known.
func (r *Reconstructor) RemoveListener(id uuid.UUID) bool {
	return r.listeners.remove(id)
}

func (r *Reconstructor) registerParameters(l Listener, s *session) {
	for _, p := range r.parameters(s) {
		l.RegisterParameter(p.Name, p.Value)
	}
}

// broadcastParameter pushes an applied tunable to every listener.
func (r *Reconstructor) broadcastParameter(name string, value models.ParameterValue) {
	for _, l := range r.listeners.snapshot() {
		l.RegisterParameter(name, value)
	}
}

func (r *Reconstructor) notifyAll() {
	for _, l := range r.listeners.snapshot() {
		l.Notify(r)
	}
}

// Close releases the session and the engine.
func (r *Reconstructor) Close() error {
	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()
	if s != nil {
		s.pipeline.Close()
	}
	if err := r.engine.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

// IsServerError reports whether err is a client-caused configuration error.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
