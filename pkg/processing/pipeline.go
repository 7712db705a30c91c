package processing

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
)

// Pipeline runs the per-batch correction stages over raw projections before
// they are transposed into sinogram layout. The stages, in order:
//
//  1. flat-field correction, when dark and flat frames are configured
//  2. Paganin phase retrieval when enabled, otherwise negative-log
//     linearization unless the input is already linear
//  3. ramp filtering of every detector row
//  4. FDK distance weighting, for cone-beam geometries
//
// Stages run on a fixed WorkerPool. Stages 1-2 are partitioned by projection,
// stages 3-4 by contiguous row ranges of the batch. Each stage ends with a
// barrier, so a batch is fully filtered when Process returns.
type Pipeline struct {
	settings models.Settings
	rows     int
	cols     int
	logger   *slog.Logger
	pool     *WorkerPool

	// scratch owned by one worker each
	rowFilters   []*rowFilter
	planeFilters []*planeFilter

	// paganin is the 2-D retrieval filter, nil unless phase retrieval is on
	paganin []float64

	// mu guards the state that may change while batches are in flight
	mu         sync.RWMutex
	dark       []float32
	reciprocal []float32
	kernel     []float64
	filter     models.FilterKind
	fdk        []float32
	linear     bool
}

// NewPipeline creates a pipeline for projections of geom's detector shape.
// The worker count is settings.FilterCores.
func NewPipeline(settings models.Settings, geom models.AcquisitionGeometry, logger *slog.Logger) (*Pipeline, error) {
	if geom.Rows <= 0 || geom.Cols <= 0 {
		return nil, fmt.Errorf("pipeline detector %dx%d: %w", geom.Rows, geom.Cols, models.ErrInvalidGeometry)
	}

	p := &Pipeline{
		settings: settings,
		rows:     geom.Rows,
		cols:     geom.Cols,
		logger:   logging.OrNop(logger),
		pool:     NewWorkerPool(settings.FilterCores),
		filter:   settings.Filter,
		linear:   settings.AlreadyLinear,
	}
	p.kernel = Kernel(settings.Filter, geom.Cols, p.sigma())

	workers := p.pool.Workers()
	p.rowFilters = make([]*rowFilter, workers)
	for i := range p.rowFilters {
		p.rowFilters[i] = newRowFilter(geom.Cols)
	}

	if settings.RetrievePhase {
		p.paganin = Paganin(geom.Rows, geom.Cols, settings.Paganin)
		p.planeFilters = make([]*planeFilter, workers)
		for i := range p.planeFilters {
			p.planeFilters[i] = newPlaneFilter(geom.Rows, geom.Cols)
		}
	}

	p.logger.Debug("processing pipeline ready",
		"rows", geom.Rows, "cols", geom.Cols, "workers", workers,
		"filter", settings.Filter.String(), "phase", settings.RetrievePhase)
	return p, nil
}

func (p *Pipeline) sigma() float64 {
	if p.settings.GaussianSigma > 0 {
		return float64(p.settings.GaussianSigma)
	}
	return 0.06
}

// Pixels returns rows*cols of one projection.
func (p *Pipeline) Pixels() int {
	return p.rows * p.cols
}

// SetFlatField installs the averaged dark map and the reciprocal gain map.
// Passing nil maps disables flat-field correction.
func (p *Pipeline) SetFlatField(dark, reciprocal []float32) error {
	if dark != nil && (len(dark) != p.Pixels() || len(reciprocal) != p.Pixels()) {
		return fmt.Errorf("flat-field maps of %d/%d pixels for %d pixel projections: %w",
			len(dark), len(reciprocal), p.Pixels(), models.ErrInvalidSettings)
	}
	p.mu.Lock()
	p.dark = dark
	p.reciprocal = reciprocal
	p.mu.Unlock()
	return nil
}

// HasFlatField reports whether flat-field maps are installed.
func (p *Pipeline) HasFlatField() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dark != nil
}

// SetLinear toggles the negative-log stage (linear input skips it).
func (p *Pipeline) SetLinear(linear bool) {
	p.mu.Lock()
	p.linear = linear
	p.mu.Unlock()
}

// SetFilter swaps the ramp filter kernel.
func (p *Pipeline) SetFilter(kind models.FilterKind) {
	kernel := Kernel(kind, p.cols, p.sigma())
	p.mu.Lock()
	p.filter = kind
	p.kernel = kernel
	p.mu.Unlock()
}

// Filter returns the active filter kernel kind.
func (p *Pipeline) Filter() models.FilterKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter
}

// SetFDKWeights installs the per-pixel cone-beam weight map (rows*cols).
// Nil disables the stage.
func (p *Pipeline) SetFDKWeights(weights []float32) error {
	if weights != nil && len(weights) != p.Pixels() {
		return fmt.Errorf("fdk weight map of %d pixels for %d pixel projections: %w",
			len(weights), p.Pixels(), models.ErrInvalidGeometry)
	}
	p.mu.Lock()
	p.fdk = weights
	p.mu.Unlock()
	return nil
}

// Process applies all enabled stages in place to count consecutive
// projections stored in data.
func (p *Pipeline) Process(data []float32, count int) error {
	pixels := p.Pixels()
	if count <= 0 {
		return nil
	}
	if len(data) < count*pixels {
		return fmt.Errorf("batch of %d projections needs %d values, have %d: %w",
			count, count*pixels, len(data), models.ErrInvalidSettings)
	}

	p.mu.RLock()
	dark, reciprocal := p.dark, p.reciprocal
	kernel, fdk, linear := p.kernel, p.fdk, p.linear
	p.mu.RUnlock()

	start := time.Now()
	workers := p.pool.Workers()

	// stages 1-2: per projection
	correct := make([]func(int), 0, workers)
	for _, r := range partition(count, workers) {
		lo, hi := r[0], r[1]
		correct = append(correct, func(worker int) {
			for i := lo; i < hi; i++ {
				proj := data[i*pixels : (i+1)*pixels]
				if dark != nil {
					flatField(proj, dark, reciprocal)
				}
				switch {
				case p.paganin != nil:
					p.retrievePhase(proj, worker)
				case !linear:
					for k, v := range proj {
						proj[k] = negLog(v)
					}
				}
			}
		})
	}
	p.pool.ExecuteAll(correct)

	// stages 3-4: contiguous row ranges of the whole batch
	rows := count * p.rows
	filter := make([]func(int), 0, workers)
	for _, r := range partition(rows, workers) {
		lo, hi := r[0], r[1]
		filter = append(filter, func(worker int) {
			rf := p.rowFilters[worker]
			for row := lo; row < hi; row++ {
				line := data[row*p.cols : (row+1)*p.cols]
				rf.apply(line, kernel)
				if fdk != nil {
					weights := fdk[(row%p.rows)*p.cols : (row%p.rows+1)*p.cols]
					for k := range line {
						line[k] *= weights[k]
					}
				}
			}
		})
	}
	p.pool.ExecuteAll(filter)

	p.logger.Debug("processed projection batch",
		"count", count, "elapsed", time.Since(start),
		"per_projection", time.Since(start)/time.Duration(count))
	return nil
}

// flatField applies pixel = (raw - dark) * reciprocal.
func flatField(proj, dark, reciprocal []float32) {
	for i := range proj {
		proj[i] = (proj[i] - dark[i]) * reciprocal[i]
	}
}

// retrievePhase runs the Paganin filter on one projection and converts the
// result to a projected thickness: -ln(x) * lambda / (4 pi beta).
func (p *Pipeline) retrievePhase(proj []float32, worker int) {
	p.planeFilters[worker].apply(proj, p.paganin)

	scale := float64(p.settings.Paganin.Lambda) / (4 * math.Pi * float64(p.settings.Paganin.Beta))
	for i, v := range proj {
		proj[i] = float32(float64(negLog(v)) * scale)
	}
}

// Close stops the worker pool.
func (p *Pipeline) Close() {
	p.pool.Close()
}
