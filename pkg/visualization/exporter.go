package visualization

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/reconstruction"
)

// PreviewSource supplies the preview volume.
type PreviewSource interface {
	PreviewData() ([]float32, int)
}

// Exporter is a reconstruction.Listener that snapshots the preview volume
// on every notification: the central axial, coronal and sagittal sections
// as 16-bit TIFF and the axial section as a heat-map PNG.
type Exporter struct {
	dir    string
	source PreviewSource
	logger *slog.Logger

	mu       sync.Mutex
	sequence int
	params   map[string]models.ParameterValue

	wake chan struct{}
}

var _ reconstruction.Listener = (*Exporter)(nil)

// NewExporter writes snapshots of source below dir.
func NewExporter(dir string, source PreviewSource, logger *slog.Logger) *Exporter {
	return &Exporter{
		dir:    dir,
		source: source,
		logger: logging.OrNop(logger).With("component", "exporter"),
		params: make(map[string]models.ParameterValue),
		wake:   make(chan struct{}, 1),
	}
}

// Notify schedules a snapshot. It never blocks; notifications arriving
// while a snapshot is pending are merged.
func (e *Exporter) Notify(*reconstruction.Reconstructor) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RegisterParameter records the tunable so snapshots can be correlated
// with the settings in effect.
func (e *Exporter) RegisterParameter(name string, value models.ParameterValue) {
	e.mu.Lock()
	e.params[name] = value
	e.mu.Unlock()
	e.logger.Debug("parameter registered", "name", name, "value", value.String())
}

// Run writes a snapshot for every notification until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			if _, err := e.Export(); err != nil {
				e.logger.Error("snapshot export failed", "error", err)
			}
		}
	}
}

// Export writes one snapshot now and returns the written paths.
func (e *Exporter) Export() ([]string, error) {
	data, n := e.source.PreviewData()
	if n == 0 {
		return nil, nil
	}
	viewer, err := NewViewer(data, n)
	if err != nil {
		return nil, err
	}
	sections, err := viewer.Central()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sequence++
	seq := e.sequence
	e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	start := time.Now()
	var paths []string
	for i, axis := range []Axis{AxisZ, AxisY, AxisX} {
		path := filepath.Join(e.dir, fmt.Sprintf("preview_%04d_%s.tiff", seq, axis))
		if err := SaveTIFF(path, sections[i]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("preview_%04d_axial.png", seq))
	if err := SaveHeatMap(path, sections[0], fmt.Sprintf("axial preview %d (%s)", seq, e.filterName())); err != nil {
		return paths, err
	}
	paths = append(paths, path)

	e.logger.Info("preview snapshot written", "sequence", seq, "files", len(paths), "elapsed", time.Since(start))
	return paths, nil
}

func (e *Exporter) filterName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.params[reconstruction.ParamFilter]; ok {
		return v.Choice
	}
	return "default filter"
}
