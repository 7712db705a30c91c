package visualization

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/image/tiff"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"slicerecon/internal/models"
)

// WriteTIFF encodes the slice as a deflate-compressed 16-bit grayscale TIFF.
func WriteTIFF(w io.Writer, s models.SliceData) error {
	img, err := Gray16(s)
	if err != nil {
		return err
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// SaveTIFF writes the slice to path as a 16-bit TIFF.
func SaveTIFF(path string, s models.SliceData) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTIFF(f, s); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// sliceGrid adapts a slice to plotter.GridXYZ. Row 0 of the slice is drawn
// at the top.
type sliceGrid struct {
	s models.SliceData
}

func (g sliceGrid) Dims() (c, r int) { return g.s.Size[0], g.s.Size[1] }

func (g sliceGrid) Z(c, r int) float64 {
	w, h := g.s.Size[0], g.s.Size[1]
	return float64(g.s.Data[(h-1-r)*w+c])
}

func (g sliceGrid) X(c int) float64 { return float64(c) }

func (g sliceGrid) Y(r int) float64 { return float64(r) }

// HeatMap builds a plot of the slice with a heat palette.
func HeatMap(s models.SliceData, title string) (*plot.Plot, error) {
	w, h := s.Size[0], s.Size[1]
	if w <= 0 || h <= 0 || len(s.Data) != w*h {
		return nil, fmt.Errorf("slice of %dx%d has %d values", w, h, len(s.Data))
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "column"
	p.Y.Label.Text = "row"

	hm := plotter.NewHeatMap(sliceGrid{s}, palette.Heat(64, 1))
	if lo, hi := Range(s); lo == hi {
		// a flat slice would give the palette a zero range
		hm.Min, hm.Max = lo-0.5, hi+0.5
	}
	p.Add(hm)
	return p, nil
}

// SaveHeatMap renders the slice heat map to path. The format follows the
// file extension.
func SaveHeatMap(path string, s models.SliceData, title string) error {
	p, err := HeatMap(s, title)
	if err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save heat map %s: %w", path, err)
	}
	return nil
}
