package models

import (
	"errors"
	"testing"
)

func parallelGeometry(rows, cols, projs int) AcquisitionGeometry {
	return AcquisitionGeometry{
		Rows:      rows,
		Cols:      cols,
		ProjCount: projs,
		Beam:      ParallelBeam,
		Angles:    make([]float32, projs),
	}
}

// TestGeometryValidate checks the consistency rules of the acquisition geometry
func TestGeometryValidate(t *testing.T) {
	tests := []struct {
		name    string
		geom    AcquisitionGeometry
		wantErr bool
	}{
		{"valid angles", parallelGeometry(32, 32, 16), false},
		{"negative rows", parallelGeometry(-1, 32, 16), true},
		{"zero cols", parallelGeometry(32, 0, 16), true},
		{"angle count mismatch", AcquisitionGeometry{Rows: 4, Cols: 4, ProjCount: 3, Angles: []float32{0, 1}}, true},
		{"valid vectors", AcquisitionGeometry{Rows: 4, Cols: 4, ProjCount: 2, VecGeometry: true, Vectors: make([]float32, 24)}, false},
		{"vector count mismatch", AcquisitionGeometry{Rows: 4, Cols: 4, ProjCount: 3, VecGeometry: true, Vectors: make([]float32, 24)}, true},
		{"cone without source", AcquisitionGeometry{Rows: 4, Cols: 4, ProjCount: 1, Beam: ConeBeam, Angles: []float32{0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.geom.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("expected ErrInvalidGeometry, got %v", err)
			}
		})
	}
}

// TestDefaultVolume verifies the volume box derived from the detector width
func TestDefaultVolume(t *testing.T) {
	g := parallelGeometry(8, 16, 4).WithDefaultVolume()
	if !g.HasVolume() {
		t.Fatal("expected a volume box")
	}
	if g.VolumeMin[0] != -8 || g.VolumeMax[2] != 8 {
		t.Errorf("unexpected volume box %v %v", g.VolumeMin, g.VolumeMax)
	}

	// an explicit box is kept
	g.VolumeMin = [3]float32{-1, -1, -1}
	g.VolumeMax = [3]float32{1, 1, 1}
	if got := g.WithDefaultVolume(); got.VolumeMax[0] != 1 {
		t.Errorf("explicit volume box was replaced: %v", got.VolumeMax)
	}
}

// TestParseNames checks the configuration names of modes and filters
func TestParseNames(t *testing.T) {
	if m, err := ParseMode("Continuous"); err != nil || m != Continuous {
		t.Errorf("ParseMode(Continuous) = %v, %v", m, err)
	}
	if _, err := ParseMode("sliding"); err == nil {
		t.Error("expected error for unknown mode")
	}
	for i, name := range FilterNames {
		f, err := ParseFilterKind(name)
		if err != nil || int(f) != i {
			t.Errorf("ParseFilterKind(%q) = %v, %v", name, f, err)
		}
		if f.String() != name {
			t.Errorf("String() = %q, want %q", f.String(), name)
		}
	}
}

// TestSettingsValidate covers the rejected settings
func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	s.GroupSize = 0
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
	s = DefaultSettings()
	s.RetrievePhase = true
	s.Paganin.Beta = 0
	if err := s.Validate(); err == nil {
		t.Error("expected error for phase retrieval without beta")
	}
}

// TestOrientationLayout checks the axis/base layout of the nine floats
func TestOrientationLayout(t *testing.T) {
	o := Orientation{1, 0, 0, 0, 1, 0, -1, -1, 0}
	if o.Axis1() != [3]float32{1, 0, 0} || o.Axis2() != [3]float32{0, 1, 0} || o.Base() != [3]float32{-1, -1, 0} {
		t.Errorf("unexpected decomposition of %v", o)
	}
	empty := EmptySlice()
	if empty.Size != [2]int{1, 1} || len(empty.Data) != 1 || empty.Data[0] != 0 {
		t.Errorf("unexpected empty slice %+v", empty)
	}
}
