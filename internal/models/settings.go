package models

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrInvalidSettings is returned by Settings.Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Mode is the buffering discipline of the reconstructor.
type Mode int

const (
	// Alternating fills a whole scan before swapping two GPU buffers.
	Alternating Mode = iota
	// Continuous keeps a single sliding-window buffer updated per group.
	Continuous
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	if m == Continuous {
		return "continuous"
	}
	return "alternating"
}

// ParseMode converts a configuration name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "alternating":
		return Alternating, nil
	case "continuous":
		return Continuous, nil
	default:
		return Alternating, fmt.Errorf("%w: unknown reconstruction mode %q", ErrInvalidSettings, s)
	}
}

// FilterKind selects the frequency-domain kernel of the ramp filter.
type FilterKind int

const (
	// FilterRamLak is the plain ramp |f|.
	FilterRamLak FilterKind = iota
	// FilterSheppLogan is the ramp apodized with a sinc window.
	FilterSheppLogan
	// FilterGaussian is the Shepp-Logan kernel multiplied by a Gaussian low pass.
	FilterGaussian
)

// FilterNames lists the kernel names in FilterKind order.
var FilterNames = []string{"ram-lak", "shepp-logan", "gaussian"}

// String returns the configuration name of the kernel.
func (f FilterKind) String() string {
	if int(f) >= 0 && int(f) < len(FilterNames) {
		return FilterNames[f]
	}
	return fmt.Sprintf("filter(%d)", int(f))
}

// ParseFilterKind converts a kernel name into a FilterKind.
func ParseFilterKind(s string) (FilterKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range FilterNames {
		if n == name {
			return FilterKind(i), nil
		}
	}
	return FilterSheppLogan, fmt.Errorf("%w: unknown filter %q", ErrInvalidSettings, s)
}

// PaganinSettings holds the optical parameters of single-distance phase retrieval.
type PaganinSettings struct {
	// PixelSize is the effective detector pixel size
	PixelSize float32
	// Lambda is the X-ray wavelength
	Lambda float32
	// Delta and Beta are the refractive index decrement and absorption index
	Delta float32
	Beta  float32
	// Distance is the sample-to-detector propagation distance
	Distance float32
}

// Settings holds the tunables of a reconstruction session.
type Settings struct {
	// SliceSize is the edge length in pixels of a reconstructed slice
	SliceSize int
	// PreviewSize is the edge length in voxels of the coarse preview volume
	PreviewSize int
	// GroupSize is the number of projections processed (and, in continuous
	// mode, uploaded) together
	GroupSize int
	// FilterCores is the number of workers of the processing pool
	FilterCores int
	// Darks and Flats are the number of calibration frames per batch
	Darks int
	Flats int
	// Mode is the buffering discipline
	Mode Mode
	// AlreadyLinear skips the negative-log step for pre-linearized input
	AlreadyLinear bool
	// RetrievePhase enables Paganin phase retrieval
	RetrievePhase bool
	// Paganin holds the phase retrieval parameters
	Paganin PaganinSettings
	// Filter selects the ramp filter kernel
	Filter FilterKind
	// GaussianSigma is the width of the Gaussian low pass, as a fraction of Nyquist
	GaussianSigma float32
	// TiltAxis exposes rotation-axis tilt correction tunables (parallel beam)
	TiltAxis bool
}

// DefaultSettings returns the settings used by the example server.
func DefaultSettings() Settings {
	return Settings{
		SliceSize:     256,
		PreviewSize:   128,
		GroupSize:     32,
		FilterCores:   runtime.NumCPU(),
		Darks:         1,
		Flats:         1,
		Mode:          Alternating,
		Filter:        FilterSheppLogan,
		GaussianSigma: 0.06,
		Paganin: PaganinSettings{
			PixelSize: 1.0,
			Lambda:    1.23984193e-9,
			Delta:     1e-8,
			Beta:      1e-10,
			Distance:  40.0,
		},
	}
}

// Validate rejects settings that cannot drive a reconstruction.
func (s Settings) Validate() error {
	if s.SliceSize <= 0 || s.PreviewSize <= 0 || s.GroupSize <= 0 || s.FilterCores <= 0 {
		return fmt.Errorf("%w: slice, preview and group size and filter cores must be positive", ErrInvalidSettings)
	}
	if s.Darks < 0 || s.Flats < 0 {
		return fmt.Errorf("%w: negative dark or flat count", ErrInvalidSettings)
	}
	if s.RetrievePhase && (s.Paganin.Beta <= 0 || s.Paganin.Lambda <= 0 || s.Paganin.PixelSize <= 0) {
		return fmt.Errorf("%w: phase retrieval needs positive beta, wavelength and pixel size", ErrInvalidSettings)
	}
	return nil
}

// FlatFielding reports whether dark and flat frames are configured.
func (s Settings) FlatFielding() bool {
	return s.Darks > 0 && s.Flats > 0
}
