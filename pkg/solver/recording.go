package solver

import (
	"fmt"
	"sync"
)

// UploadCall is one recorded Engine.Upload.
type UploadCall struct {
	Slot  int
	Begin int
	End   int
	Data  []float32
}

// BackprojectCall is one recorded Engine.Backproject.
type BackprojectCall struct {
	Slot   int
	Volume VolumeGeometry
	Geom   ProjectionGeometry
}

// RecordingEngine is an Engine that records calls instead of computing. Back
// projections fill the output with Fill.
type RecordingEngine struct {
	// Fill is written to every voxel of a back-projection
	Fill float32

	// OnUpload, when set, runs inside Upload before the call is recorded
	OnUpload func(slot, begin, end int)

	mu              sync.Mutex
	slots           int
	shape           SinogramShape
	uploads         []UploadCall
	backprojections []BackprojectCall
	closed          bool
}

// Allocate implements Engine.
func (e *RecordingEngine) Allocate(slots int, shape SinogramShape) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots = slots
	e.shape = shape
	return nil
}

// Upload implements Engine.
func (e *RecordingEngine) Upload(slot, begin, end int, sino []float32) error {
	e.mu.Lock()
	slots, shape := e.slots, e.shape
	e.mu.Unlock()
	if err := checkUpload(shape, slots, slot, begin, end, len(sino)); err != nil {
		return err
	}

	if e.OnUpload != nil {
		e.OnUpload(slot, begin, end)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads = append(e.uploads, UploadCall{
		Slot: slot, Begin: begin, End: end,
		Data: append([]float32(nil), sino...),
	})
	return nil
}

// Backproject implements Engine.
func (e *RecordingEngine) Backproject(slot int, geom ProjectionGeometry, vol VolumeGeometry, out []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= e.slots {
		return fmt.Errorf("backproject slot %d of %d: %w", slot, e.slots, ErrSlot)
	}
	for i := range out {
		out[i] = e.Fill
	}
	e.backprojections = append(e.backprojections, BackprojectCall{Slot: slot, Volume: vol, Geom: geom})
	return nil
}

// Close implements Engine.
func (e *RecordingEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Slots returns the number of allocated slots.
func (e *RecordingEngine) Slots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slots
}

// Uploads returns a copy of the recorded uploads.
func (e *RecordingEngine) Uploads() []UploadCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]UploadCall(nil), e.uploads...)
}

// Backprojections returns a copy of the recorded back-projections.
func (e *RecordingEngine) Backprojections() []BackprojectCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]BackprojectCall(nil), e.backprojections...)
}

// Closed reports whether Close was called.
func (e *RecordingEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
