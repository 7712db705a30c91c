package journal

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/reconstruction"
)

// DefaultBuffer is the event queue length used when none is given.
const DefaultBuffer = 256

type eventKind int

const (
	sessionEvent eventKind = iota
	scanEvent
	uploadEvent
)

type event struct {
	kind    eventKind
	at      int64
	session Session
	scan    ScanSettings
	upload  Upload
}

// Journal is a reconstruction.Observer that writes to a Store from its own
// goroutine. Events are queued without blocking the ingestion path; when
// the queue is full they are dropped and counted.
type Journal struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan event
	done   chan struct{}

	dropped atomic.Int64
	written atomic.Int64

	// current is the session id, owned by the writer goroutine
	current string
}

var _ reconstruction.Observer = (*Journal)(nil)

// New starts a journal writing to store. The store stays owned by the caller.
func New(store *Store, logger *slog.Logger, buffer int) *Journal {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	j := &Journal{
		store:  store,
		logger: logging.OrNop(logger).With("component", "journal"),
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// Initialized implements reconstruction.Observer.
func (j *Journal) Initialized(geom models.AcquisitionGeometry, settings models.Settings) {
	groupSize := min(settings.GroupSize, geom.ProjCount)
	j.enqueue(event{kind: sessionEvent, session: Session{
		Beam:      geom.Beam.String(),
		Rows:      geom.Rows,
		Cols:      geom.Cols,
		ProjCount: geom.ProjCount,
		Mode:      settings.Mode.String(),
		GroupSize: groupSize,
	}})
}

// ScanSettingsChanged implements reconstruction.Observer.
func (j *Journal) ScanSettingsChanged(darks, flats int, alreadyLinear bool) {
	j.enqueue(event{kind: scanEvent, scan: ScanSettings{
		Darks: darks, Flats: flats, AlreadyLinear: alreadyLinear,
	}})
}

// Uploaded implements reconstruction.Observer.
func (j *Journal) Uploaded(slot, projBegin, projEnd int) {
	j.enqueue(event{kind: uploadEvent, upload: Upload{
		Slot: slot, ProjBegin: projBegin, ProjEnd: projEnd,
	}})
}

func (j *Journal) enqueue(e event) {
	e.at = time.Now().UnixNano()

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- e:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("journal queue full, dropping events", "dropped", n)
		}
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.events {
		if err := j.write(e); err != nil {
			j.logger.Error("journal write failed", "error", err)
			continue
		}
		j.written.Add(1)
	}
}

func (j *Journal) write(e event) error {
	switch e.kind {
	case sessionEvent:
		s := e.session
		s.StartedAtNs = e.at
		if err := j.store.InsertSession(&s); err != nil {
			return err
		}
		j.current = s.SessionID
		j.logger.Debug("session recorded", "session", s.SessionID)
		return nil
	case scanEvent:
		rec := e.scan
		rec.SessionID = j.current
		rec.RecordedAtNs = e.at
		return j.store.InsertScanSettings(&rec)
	default:
		if j.current == "" {
			return nil
		}
		rec := e.upload
		rec.SessionID = j.current
		rec.RecordedAtNs = e.at
		return j.store.InsertUpload(&rec)
	}
}

// Written returns the number of events stored.
func (j *Journal) Written() int64 { return j.written.Load() }

// Dropped returns the number of events discarded because the queue was
// full or the journal closed.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Close drains the queue and stops the writer. Events arriving afterwards
// are dropped.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()
	<-j.done
}
