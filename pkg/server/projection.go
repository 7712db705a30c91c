// Package server exposes the reconstructor over TCP: a projection server for
// the acquisition side and a visualization server for slice clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"slicerecon/internal/logging"
	"slicerecon/internal/models"
	"slicerecon/pkg/packets"
	"slicerecon/pkg/reconstruction"
)

// Ingester is the part of the reconstructor driven by the projection stream.
type Ingester interface {
	Initialize(geom models.AcquisitionGeometry) error
	SetScanSettings(darks, flats int, alreadyLinear bool) error
	SetVolume(volMin, volMax [3]float32)
	PushProjection(kind models.ProjectionKind, index int, shape [2]int, data []float32) error
}

// Config holds the options shared by both servers.
type Config struct {
	// Addr is the TCP listen address, e.g. "localhost:5558"
	Addr string
	// ReadTimeout closes a connection that stays idle this long. Zero disables it.
	ReadTimeout time.Duration
	// MaxFrame bounds a single incoming packet
	MaxFrame int
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFrame <= 0 {
		c.MaxFrame = packets.DefaultMaxFrame
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// ProjectionStats counts what the projection server has seen.
type ProjectionStats struct {
	Connections int64
	Packets     int64
	Unknown     int64
	Failed      int64
}

// ProjectionServer accepts acquisition connections and feeds every decoded
// packet to the Ingester. Each packet is answered with a Reply; failures
// are reported in the Reply and never close the stream.
type ProjectionServer struct {
	cfg      Config
	ingester Ingester
	logger   *slog.Logger

	listener net.Listener
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// dispatchMu keeps ingestion serial across connections
	dispatchMu sync.Mutex

	connections, packets, unknown, failed atomic.Int64
}

// NewProjectionServer creates a server for ing.
func NewProjectionServer(cfg Config, ing Ingester) *ProjectionServer {
	cfg = cfg.withDefaults()
	return &ProjectionServer{
		cfg:      cfg,
		ingester: ing,
		logger:   cfg.Logger.With("component", "projection-server"),
	}
}

// Start binds the listen address and accepts connections until ctx is
// cancelled or Stop is called.
func (s *ProjectionServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("projection server already running")
	}
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = lis
	s.running.Store(true)

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		lis.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("projection server listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *ProjectionServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every connection and waits for the
// handlers to return.
func (s *ProjectionServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("projection server stopped")
}

// Stats returns a snapshot of the counters.
func (s *ProjectionServer) Stats() ProjectionStats {
	return ProjectionStats{
		Connections: s.connections.Load(),
		Packets:     s.packets.Load(),
		Unknown:     s.unknown.Load(),
		Failed:      s.failed.Load(),
	}
}

func (s *ProjectionServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.connections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *ProjectionServer) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("acquisition client connected")
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		frame, err := packets.ReadFrame(conn, s.cfg.MaxFrame)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				logger.Info("acquisition client disconnected")
			default:
				logger.Warn("closing acquisition connection", "error", err)
			}
			return
		}
		s.packets.Add(1)

		reply := s.handleFrame(logger, frame)
		if err := packets.WriteFrame(conn, packets.Marshal(reply)); err != nil {
			logger.Warn("failed to send reply", "error", err)
			return
		}
	}
}

// handleFrame decodes and dispatches one packet and builds its reply.
func (s *ProjectionServer) handleFrame(logger *slog.Logger, frame []byte) *packets.Reply {
	p, err := packets.Unmarshal(frame)
	if errors.Is(err, packets.ErrUnknownDesc) {
		s.unknown.Add(1)
		logger.Warn("unknown packet, dropping", "error", err)
		return packets.ReplyOK()
	}
	if err != nil {
		s.failed.Add(1)
		logger.Error("malformed packet", "error", err)
		return packets.ReplyError(err)
	}

	if err := s.dispatch(logger, p); err != nil {
		s.failed.Add(1)
		if reconstruction.IsServerError(err) {
			logger.Error("rejected packet", "packet", p.Desc().String(), "error", err)
		} else {
			logger.Error("failed to handle packet", "packet", p.Desc().String(), "error", err)
		}
		return packets.ReplyError(err)
	}
	return packets.ReplyOK()
}

func (s *ProjectionServer) dispatch(logger *slog.Logger, p packets.Packet) error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	switch p := p.(type) {
	case packets.GeometryPacket:
		return s.ingester.Initialize(p.Geometry())
	case *packets.ScanSettings:
		return s.ingester.SetScanSettings(int(p.Darks), int(p.Flats), p.AlreadyLinear)
	case *packets.GeometrySpecification:
		s.ingester.SetVolume(p.VolumeMin, p.VolumeMax)
		return nil
	case *packets.Projection:
		shape := [2]int{int(p.Shape[0]), int(p.Shape[1])}
		return s.ingester.PushProjection(p.Kind, int(p.Index), shape, p.Data)
	default:
		s.unknown.Add(1)
		logger.Warn("packet not handled by the projection server, dropping", "packet", p.Desc().String())
		return nil
	}
}
