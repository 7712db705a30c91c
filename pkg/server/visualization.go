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

	"github.com/google/uuid"

	"slicerecon/internal/models"
	"slicerecon/pkg/packets"
	"slicerecon/pkg/reconstruction"
)

// SliceFunc reconstructs the slice a client asked for.
type SliceFunc func(o models.Orientation, sliceID int32) (models.SliceData, error)

// Source is the query side of the reconstructor used by the visualization
// server.
type Source interface {
	PreviewData() ([]float32, int)
	ParameterChanged(name string, value models.ParameterValue) (bool, error)
}

// VisualizationConfig extends Config with the scene announced to clients.
type VisualizationConfig struct {
	Config
	SceneID   int32
	SceneName string
}

// VisualizationServer serves slice clients. It is a reconstruction.Listener:
// on every notification each client receives the preview volume followed by
// a fresh rendering of every slice it registered.
type VisualizationServer struct {
	cfg    VisualizationConfig
	source Source
	logger *slog.Logger

	sliceMu sync.RWMutex
	slice   SliceFunc

	// paramMu guards the tunables announced so far, in registration order
	paramMu sync.Mutex
	params  []models.Parameter

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*client

	listener net.Listener
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ reconstruction.Listener = (*VisualizationServer)(nil)

// client is one connected visualization client and the slices it follows.
type client struct {
	id     uuid.UUID
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	slices map[int32]models.Orientation

	// wake holds at most one pending refresh
	wake chan struct{}
}

// NewVisualizationServer creates a server answering from source. A slice
// callback must be installed with SetSliceCallback before clients register
// slices.
func NewVisualizationServer(cfg VisualizationConfig, source Source) *VisualizationServer {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.SceneName == "" {
		cfg.SceneName = "slicerecon"
	}
	return &VisualizationServer{
		cfg:     cfg,
		source:  source,
		logger:  cfg.Logger.With("component", "visualization-server"),
		clients: make(map[uuid.UUID]*client),
	}
}

// SetSliceCallback installs the function that renders requested slices.
func (s *VisualizationServer) SetSliceCallback(fn SliceFunc) {
	s.sliceMu.Lock()
	s.slice = fn
	s.sliceMu.Unlock()
}

// Start binds the listen address and accepts clients until ctx is cancelled
// or Stop is called.
func (s *VisualizationServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("visualization server already running")
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

	s.logger.Info("visualization server listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *VisualizationServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop announces the end of the scene to every client, disconnects them
// and waits for their handlers to return.
func (s *VisualizationServer) Stop() {
	if !s.running.Swap(false) {
		return
	}
	kill := packets.Marshal(&packets.KillScene{SceneID: s.cfg.SceneID})
	for _, c := range s.snapshot() {
		if err := c.send(kill); err != nil {
			c.logger.Debug("failed to send kill scene", "error", err)
		}
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("visualization server stopped")
}

// Clients returns the number of connected clients.
func (s *VisualizationServer) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Notify schedules a refresh of every client. It never blocks.
func (s *VisualizationServer) Notify(*reconstruction.Reconstructor) {
	for _, c := range s.snapshot() {
		c.schedule()
	}
}

// RegisterParameter remembers the tunable for clients connecting later and
// announces it to the connected ones.
func (s *VisualizationServer) RegisterParameter(name string, value models.ParameterValue) {
	s.paramMu.Lock()
	replaced := false
	for i := range s.params {
		if s.params[i].Name == name {
			s.params[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		s.params = append(s.params, models.Parameter{Name: name, Value: value})
	}
	s.paramMu.Unlock()

	frame := packets.Marshal(&packets.RegisterParameter{SceneID: s.cfg.SceneID, Name: name, Value: value})
	for _, c := range s.snapshot() {
		if err := c.send(frame); err != nil {
			c.logger.Warn("failed to register parameter", "name", name, "error", err)
		}
	}
}

func (s *VisualizationServer) snapshot() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *VisualizationServer) acceptLoop(ctx context.Context) {
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
		c := &client{
			id:     uuid.New(),
			conn:   conn,
			slices: make(map[int32]models.Orientation),
			wake:   make(chan struct{}, 1),
		}
		c.logger = s.logger.With("client", c.id.String(), "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveClient(ctx, c)
		}()
	}
}

func (s *VisualizationServer) serveClient(ctx context.Context, c *client) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	defer c.conn.Close()
	defer cancel()

	if err := s.greet(c); err != nil {
		c.logger.Warn("failed to greet client", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
	}()
	c.logger.Info("visualization client connected")

	var refresher sync.WaitGroup
	refresher.Add(1)
	go func() {
		defer refresher.Done()
		s.refreshLoop(ctx, c)
	}()
	defer func() {
		cancel()
		refresher.Wait()
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		frame, err := packets.ReadFrame(c.conn, s.cfg.MaxFrame)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				c.logger.Info("visualization client disconnected")
			default:
				c.logger.Warn("closing visualization connection", "error", err)
			}
			return
		}
		if err := s.handleFrame(c, frame); err != nil {
			c.logger.Warn("failed to answer client", "error", err)
			return
		}
	}
}

// greet announces the scene and every known tunable.
func (s *VisualizationServer) greet(c *client) error {
	if err := c.send(packets.Marshal(&packets.MakeScene{
		SceneID: s.cfg.SceneID, Name: s.cfg.SceneName, Dimension: 3,
	})); err != nil {
		return err
	}
	s.paramMu.Lock()
	params := append([]models.Parameter(nil), s.params...)
	s.paramMu.Unlock()
	for _, p := range params {
		frame := packets.Marshal(&packets.RegisterParameter{SceneID: s.cfg.SceneID, Name: p.Name, Value: p.Value})
		if err := c.send(frame); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame applies one client request. Only transport failures are
// returned; request failures are reported to the client.
func (s *VisualizationServer) handleFrame(c *client, frame []byte) error {
	p, err := packets.Unmarshal(frame)
	if errors.Is(err, packets.ErrUnknownDesc) {
		c.logger.Warn("unknown packet, dropping", "error", err)
		return nil
	}
	if err != nil {
		c.logger.Error("malformed packet", "error", err)
		return c.send(packets.Marshal(packets.ReplyError(err)))
	}

	switch p := p.(type) {
	case *packets.SetSlice:
		c.mu.Lock()
		c.slices[p.SliceID] = p.Orientation
		c.mu.Unlock()
		return s.sendSlice(c, p.SliceID, p.Orientation)
	case *packets.RemoveSlice:
		c.mu.Lock()
		delete(c.slices, p.SliceID)
		c.mu.Unlock()
		return nil
	case *packets.GroupRequestSlices:
		c.schedule()
		return nil
	case *packets.ParameterChanged:
		changed, err := s.source.ParameterChanged(p.Name, p.Value)
		if err != nil {
			c.logger.Error("rejected parameter", "name", p.Name, "error", err)
			return c.send(packets.Marshal(packets.ReplyError(err)))
		}
		c.logger.Debug("parameter changed", "name", p.Name, "value", p.Value.String(), "changed", changed)
		return nil
	default:
		c.logger.Warn("packet not handled by the visualization server, dropping", "packet", p.Desc().String())
		return nil
	}
}

func (s *VisualizationServer) refreshLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			if err := s.refresh(c); err != nil {
				c.logger.Warn("refresh failed", "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

// refresh sends the preview volume and every registered slice.
func (s *VisualizationServer) refresh(c *client) error {
	data, n := s.source.PreviewData()
	if n > 0 {
		size := int32(n)
		frame := packets.Marshal(&packets.VolumeData{
			SceneID: s.cfg.SceneID, Size: [3]int32{size, size, size}, Data: data,
		})
		if err := c.send(frame); err != nil {
			return err
		}
	}

	c.mu.Lock()
	slices := make(map[int32]models.Orientation, len(c.slices))
	for id, o := range c.slices {
		slices[id] = o
	}
	c.mu.Unlock()

	for id, o := range slices {
		if err := s.sendSlice(c, id, o); err != nil {
			return err
		}
	}
	return nil
}

func (s *VisualizationServer) sendSlice(c *client, id int32, o models.Orientation) error {
	s.sliceMu.RLock()
	fn := s.slice
	s.sliceMu.RUnlock()
	if fn == nil {
		panic("server: slice requested but no slice callback is installed")
	}

	start := time.Now()
	slice, err := fn(o, id)
	if err != nil {
		c.logger.Error("slice reconstruction failed", "slice", id, "error", err)
		return c.send(packets.Marshal(packets.ReplyError(err)))
	}
	c.logger.Debug("slice reconstructed", "slice", id, "elapsed", time.Since(start))

	return c.send(packets.Marshal(&packets.SliceData{
		SceneID: s.cfg.SceneID,
		SliceID: id,
		Size:    [2]int32{int32(slice.Size[0]), int32(slice.Size[1])},
		Data:    slice.Data,
	}))
}

func (c *client) schedule() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return packets.WriteFrame(c.conn, frame)
}
