// Package registry implements the single source of truth for stream
// existence, lifecycle, and control (spec §4.G). It owns every
// StreamHandle and coordinates graceful shutdown across all of them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/opennvr/nvrd/pkg/controller"
	"github.com/opennvr/nvrd/pkg/ingest"
	"github.com/opennvr/nvrd/pkg/media"
	"github.com/opennvr/nvrd/pkg/nvrerrors"
	"github.com/opennvr/nvrd/pkg/recording"
	"github.com/opennvr/nvrd/pkg/rtsp"
)

const maxStreamNameLength = 64

// defaultShutdownTimeout bounds how long Shutdown waits for every stream's
// ingestor to stop gracefully before force-aborting (spec §4.G).
const defaultShutdownTimeout = 30 * time.Second

// defaultBufferBytes backs every stream's PacketBuffer until overridden by
// SetDefaultBufferBytes (normally from config.Config.BufferMemoryLimitMB,
// spec §6).
const defaultBufferBytes = 64 * 1024 * 1024

// StreamConfig is the user-facing description of one camera (spec §3
// StreamHandle.config).
type StreamConfig struct {
	Name                       string
	URL                        string
	Protocol                   rtsp.Transport
	Enabled                    bool
	PreRollSeconds             uint32
	PostRollSeconds            uint32
	SegmentDurationSeconds     uint32
	DetectionIntervalKeyframes uint32
	DetectionThreshold         float64
	ModelLocator               string
	RecordAudio                bool
}

func (c StreamConfig) validate() error {
	if c.Name == "" || len(c.Name) > maxStreamNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", nvrerrors.ErrInvalidConfig, maxStreamNameLength)
	}
	if _, err := url.Parse(c.URL); err != nil || c.URL == "" {
		return fmt.Errorf("%w: unparsable url", nvrerrors.ErrInvalidConfig)
	}
	return nil
}

// StreamStatus is the snapshot returned by get_status/list_streams.
type StreamStatus struct {
	Name             string
	IngestorState    ingest.State
	ControllerState  controller.State
	Stats            media.BufferStats
	LastError        string
	ConsecutiveFails int
}

// StreamHandle is the registry entry for one camera (spec §3). The
// Registry exclusively owns it; the Ingestor task it references
// exclusively owns the PacketBuffer, TimestampTrackers, and any active
// Segment Writer.
type StreamHandle struct {
	config     StreamConfig
	ingestor   *ingest.Ingestor
	controller *controller.Controller
	cancel     context.CancelFunc
	runDone    chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Registry is the name -> StreamHandle map and control surface (spec §4.G,
// §6 control surface).
type Registry struct {
	storageRoot     string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	bufferBytes     uint64
	maxStreams      uint32

	mu      sync.RWMutex
	streams map[string]*StreamHandle
}

// New builds an empty Registry rooted at storageRoot.
func New(storageRoot string, logger *slog.Logger) *Registry {
	return &Registry{
		storageRoot:     storageRoot,
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
		bufferBytes:     defaultBufferBytes,
		streams:         make(map[string]*StreamHandle),
	}
}

// SetShutdownTimeout overrides the default bound Shutdown waits before
// giving up on graceful stream teardown.
func (r *Registry) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		r.shutdownTimeout = d
	}
}

// SetDefaultBufferBytes overrides the PacketBuffer capacity given to every
// stream added after this call (spec §6 buffer_memory_limit_mb, invariant
// P5). Streams already added keep whatever capacity they were built with.
func (r *Registry) SetDefaultBufferBytes(n uint64) {
	if n > 0 {
		r.bufferBytes = n
	}
}

// SetMaxStreams bounds the number of streams AddStream will admit (spec §6
// max_streams). 0 (the zero value) leaves the registry unbounded.
func (r *Registry) SetMaxStreams(n uint32) {
	r.maxStreams = n
}

// AddStream registers a new camera. It does not start ingestion; call
// StartStream (or pass Enabled to have the caller start it immediately).
func (r *Registry) AddStream(cfg StreamConfig) (*StreamHandle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", nvrerrors.ErrDuplicateName, cfg.Name)
	}
	if r.maxStreams > 0 && uint32(len(r.streams)) >= r.maxStreams {
		return nil, fmt.Errorf("%w: %d/%d streams registered", nvrerrors.ErrMaxStreams, len(r.streams), r.maxStreams)
	}

	g := ingest.New(ingest.Config{
		Name:        cfg.Name,
		URL:         cfg.URL,
		Protocol:    cfg.Protocol,
		RecordAudio: cfg.RecordAudio,
		BufferBytes: r.bufferBytes,
	}, r.logger)

	ctrl := controller.New(controller.Config{
		StreamName:      cfg.Name,
		OutputDir:       r.storageRoot + "/recordings/" + cfg.Name,
		PreRoll:         time.Duration(cfg.PreRollSeconds) * time.Second,
		PostRoll:        time.Duration(cfg.PostRollSeconds) * time.Second,
		SegmentDuration: time.Duration(cfg.SegmentDurationSeconds) * time.Second,
	}, g.Buffer, r.logger)

	handle := &StreamHandle{config: cfg, ingestor: g, controller: ctrl}

	g.OnStateChange = func(s ingest.State) {
		switch s {
		case ingest.StateRunning:
			ctrl.IngestorRunning()
		case ingest.StateReconnecting:
			ctrl.IngestorDropped()
		}
	}
	g.OnPacket = ctrl.HandlePacket

	r.streams[cfg.Name] = handle
	return handle, nil
}

// RemoveStream deletes a stream's registry entry. The stream must already
// be stopped.
func (r *Registry) RemoveStream(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", nvrerrors.ErrNotFound, name)
	}
	h.mu.Lock()
	running := h.cancel != nil && !h.stopped
	h.mu.Unlock()
	if running {
		return fmt.Errorf("%w: %s is still running", nvrerrors.ErrBusy, name)
	}
	delete(r.streams, name)
	return nil
}

// StartStream launches the Ingestor and Controller tasks for name.
func (r *Registry) StartStream(name string) error {
	r.mu.RLock()
	h, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", nvrerrors.ErrNotFound, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil && !h.stopped {
		return nil // already running; start is idempotent
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.stopped = false
	h.runDone = make(chan struct{})

	var videoParams media.CodecParameters
	var audioParams *media.CodecParameters
	codecReady := make(chan struct{})
	var once sync.Once
	h.ingestor.OnCodecParams = func(video media.CodecParameters, audio *media.CodecParameters) {
		videoParams = video
		audioParams = audio
		once.Do(func() { close(codecReady) })
	}

	go func() {
		defer close(h.runDone)
		go h.ingestor.Run(ctx)
		select {
		case <-codecReady:
		case <-ctx.Done():
			return
		}
		h.controller.Run(ctx, videoParams, audioParams)
	}()

	if cfg := h.config; cfg.DetectionIntervalKeyframes == 0 {
		// No detection glue configured: treat the stream as continuous
		// recording (spec §4.F "Continuous-recording mode").
		h.controller.StartContinuous()
	}
	return nil
}

// StopStream halts ingestion and recording for name. Idempotent: a second
// call is a no-op and never errors (P8).
func (r *Registry) StopStream(name string) error {
	r.mu.RLock()
	h, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", nvrerrors.ErrNotFound, name)
	}

	h.mu.Lock()
	if h.stopped || h.cancel == nil {
		h.stopped = true
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	done := h.runDone
	h.stopped = true
	h.mu.Unlock()

	h.controller.Stop()
	cancel()
	if done != nil {
		<-done
	}
	return nil
}

// TriggerRecording forwards a manual/external detection verdict to name's
// Controller.
func (r *Registry) TriggerRecording(name string, v recording.Verdict) error {
	r.mu.RLock()
	h, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", nvrerrors.ErrNotFound, name)
	}
	h.controller.HandleVerdict(v)
	return nil
}

// GetStatus returns the current status snapshot for name.
func (r *Registry) GetStatus(name string) (StreamStatus, error) {
	r.mu.RLock()
	h, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return StreamStatus{}, fmt.Errorf("%w: %s", nvrerrors.ErrNotFound, name)
	}
	return r.statusOf(name, h), nil
}

// ListStreams returns the status of every registered stream.
func (r *Registry) ListStreams() []StreamStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StreamStatus, 0, len(r.streams))
	for name, h := range r.streams {
		out = append(out, r.statusOf(name, h))
	}
	return out
}

func (r *Registry) statusOf(name string, h *StreamHandle) StreamStatus {
	status := StreamStatus{
		Name:             name,
		IngestorState:    h.ingestor.State(),
		ControllerState:  h.controller.State(),
		Stats:            h.ingestor.Buffer.Stats(),
		ConsecutiveFails: h.ingestor.ConsecutiveFailures(),
	}
	if status.IngestorState == ingest.StateRunning {
		status.LastError = ""
	} else if err := h.ingestor.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// Shutdown stops every registered stream concurrently, bounded by the
// registry's shutdown timeout (default 30s, spec §4.G/§5).
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	r.mu.RUnlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			if err := r.StopStream(n); err != nil {
				r.logger.Error("error stopping stream during shutdown", "stream", n, "error", err)
			}
		}(name)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("%w: timed out after %s waiting for streams to stop", nvrerrors.ErrShuttingDown, r.shutdownTimeout)
	}
}
