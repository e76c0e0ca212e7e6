// Package ingest implements the single long-lived task per camera stream
// that owns the RTSP connection and feeds the packet buffer and timestamp
// normalizer (spec §4.E).
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"

	"github.com/opennvr/nvrd/pkg/media"
	mediartp "github.com/opennvr/nvrd/pkg/rtp"
	"github.com/opennvr/nvrd/pkg/rtsp"
)

// State is one node of the Ingestor's lifecycle state machine.
type State int

const (
	StateInitializing State = iota
	StateConnecting
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 30 * time.Second
	errorThreshold = 10

	videoTimeBase = 90000
	audioTimeBase = 48000
)

// Config describes one camera's connection parameters, a subset of
// StreamHandle.config (spec §3).
type Config struct {
	Name          string
	URL           string
	Protocol      rtsp.Transport
	PacketTimeout time.Duration // default 5s
	BufferBytes   uint64
	RecordAudio   bool
}

// Ingestor owns exactly one PacketBuffer and pair of TimestampTrackers for
// the stream it was built for (spec §3 ownership rules).
type Ingestor struct {
	cfg    Config
	logger *slog.Logger

	Buffer       *media.PacketBuffer
	videoTracker *media.TimestampTracker
	audioTracker *media.TimestampTracker

	mu                  sync.RWMutex
	state               State
	lastError           error
	consecutiveFailures int
	videoParams         media.CodecParameters
	audioParams         media.CodecParameters
	hasAudio            bool

	// OnPacket receives every normalized packet in demuxer order. Set
	// before calling Run.
	OnPacket func(media.Packet)
	// OnStateChange fires on every state transition.
	OnStateChange func(State)
	// OnCodecParams fires once per connection when video parameters (and,
	// if present, audio parameters) become known.
	OnCodecParams func(video media.CodecParameters, audio *media.CodecParameters)
}

// New builds an Ingestor for cfg. Call Run to start the state machine.
func New(cfg Config, logger *slog.Logger) *Ingestor {
	if cfg.PacketTimeout <= 0 {
		cfg.PacketTimeout = 5 * time.Second
	}
	return &Ingestor{
		cfg:    cfg,
		logger: logger,
		Buffer: media.NewPacketBuffer(cfg.BufferBytes),
		state:  StateInitializing,
	}
}

func (g *Ingestor) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Ingestor) LastError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastError
}

func (g *Ingestor) ConsecutiveFailures() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.consecutiveFailures
}

func (g *Ingestor) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	if g.OnStateChange != nil {
		g.OnStateChange(s)
	}
}

// Run drives the Ingestor's state machine until ctx is cancelled, at which
// point it transitions STOPPING → STOPPED and returns.
func (g *Ingestor) Run(ctx context.Context) {
	g.setState(StateInitializing)
	isUDP := g.cfg.Protocol == rtsp.TransportUDP
	g.videoTracker = media.NewTimestampTracker(media.TimeBase{Num: 1, Den: videoTimeBase}, time.Second/30, isUDP)
	g.audioTracker = media.NewTimestampTracker(media.TimeBase{Num: 1, Den: audioTimeBase}, time.Second/43, isUDP)

	for {
		if ctx.Err() != nil {
			g.stop()
			return
		}

		g.setState(StateConnecting)
		err := g.connectAndRun(ctx)

		if ctx.Err() != nil {
			g.stop()
			return
		}

		if err == nil {
			// connectAndRun returns nil only when ctx is cancelled, which
			// is handled above; a server-closed session arrives as an
			// error. Kept as a guard: reconnect without counting a failure.
			g.mu.Lock()
			g.consecutiveFailures = 0
			g.lastError = nil
			g.mu.Unlock()
			continue
		}

		g.mu.Lock()
		g.lastError = err
		g.consecutiveFailures++
		failures := g.consecutiveFailures
		g.mu.Unlock()

		if failures == errorThreshold {
			g.logger.Error("stream exceeded consecutive failure threshold, still retrying",
				"stream", g.cfg.Name, "failures", failures, "error", err)
		} else {
			g.logger.Warn("ingestor connection attempt failed",
				"stream", g.cfg.Name, "failures", failures, "error", err)
		}

		g.setState(StateReconnecting)
		g.Buffer.Clear()

		delay := backoffDelay(failures)
		g.logger.Debug("reconnecting after backoff", "stream", g.cfg.Name, "delay", delay)
		select {
		case <-ctx.Done():
			g.stop()
			return
		case <-time.After(delay):
		}
	}
}

func (g *Ingestor) stop() {
	g.setState(StateStopping)
	g.setState(StateStopped)
}

// connectAndRun performs one full CONNECTING→RUNNING cycle: opens the RTSP
// session, wires the depacketizers, and blocks in the read loop until an
// error, the packet timeout fires, or ctx is cancelled.
func (g *Ingestor) connectAndRun(ctx context.Context) error {
	client := rtsp.NewClient(g.cfg.URL, g.cfg.Protocol, g.logger)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := client.SetupTracks(ctx); err != nil {
		return fmt.Errorf("setup tracks: %w", err)
	}

	videoCh, audioCh := classifyChannels(client.Channels)
	if videoCh == nil {
		return fmt.Errorf("stream offers no video track")
	}

	h264proc := mediartp.NewH264Processor()
	var aacProc *mediartp.AACProcessor
	if audioCh != nil && g.cfg.RecordAudio {
		aacProc = mediartp.NewAACProcessor()
	}

	var lastMu sync.Mutex
	lastPacketAt := time.Now()
	touch := func() {
		lastMu.Lock()
		lastPacketAt = time.Now()
		lastMu.Unlock()
	}

	videoParamsCaptured := false
	h264proc.OnFrame = func(pkt media.Packet) {
		touch()
		if !videoParamsCaptured && pkt.IsKeyframe {
			if extradata := buildH264Extradata(h264proc); extradata != nil {
				videoParamsCaptured = true
				g.mu.Lock()
				g.videoParams = media.CodecParameters{Codec: media.CodecH264, Extradata: extradata}
				g.hasAudio = aacProc != nil
				video, audio := g.videoParams, g.audioParams
				hasAudio := g.hasAudio
				g.mu.Unlock()
				if g.OnCodecParams != nil {
					var audioPtr *media.CodecParameters
					if hasAudio {
						audioPtr = &audio
					}
					g.OnCodecParams(video, audioPtr)
				}
			}
		}
		normalized := g.videoTracker.Normalize(pkt)
		g.Buffer.Push(normalized)
		if g.OnPacket != nil {
			g.OnPacket(normalized)
		}
	}

	if aacProc != nil {
		g.mu.Lock()
		g.audioParams = media.CodecParameters{Codec: media.CodecAAC, SampleRate: audioTimeBase, Channels: 2}
		g.mu.Unlock()
		aacProc.OnFrame = func(pkt media.Packet) {
			touch()
			normalized := g.audioTracker.Normalize(pkt)
			g.Buffer.Push(normalized)
			if g.OnPacket != nil {
				g.OnPacket(normalized)
			}
		}
	}

	client.OnRTPPacket = func(channel byte, packet *pionrtp.Packet) {
		switch {
		case channel == videoCh.ID:
			if err := h264proc.ProcessPacket(packet); err != nil {
				g.logger.Debug("h264 depacketization error", "stream", g.cfg.Name, "error", err)
			}
		case audioCh != nil && channel == audioCh.ID && aacProc != nil:
			if err := aacProc.ProcessPacket(packet); err != nil {
				g.logger.Debug("aac depacketization error", "stream", g.cfg.Name, "error", err)
			}
		}
	}
	client.OnRTCPPacket = func(byte, []rtcp.Packet) { touch() }

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	done := make(chan struct{})
	timeoutErrCh := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(g.cfg.PacketTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-readCtx.Done():
				return
			case <-ticker.C:
				lastMu.Lock()
				idle := time.Since(lastPacketAt)
				lastMu.Unlock()
				if idle > g.cfg.PacketTimeout {
					timeoutErrCh <- fmt.Errorf("no packet within %s", g.cfg.PacketTimeout)
					cancelRead()
					return
				}
			}
		}
	}()

	if err := client.Play(readCtx); err != nil {
		close(done)
		return fmt.Errorf("play: %w", err)
	}

	g.setState(StateRunning)
	readErr := client.ReadPackets(readCtx)
	close(done)

	select {
	case timeoutErr := <-timeoutErrCh:
		return timeoutErr
	default:
	}

	if ctx.Err() != nil {
		return nil // caller handles shutdown
	}
	if readErr != nil {
		return fmt.Errorf("read packets: %w", readErr)
	}
	return fmt.Errorf("stream ended unexpectedly")
}

func classifyChannels(channels map[byte]*rtsp.Channel) (video, audio *rtsp.Channel) {
	for _, ch := range channels {
		switch ch.MediaType {
		case "video":
			video = ch
		case "audio":
			audio = ch
		}
	}
	return video, audio
}

func buildH264Extradata(proc *mediartp.H264Processor) []byte {
	sps := proc.GetSPS()
	pps := proc.GetPPS()
	if len(sps) == 0 || len(pps) == 0 {
		return nil
	}
	out := make([]byte, 0, len(sps)+len(pps)+8)
	out = appendLengthPrefixed(out, sps)
	out = appendLengthPrefixed(out, pps)
	return out
}

func appendLengthPrefixed(dst, nalu []byte) []byte {
	n := len(nalu)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, nalu...)
}

// backoffDelay implements full-jitter exponential backoff: base 500ms,
// doubling per consecutive failure, capped at 30s (spec §4.E).
func backoffDelay(failures int) time.Duration {
	shift := min(failures, 16)
	exp := backoffBase * time.Duration(uint64(1)<<uint(shift))
	if exp <= 0 || exp > backoffCap {
		exp = backoffCap
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
