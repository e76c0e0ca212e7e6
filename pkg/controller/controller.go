// Package controller implements the per-stream Recording Controller: a
// state machine fusing packet arrivals, detection verdicts, and wallclock
// time to decide when a Segment Writer is open and what it contains
// (spec §4.F).
package controller

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opennvr/nvrd/pkg/media"
	"github.com/opennvr/nvrd/pkg/recording"
	"github.com/opennvr/nvrd/pkg/segment"
)

// State is one node of the Controller's lifecycle.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StateRecording
	StatePostBuffer
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateRecording:
		return "recording"
	case StatePostBuffer:
		return "post_buffer"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds the per-stream recording parameters (subset of
// StreamHandle.config, spec §3).
type Config struct {
	StreamName      string
	OutputDir       string // YYYY/MM/DD/<recording_id>-NNNNN.mp4 written beneath this
	PreRoll         time.Duration
	PostRoll        time.Duration
	Cooldown        time.Duration // default: same as PostRoll
	SegmentDuration time.Duration
}

// Controller drives exactly one stream's recording lifecycle. All mutable
// state is confined to the goroutine running Run; every other method only
// ever sends on a channel, except State, which reads the current state
// under mu.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	buffer *media.PacketBuffer

	packets  chan media.Packet
	verdicts chan recording.Verdict
	commands chan command

	mu    sync.RWMutex
	state State

	OnRecordingStarted    func(recording.Recording)
	OnRecordingFinalized  func(recording.Recording)
	OnSegmentStarted      func(recording.Segment)
}

type commandKind int

const (
	cmdStartContinuous commandKind = iota
	cmdStop
	cmdForceClose
	cmdIngestorRunning
	cmdIngestorDropped
)

type command struct {
	kind commandKind
}

// New builds a Controller for one stream. buffer must be the same
// PacketBuffer the stream's Ingestor pushes into.
func New(cfg Config, buffer *media.PacketBuffer, logger *slog.Logger) *Controller {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.PostRoll
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		buffer:   buffer,
		packets:  make(chan media.Packet, 256),
		verdicts: make(chan recording.Verdict, 16),
		commands: make(chan command, 8),
		state:    StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// HandlePacket feeds one packet from the Ingestor. Non-blocking: a full
// queue drops the packet and logs, since the Controller's own pace (not
// the Ingestor's) should never stall packet ingestion.
func (c *Controller) HandlePacket(p media.Packet) {
	select {
	case c.packets <- p:
	default:
		c.logger.Warn("controller packet queue full, dropping", "stream", c.cfg.StreamName)
	}
}

// HandleVerdict feeds one detection result.
func (c *Controller) HandleVerdict(v recording.Verdict) {
	select {
	case c.verdicts <- v:
	default:
		c.logger.Warn("controller verdict queue full, dropping", "stream", c.cfg.StreamName)
	}
}

func (c *Controller) StartContinuous() { c.commands <- command{kind: cmdStartContinuous} }
func (c *Controller) Stop()            { c.commands <- command{kind: cmdStop} }
func (c *Controller) ForceClose()      { c.commands <- command{kind: cmdForceClose} }
func (c *Controller) IngestorRunning() { c.commands <- command{kind: cmdIngestorRunning} }
func (c *Controller) IngestorDropped() { c.commands <- command{kind: cmdIngestorDropped} }

// runtimeState is everything the Run loop mutates; kept off the Controller
// struct itself so every cross-goroutine access is forced through a
// channel operation.
type runtimeState struct {
	writer             *segment.Writer
	current            *recording.Recording
	lastDetectionAt    time.Time
	postBufferStart    time.Time
	continuous         bool
	preReconnectState  State
	queuedTrigger      *recording.Verdict
	videoParams        media.CodecParameters
	audioParams        *media.CodecParameters
}

// Run drives the state machine until ctx is cancelled. videoParams must be
// known before Run is called (the Ingestor captures them at stream open).
func (c *Controller) Run(ctx context.Context, videoParams media.CodecParameters, audioParams *media.CodecParameters) {
	rs := &runtimeState{videoParams: videoParams, audioParams: audioParams}
	cooldownTimer := time.NewTimer(time.Hour)
	cooldownTimer.Stop()
	postRollTimer := time.NewTimer(time.Hour)
	postRollTimer.Stop()

	defer func() {
		if rs.writer != nil {
			c.finalize(rs)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-c.commands:
			switch cmd.kind {
			case cmdStartContinuous:
				rs.continuous = true
				if c.State() != StateReconnecting {
					c.beginRecording(rs, recording.TriggerContinuous)
				}
			case cmdStop, cmdForceClose:
				if rs.writer != nil {
					c.finalize(rs)
				}
				c.setState(StateIdle)
				cooldownTimer.Stop()
				postRollTimer.Stop()
				if cmd.kind == cmdStop {
					return
				}
			case cmdIngestorRunning:
				if c.State() == StateReconnecting {
					c.setState(rs.preReconnectState)
					if rs.queuedTrigger != nil {
						v := *rs.queuedTrigger
						rs.queuedTrigger = nil
						c.applyVerdict(rs, v, cooldownTimer)
					}
				} else if c.State() == StateIdle {
					c.setState(StateBuffering)
				}
			case cmdIngestorDropped:
				if c.State() != StateReconnecting {
					rs.preReconnectState = c.State()
					c.setState(StateReconnecting)
					cooldownTimer.Stop()
					postRollTimer.Stop()
				}
			}

		case v := <-c.verdicts:
			if c.State() == StateReconnecting {
				if v.Triggered {
					vv := v
					rs.queuedTrigger = &vv
				}
				continue
			}
			c.applyVerdict(rs, v, cooldownTimer)

		case p := <-c.packets:
			switch c.State() {
			case StateRecording, StatePostBuffer:
				if rs.writer != nil {
					rs.writer.AudioGuardCheck(time.Now())
					if err := rs.writer.Write(p); err != nil {
						c.logger.Error("segment write failed, finalizing", "stream", c.cfg.StreamName, "error", err)
						c.finalize(rs)
						c.setState(StateBuffering)
						postRollTimer.Stop()
						cooldownTimer.Stop()
					}
				}
			}

		case <-cooldownTimer.C:
			if c.State() == StateRecording {
				c.setState(StatePostBuffer)
				rs.postBufferStart = time.Now()
				postRollTimer.Reset(c.cfg.PostRoll)
			}

		case <-postRollTimer.C:
			if c.State() == StatePostBuffer && !rs.continuous {
				c.finalize(rs)
				c.setState(StateIdle)
			}
		}
	}
}

func (c *Controller) applyVerdict(rs *runtimeState, v recording.Verdict, cooldownTimer *time.Timer) {
	if !v.Triggered {
		return
	}
	rs.lastDetectionAt = v.At
	switch c.State() {
	case StateIdle, StateBuffering:
		c.beginRecording(rs, recording.TriggerMotion)
		cooldownTimer.Reset(c.cfg.Cooldown)
	case StateRecording, StatePostBuffer:
		c.setState(StateRecording)
		cooldownTimer.Reset(c.cfg.Cooldown)
	}
}

func (c *Controller) beginRecording(rs *runtimeState, trigger recording.Trigger) {
	now := time.Now()
	id := uuid.NewString()
	dir := filepath.Join(c.cfg.OutputDir, now.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("create recording directory failed", "stream", c.cfg.StreamName, "error", err)
	}
	stem := filepath.Join(dir, id)

	rec := &recording.Recording{
		ID:         id,
		StreamName: c.cfg.StreamName,
		StartTime:  now,
		Trigger:    trigger,
	}
	rs.current = rec

	rs.writer = segment.Open(stem, c.cfg.SegmentDuration, rs.videoParams, rs.audioParams, func(info segment.StartedInfo) {
		if c.OnSegmentStarted != nil {
			c.OnSegmentStarted(recording.Segment{
				Path:             info.Path,
				StreamName:       c.cfg.StreamName,
				StartedWallclock: info.FirstPTSWallclock,
			})
		}
	})

	c.setState(StateRecording)
	if c.OnRecordingStarted != nil {
		c.OnRecordingStarted(*rec)
	}

	// Invariant I-R1/I-R2: drain from the oldest keyframe at or after
	// now - pre_roll_seconds so the first frame written is a keyframe and
	// nothing before it is ever written.
	sinceTicks := ptsTicksAgo(c.buffer, rs.videoParams, c.cfg.PreRoll)
	drained := c.buffer.DrainFromKeyframe(sinceTicks)
	for _, p := range drained {
		if err := rs.writer.Write(p); err != nil {
			c.logger.Error("pre-roll drain write failed", "stream", c.cfg.StreamName, "error", err)
			break
		}
	}
}

// ptsTicksAgo converts "preRoll seconds before now" into a stream-tick PTS
// cutoff, anchored on the newest video PTS the buffer has actually seen
// (not a fixed offset from zero: PTS values grow monotonically for the
// life of the connection, so anchoring on "now" is the only way this stays
// correct once the buffer has been running longer than one pre-roll
// window). When the buffer is younger than preRoll the cutoff clamps to 0,
// so the oldest buffered keyframe qualifies. DrainFromKeyframe falls back
// to the newest keyframe only when no keyframe lies at or after the cutoff
// (a GOP longer than preRoll); with no video pushed yet it returns nothing.
func ptsTicksAgo(buffer *media.PacketBuffer, params media.CodecParameters, preRoll time.Duration) int64 {
	rate := int64(params.SampleRate)
	if rate == 0 {
		rate = 90000
	}
	preRollTicks := int64(preRoll.Seconds() * float64(rate))

	currentPTS, ok := buffer.NewestVideoPTS()
	if !ok {
		return -preRollTicks
	}
	since := currentPTS - preRollTicks
	if since < 0 {
		since = 0
	}
	return since
}

func (c *Controller) finalize(rs *runtimeState) {
	if rs.writer == nil {
		return
	}
	if err := rs.writer.Close(); err != nil {
		c.logger.Error("segment writer close failed", "stream", c.cfg.StreamName, "error", err)
	}
	if rs.current != nil {
		rs.current.EndTime = time.Now()
		rs.current.Complete = true
		if c.OnRecordingFinalized != nil {
			c.OnRecordingFinalized(*rs.current)
		}
	}
	rs.writer = nil
	rs.current = nil
}
