package controller_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/controller"
	"github.com/opennvr/nvrd/pkg/media"
	"github.com/opennvr/nvrd/pkg/recording"
)

func avccNALU(payload []byte) []byte {
	n := len(payload)
	out := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return append(out, payload...)
}

func idrFrame() []byte {
	var out []byte
	out = append(out, avccNALU([]byte{0x67, 0x42, 0x00, 0x1e})...)
	out = append(out, avccNALU([]byte{0x68, 0xce, 0x3c, 0x80})...)
	out = append(out, avccNALU(append([]byte{0x65}, make([]byte, 16)...))...)
	return out
}

func pFrame() []byte {
	return avccNALU(append([]byte{0x61}, make([]byte, 8)...))
}

func h264Params() media.CodecParameters {
	var extradata []byte
	extradata = append(extradata, avccNALU([]byte{0x67, 0x42, 0x00, 0x1e})...)
	extradata = append(extradata, avccNALU([]byte{0x68, 0xce, 0x3c, 0x80})...)
	return media.CodecParameters{Codec: media.CodecH264, Extradata: extradata}
}

func newTestController(t *testing.T) (*controller.Controller, *media.PacketBuffer, string) {
	t.Helper()
	dir := t.TempDir()
	buf := media.NewPacketBuffer(16 * 1024 * 1024)
	cfg := controller.Config{
		StreamName:      "front-door",
		OutputDir:       dir,
		PreRoll:         1 * time.Second,
		PostRoll:        50 * time.Millisecond,
		Cooldown:        50 * time.Millisecond,
		SegmentDuration: 60 * time.Second,
	}
	c := controller.New(cfg, buf, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return c, buf, dir
}

func TestControllerTransitionsIdleToBufferingOnIngestorRunning(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx, h264Params(), nil)

	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)
}

func TestControllerDrainsPreRollOnTrigger(t *testing.T) {
	c, buf, _ := newTestController(t)
	tb := media.TimeBase{Num: 1, Den: 90000}

	buf.Push(media.NewPacket(media.StreamVideo, 0, 0, tb, true, idrFrame()))
	buf.Push(media.NewPacket(media.StreamVideo, 3000, 3000, tb, false, pFrame()))
	buf.Push(media.NewPacket(media.StreamVideo, 6000, 6000, tb, false, pFrame()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started []recording.Recording
	c.OnRecordingStarted = func(r recording.Recording) { started = append(started, r) }

	go c.Run(ctx, h264Params(), nil)
	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)

	c.HandleVerdict(recording.Verdict{At: time.Now(), Triggered: true})
	require.Eventually(t, func() bool { return c.State() == controller.StateRecording }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(started) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, recording.TriggerMotion, started[0].Trigger)
}

// TestControllerDrainsPreRollNearNowNotBufferStart covers P4 once the
// buffer holds far more than one pre-roll window: the chosen keyframe must
// sit near "now - pre_roll_seconds", not at the oldest packet the buffer
// still happens to retain.
func TestControllerDrainsPreRollNearNowNotBufferStart(t *testing.T) {
	c, buf, _ := newTestController(t) // PreRoll: 1s
	tb := media.TimeBase{Num: 1, Den: 90000}

	const fps = 30
	const totalSeconds = 4 // far more than the 1s configured pre-roll
	oldestPush := time.Now()
	for i := 0; i < totalSeconds*fps; i++ {
		pts := int64(i) * (90000 / fps)
		keyframe := i%fps == 0
		var payload []byte
		if keyframe {
			payload = idrFrame()
		} else {
			payload = pFrame()
		}
		buf.Push(media.NewPacket(media.StreamVideo, pts, pts, tb, keyframe, payload))
		time.Sleep(time.Millisecond)
	}
	newestPush := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var segStarted []time.Time
	var mu sync.Mutex
	c.OnSegmentStarted = func(s recording.Segment) {
		mu.Lock()
		segStarted = append(segStarted, s.StartedWallclock)
		mu.Unlock()
	}

	go c.Run(ctx, h264Params(), nil)
	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)

	c.HandleVerdict(recording.Verdict{At: time.Now(), Triggered: true})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(segStarted) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	firstWrittenAt := segStarted[0]
	mu.Unlock()

	// The drained keyframe's arrival time must fall well after the push
	// run started: a fixed-zero-offset bug always picks the very first
	// (oldest) keyframe, whose arrival time equals oldestPush.
	midpoint := oldestPush.Add(newestPush.Sub(oldestPush) / 2)
	require.True(t, firstWrittenAt.After(midpoint),
		"drained keyframe must be recent (near now - pre_roll), not the oldest one still buffered")
}

func TestControllerPostBufferToIdleAfterCooldownAndPostRoll(t *testing.T) {
	c, buf, dir := newTestController(t)
	tb := media.TimeBase{Num: 1, Den: 90000}
	buf.Push(media.NewPacket(media.StreamVideo, 0, 0, tb, true, idrFrame()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finalized []recording.Recording
	c.OnRecordingFinalized = func(r recording.Recording) { finalized = append(finalized, r) }

	go c.Run(ctx, h264Params(), nil)
	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)

	c.HandleVerdict(recording.Verdict{At: time.Now(), Triggered: true})
	require.Eventually(t, func() bool { return c.State() == controller.StateRecording }, time.Second, time.Millisecond)

	// No further triggers: cooldown elapses -> POST_BUFFER -> after
	// post_roll_seconds -> IDLE, finalizing the recording.
	require.Eventually(t, func() bool { return c.State() == controller.StatePostBuffer }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == controller.StateIdle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(finalized) == 1 }, time.Second, time.Millisecond)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "finalizing a recording must leave at least the date directory on disk")
}

func TestControllerQueuesSingleFreshestTriggerDuringReconnect(t *testing.T) {
	c, buf, _ := newTestController(t)
	tb := media.TimeBase{Num: 1, Den: 90000}
	buf.Push(media.NewPacket(media.StreamVideo, 0, 0, tb, true, idrFrame()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx, h264Params(), nil)
	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)

	c.IngestorDropped()
	require.Eventually(t, func() bool { return c.State() == controller.StateReconnecting }, time.Second, time.Millisecond)

	c.HandleVerdict(recording.Verdict{At: time.Now(), Triggered: true, Label: "first"})
	c.HandleVerdict(recording.Verdict{At: time.Now(), Triggered: true, Label: "freshest"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, controller.StateReconnecting, c.State(), "queued triggers must not apply until resume")

	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateRecording }, time.Second, time.Millisecond)
}

func TestControllerForceCloseFinalizesOpenRecording(t *testing.T) {
	c, buf, _ := newTestController(t)
	tb := media.TimeBase{Num: 1, Den: 90000}
	buf.Push(media.NewPacket(media.StreamVideo, 0, 0, tb, true, idrFrame()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finalized int
	c.OnRecordingFinalized = func(recording.Recording) { finalized++ }

	go c.Run(ctx, h264Params(), nil)
	c.IngestorRunning()
	require.Eventually(t, func() bool { return c.State() == controller.StateBuffering }, time.Second, time.Millisecond)

	c.StartContinuous()
	require.Eventually(t, func() bool { return c.State() == controller.StateRecording }, time.Second, time.Millisecond)

	c.ForceClose()
	require.Eventually(t, func() bool { return finalized == 1 }, time.Second, time.Millisecond)
}
