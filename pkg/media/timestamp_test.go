package media_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/media"
)

func frameTB() media.TimeBase { return media.TimeBase{Num: 1, Den: 90000} }

const frameTicks30fps = 3000 // 90000/30

func rawPacket(pts, dts int64) media.Packet {
	return media.NewPacket(media.StreamVideo, pts, dts, frameTB(), false, nil)
}

func TestTimestampTrackerFirstPacketIsZero(t *testing.T) {
	tr := media.NewTimestampTracker(frameTB(), time.Second/30, false)
	out := tr.Normalize(rawPacket(500000, 500000))
	require.Equal(t, int64(0), out.PTS)
	require.Equal(t, int64(0), out.DTS)
}

func TestTimestampTrackerMonotonicUnderNormalAdvance(t *testing.T) {
	tr := media.NewTimestampTracker(frameTB(), time.Second/30, false)
	base := int64(1_000_000)
	tr.Normalize(rawPacket(base, base))

	var last int64 = -1
	for i := int64(1); i <= 50; i++ {
		out := tr.Normalize(rawPacket(base+i*frameTicks30fps, base+i*frameTicks30fps))
		require.Greater(t, out.DTS, last)
		last = out.DTS
	}
	require.Equal(t, uint64(0), tr.DiscontinuityCount)
}

func TestTimestampTrackerReorderedSamplePreservesDelta(t *testing.T) {
	tr := media.NewTimestampTracker(frameTB(), time.Second/30, false)
	tr.Normalize(rawPacket(0, 0))
	first := tr.Normalize(rawPacket(frameTicks30fps, frameTicks30fps))

	// A backward/duplicate DTS sample (e.g. out-of-order network delivery).
	originalDelta := int64(500) // pts leads dts by a fixed amount
	reordered := tr.Normalize(rawPacket(first.DTS+originalDelta, first.DTS))

	require.Greater(t, reordered.DTS, first.DTS)
	require.Equal(t, originalDelta, reordered.PTS-reordered.DTS)
	require.Equal(t, uint64(1), tr.DiscontinuityCount)
}

func TestTimestampTrackerBridgesLargeGap(t *testing.T) {
	tr := media.NewTimestampTracker(frameTB(), time.Second/30, false)
	tr.Normalize(rawPacket(0, 0))

	// Jump forward by 20 seconds of raw DTS: well beyond the 10s/5x bound.
	gapRaw := int64(20 * 90000)
	out := tr.Normalize(rawPacket(gapRaw, gapRaw))

	expected := int64(0) + frameTicks30fps // last_emitted_dts(0) + expected_frame_duration
	require.Equal(t, expected, out.DTS)
	require.Equal(t, uint64(1), tr.DiscontinuityCount)
}

func TestTimestampTrackerRebaseOnReconnectPreservesContinuity(t *testing.T) {
	tr := media.NewTimestampTracker(frameTB(), time.Second/30, false)
	tr.Normalize(rawPacket(0, 0))
	for i := int64(1); i <= 10; i++ {
		tr.Normalize(rawPacket(i*frameTicks30fps, i*frameTicks30fps))
	}
	lastBeforeReconnect := tr.LastEmittedDTS()

	// Stream reconnects; demuxer restarts its own clock from an arbitrary base.
	firstAfter := rawPacket(9_999_999, 9_999_999)
	tr.Rebase(firstAfter)
	out := tr.Normalize(firstAfter)

	require.Equal(t, lastBeforeReconnect+frameTicks30fps, out.DTS)
}

func TestLessOrdersVideoBeforeAudioOnEqualDTS(t *testing.T) {
	video := media.NewPacket(media.StreamVideo, 1000, 1000, frameTB(), false, nil)
	audio := media.NewPacket(media.StreamAudio, 1000, 1000, frameTB(), false, nil)
	require.True(t, media.Less(video, audio))
	require.False(t, media.Less(audio, video))
}

func TestLessOrdersByDTSFirst(t *testing.T) {
	earlier := media.NewPacket(media.StreamAudio, 100, 100, frameTB(), false, nil)
	later := media.NewPacket(media.StreamVideo, 50, 200, frameTB(), false, nil)
	require.True(t, media.Less(earlier, later))
}
