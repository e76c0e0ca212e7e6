package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/media"
)

func TestPtsTicksAgoAnchorsOnNewestPTSNotZero(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: 90000}
	buf := media.NewPacketBuffer(64 << 20)

	// Push far more than one pre-roll window's worth of video so the
	// buffer's oldest retained keyframe sits well before "now - preRoll".
	const fps = 30
	const seconds = 10
	for i := 0; i < seconds*fps; i++ {
		pts := int64(i) * (90000 / fps)
		buf.Push(media.NewPacket(media.StreamVideo, pts, pts, tb, i%fps == 0, make([]byte, 8)))
	}

	params := media.CodecParameters{SampleRate: 0} // video: falls back to 90000
	since := ptsTicksAgo(buf, params, 1*time.Second)

	newest, ok := buf.NewestVideoPTS()
	require.True(t, ok)
	require.Equal(t, newest-90000, since, "since must track newest PTS minus one pre-roll window, not a fixed offset from zero")
	require.Greater(t, since, int64(0), "after 10s of video a 1s pre-roll cutoff must be far past the stream's start")
}

func TestPtsTicksAgoFallsBackWhenBufferEmpty(t *testing.T) {
	buf := media.NewPacketBuffer(1 << 20)
	since := ptsTicksAgo(buf, media.CodecParameters{}, 2*time.Second)
	require.Equal(t, int64(-180000), since)
}

func TestPtsTicksAgoNeverNegativeNearStreamStart(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: 90000}
	buf := media.NewPacketBuffer(1 << 20)
	buf.Push(media.NewPacket(media.StreamVideo, 9000, 9000, tb, true, make([]byte, 8)))

	since := ptsTicksAgo(buf, media.CodecParameters{}, 1*time.Second)
	require.Equal(t, int64(0), since, "a preRoll window larger than elapsed stream time clamps to 0, not negative")
}
