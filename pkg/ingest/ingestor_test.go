package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/rtsp"
)

func TestBackoffDelayStaysWithinBounds(t *testing.T) {
	for failures := 0; failures <= 20; failures++ {
		d := backoffDelay(failures)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, backoffCap)
	}
}

func TestBackoffDelayGrowsWithFailures(t *testing.T) {
	// Full jitter means individual draws aren't ordered, but the ceiling
	// for each successive failure count should grow until the cap.
	prevCeil := time.Duration(0)
	for failures := 0; failures < 10; failures++ {
		shift := min(failures, 16)
		ceil := backoffBase * time.Duration(uint64(1)<<uint(shift))
		if ceil > backoffCap {
			ceil = backoffCap
		}
		require.GreaterOrEqual(t, ceil, prevCeil)
		prevCeil = ceil
	}
}

func TestClassifyChannelsSplitsVideoAndAudio(t *testing.T) {
	channels := map[byte]*rtsp.Channel{
		0: {ID: 0, MediaType: "video"},
		2: {ID: 2, MediaType: "audio"},
	}
	video, audio := classifyChannels(channels)
	require.NotNil(t, video)
	require.Equal(t, byte(0), video.ID)
	require.NotNil(t, audio)
	require.Equal(t, byte(2), audio.ID)
}

func TestClassifyChannelsVideoOnly(t *testing.T) {
	channels := map[byte]*rtsp.Channel{
		0: {ID: 0, MediaType: "video"},
	}
	video, audio := classifyChannels(channels)
	require.NotNil(t, video)
	require.Nil(t, audio)
}

func TestStateStringCoversAllStates(t *testing.T) {
	states := []State{
		StateInitializing, StateConnecting, StateRunning,
		StateReconnecting, StateStopping, StateStopped,
	}
	for _, s := range states {
		require.NotEqual(t, "unknown", s.String())
	}
}

func TestNewAppliesDefaultPacketTimeout(t *testing.T) {
	g := New(Config{Name: "front-door", BufferBytes: 1024}, nil)
	require.Equal(t, 5*time.Second, g.cfg.PacketTimeout)
	require.Equal(t, StateInitializing, g.State())
}
