package ingest_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/ingest"
	"github.com/opennvr/nvrd/pkg/media"
	"github.com/opennvr/nvrd/pkg/rtsp"
	"github.com/opennvr/nvrd/pkg/testutil"
)

func TestIngestorConnectsAndIngestsFrames(t *testing.T) {
	server, err := testutil.NewFakeRTSPServer(testutil.DefaultH264SDP)
	require.NoError(t, err)
	defer server.Close()

	serveDone := make(chan struct{})
	go func() {
		server.Serve()
		close(serveDone)
	}()

	g := ingest.New(ingest.Config{
		Name:          "test-cam",
		URL:           server.URL(),
		Protocol:      rtsp.TransportTCP,
		PacketTimeout: 2 * time.Second,
		BufferBytes:   8 * 1024 * 1024,
	}, slog.Default())

	received := make(chan media.Packet, 64)
	g.OnPacket = func(p media.Packet) {
		select {
		case received <- p:
		default:
		}
	}

	states := make(chan ingest.State, 16)
	g.OnStateChange = func(s ingest.State) {
		select {
		case states <- s:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go g.Run(ctx)

	waitForState(t, states, ingest.StateRunning, 5*time.Second)

	gop := testutil.H264GOP{StartSeq: 0, StartTimestamp: 0, FrameCount: 3, TickDuration: 3000}
	for _, pkt := range gop.Packets() {
		require.NoError(t, server.SendInterleaved(0, pkt))
	}

	var gotKeyframe bool
	deadline := time.After(3 * time.Second)
	for !gotKeyframe {
		select {
		case p := <-received:
			if p.StreamIndex == media.StreamVideo && p.IsKeyframe {
				gotKeyframe = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a depacketized keyframe")
		}
	}

	cancel()
	waitForState(t, states, ingest.StateStopped, 5*time.Second)
}

func waitForState(t *testing.T, ch <-chan ingest.State, want ingest.State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}
