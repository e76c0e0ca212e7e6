package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/api"
	"github.com/opennvr/nvrd/pkg/registry"
)

func newTestServer(t *testing.T) (*api.Server, int) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := registry.New(t.TempDir(), logger)
	srv := api.NewServer(reg, nil, logger, api.Defaults{
		PreRollSeconds:         5,
		PostRollSeconds:        10,
		SegmentDurationSeconds: 60,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	require.NoError(t, srv.Start(fmt.Sprintf("127.0.0.1:%d", port)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, port
}

func TestAddStreamThenListReflectsIt(t *testing.T) {
	_, port := newTestServer(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	body, _ := json.Marshal(map[string]any{
		"name": "front-door",
		"url":  "rtsp://127.0.0.1:1/stream",
	})
	resp, err := http.Post(base+"/api/streams", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/api/streams")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []registry.StreamStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	require.Equal(t, "front-door", statuses[0].Name)
}

func TestAddStreamRejectsDuplicateNameOverHTTP(t *testing.T) {
	_, port := newTestServer(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	body, _ := json.Marshal(map[string]any{"name": "cam1", "url": "rtsp://127.0.0.1:1/a"})
	resp, err := http.Post(base+"/api/streams", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(base+"/api/streams", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetStatusForUnknownStreamIs404(t *testing.T) {
	_, port := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/streams/missing", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
