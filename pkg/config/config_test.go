package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nvr.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "storage_root=/var/lib/nvr\nbuffer_memory_limit_mb=256\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/nvr", cfg.StorageRoot)
	require.Equal(t, uint32(60), cfg.DefaultSegmentDurationS)
	require.Equal(t, uint32(5), cfg.DefaultPreRollS)
	require.Equal(t, uint32(10), cfg.DefaultPostRollS)
	require.Equal(t, uint32(5), cfg.PacketTimeoutS)
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	path := writeTempConfig(t, "# a comment\n\nstorage_root=/data\nbuffer_memory_limit_mb=64\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "/data", cfg.StorageRoot)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, "storage_root=/data\nbuffer_memory_limit_mb=64\nnot_a_real_key=1\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "/data", cfg.StorageRoot)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "storage_root=/data\nbuffer_memory_limit_mb=64\ndefault_segment_duration_s=30\nmax_streams=4\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(30), cfg.DefaultSegmentDurationS)
	require.Equal(t, uint32(4), cfg.MaxStreams)
}

func TestValidateRequiresStorageRoot(t *testing.T) {
	cfg := defaults()
	cfg.BufferMemoryLimitMB = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresBufferLimit(t *testing.T) {
	cfg := defaults()
	cfg.StorageRoot = "/data"
	require.Error(t, cfg.Validate())
}
