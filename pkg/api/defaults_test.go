package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opennvr/nvrd/pkg/registry"
)

func TestApplyDefaultsFillsOnlyZeroFields(t *testing.T) {
	s := &Server{defaults: Defaults{PreRollSeconds: 5, PostRollSeconds: 10, SegmentDurationSeconds: 60}}

	cfg := registry.StreamConfig{Name: "cam1", PostRollSeconds: 30}
	s.applyDefaults(&cfg)

	require.Equal(t, uint32(5), cfg.PreRollSeconds, "omitted field must take the process default")
	require.Equal(t, uint32(30), cfg.PostRollSeconds, "explicitly set field must not be overwritten")
	require.Equal(t, uint32(60), cfg.SegmentDurationSeconds, "omitted field must take the process default")
}
