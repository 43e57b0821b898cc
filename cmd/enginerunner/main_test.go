package main

import (
	"testing"

	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestLimitsFromEnv(t *testing.T) {
	t.Setenv("HEDGECORE_RUNNER_CPU_LIMIT", "1.5")
	t.Setenv("HEDGECORE_RUNNER_MEMORY_MIB", "512")
	t.Setenv("HEDGECORE_RUNNER_FD_LIMIT", "256")

	lim := limitsFromEnv()
	assert.Equal(t, 1.5, lim.cpu)
	assert.Equal(t, int64(512), lim.memoryMiB)
	assert.Equal(t, uint64(256), lim.fd)
}

func TestLimitsFromEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("HEDGECORE_RUNNER_CPU_LIMIT", "lots")
	t.Setenv("HEDGECORE_RUNNER_MEMORY_MIB", "-1")
	t.Setenv("HEDGECORE_RUNNER_FD_LIMIT", "")

	lim := limitsFromEnv()
	assert.Zero(t, lim.cpu)
	assert.Zero(t, lim.memoryMiB)
	assert.Zero(t, lim.fd)
}

func TestVenueCapabilities(t *testing.T) {
	vc := config.VenueConfig{Capabilities: []string{"perp", "funding-rate"}}
	caps := venueCapabilities(vc)
	assert.Equal(t, []model.Capability{model.CapPerp, model.CapFundingRate}, caps)

	assert.Empty(t, venueCapabilities(config.VenueConfig{}))
}
