package binance

import (
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestNewAppliesTimeouts(t *testing.T) {
	a := New(Options{ID: "b1"})
	assert.Equal(t, 15*time.Second, a.readTimeout)
	assert.Equal(t, 60*time.Second, a.submitTimeout)

	a = New(Options{ID: "b1", ReadTimeout: 5 * time.Second, SubmitTimeout: 30 * time.Second})
	assert.Equal(t, 5*time.Second, a.readTimeout)
	assert.Equal(t, 30*time.Second, a.submitTimeout)
}

func TestNewAppliesConfiguredCapabilities(t *testing.T) {
	a := New(Options{ID: "b1"})
	assert.True(t, a.Capabilities().Has(model.CapOrderBookDepth))

	a = New(Options{ID: "b1", Capabilities: []model.Capability{model.CapPerp}})
	assert.True(t, a.Capabilities().Has(model.CapPerp))
	assert.False(t, a.Capabilities().Has(model.CapOrderBookDepth))
	assert.False(t, a.Capabilities().Has(model.CapCancelAll))
}
