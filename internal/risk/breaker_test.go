package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = model.Policy{
	DailyHardLossUSD: 50000,
	MaxDrawdown:      0.25,
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestBreakerFreshState(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBreakerStore(dir, "vault-a", d(100000))
	require.NoError(t, err)

	st := s.State()
	assert.Equal(t, model.BreakerArmed, st.Phase)
	assert.True(t, st.PeakEquity.Equal(d(100000)))
	assert.FileExists(t, filepath.Join(dir, "vault-a", "breaker.json"))
}

func TestPeakIsMonotonic(t *testing.T) {
	s, err := OpenBreakerStore(t.TempDir(), "vault-a", d(100000))
	require.NoError(t, err)

	now := time.Now()
	st, err := s.Update(d(120000), d(20000), now, testPolicy)
	require.NoError(t, err)
	assert.True(t, st.PeakEquity.Equal(d(120000)))

	st, err = s.Update(d(110000), d(-10000), now, testPolicy)
	require.NoError(t, err)
	assert.True(t, st.PeakEquity.Equal(d(120000)), "peak must not decrease")
}

func TestDailyHardLossTrips(t *testing.T) {
	s, err := OpenBreakerStore(t.TempDir(), "vault-a", d(100000))
	require.NoError(t, err)

	// Scenario 5: starting 100k, now 40k, loss 60k > 50k limit.
	st, err := s.Update(d(40000), d(-60000), time.Now(), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, model.BreakerTripped, st.Phase)
	assert.Equal(t, "daily hard loss", st.TrippedReason)
}

func TestDrawdownTrips(t *testing.T) {
	s, err := OpenBreakerStore(t.TempDir(), "vault-a", d(100000))
	require.NoError(t, err)

	st, err := s.Update(d(74000), d(-26000), time.Now(), model.Policy{MaxDrawdown: 0.25})
	require.NoError(t, err)
	assert.Equal(t, model.BreakerTripped, st.Phase)
	assert.Equal(t, "max drawdown", st.TrippedReason)
}

func TestTrippedOnlyExitsViaAck(t *testing.T) {
	s, err := OpenBreakerStore(t.TempDir(), "vault-a", d(100000))
	require.NoError(t, err)

	_, err = s.Update(d(40000), d(-60000), time.Now(), testPolicy)
	require.NoError(t, err)
	require.Equal(t, model.BreakerTripped, s.State().Phase)

	// A recovered equity does not untrip.
	st, err := s.Update(d(100000), d(60000), time.Now(), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, model.BreakerTripped, st.Phase)

	require.NoError(t, s.Ack())
	assert.Equal(t, model.BreakerCooling, s.State().Phase)

	// Double-ack is rejected.
	assert.Error(t, s.Ack())
}

func TestDailyRollResetsPnL(t *testing.T) {
	s, err := OpenBreakerStore(t.TempDir(), "vault-a", d(100000))
	require.NoError(t, err)

	day1 := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	st, err := s.Update(d(90000), d(-10000), day1, testPolicy)
	require.NoError(t, err)
	assert.True(t, st.DailyRealizedPnL.Equal(d(-10000)))

	day2 := time.Date(2026, 8, 28, 0, 30, 0, 0, time.UTC)
	st, err = s.Update(d(89000), d(-1000), day2, testPolicy)
	require.NoError(t, err)
	assert.True(t, st.DailyRealizedPnL.Equal(d(-1000)), "window rolled at midnight UTC")
}

func TestRecoveryContinuesFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBreakerStore(dir, "vault-a", d(100000))
	require.NoError(t, err)
	_, err = s.Update(d(150000), d(50000), time.Now(), testPolicy)
	require.NoError(t, err)

	// Reopen as after a crash: peak must survive, starting equity argument
	// must not reset it.
	s2, err := OpenBreakerStore(dir, "vault-a", d(100000))
	require.NoError(t, err)
	assert.True(t, s2.State().PeakEquity.Equal(d(150000)))
}

func TestCorruptedFileRefusesStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault-a", "breaker.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenBreakerStore(dir, "vault-a", d(100000))
	assert.Error(t, err)
}
