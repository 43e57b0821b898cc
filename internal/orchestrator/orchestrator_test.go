package orchestrator

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	starts  int
	killed  []os.Signal
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nextPID: 1000, alive: make(map[int]bool)}
}

func (r *fakeRunner) Start(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	inst.PID = r.nextPID
	r.alive[inst.PID] = true
	r.starts++
	return nil
}

func (r *fakeRunner) Signal(inst *Instance, sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, sig)
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		r.alive[inst.PID] = false
	}
	return nil
}

func (r *fakeRunner) Alive(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[inst.PID]
}

func (r *fakeRunner) kill(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[pid] = false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Vaults: []model.VaultConfig{{
			ID:          "vault-a",
			ChainTag:    "arbitrum",
			Address:     "0x1111111111111111111111111111111111111111",
			AssetSymbol: "ETH",
			HedgeSymbol: "ETH-PERP",
			Policy:      model.Policy{Deadband: 0.05},
		}},
		Orchestrator: config.OrchestratorConfig{
			StateDir:       t.TempDir(),
			GracePeriod:    200 * time.Millisecond,
			HeartbeatEvery: 10 * time.Millisecond,
			HeartbeatStale: 50 * time.Millisecond,
		},
	}
}

func touchHeartbeat(t *testing.T, cfg *config.Config, vaultID string) {
	t.Helper()
	dir := filepath.Join(cfg.Orchestrator.StateDir, vaultID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heartbeat"), []byte("ok\n"), 0o644))
}

func TestDeployAndStop(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)

	require.NoError(t, s.Deploy("vault-a"))
	inst, ok := s.reg.Get("vault-a")
	require.True(t, ok)
	assert.Equal(t, StateRunning, inst.State)
	assert.NotEmpty(t, inst.ID)
	assert.NotEmpty(t, inst.Fingerprint)
	assert.FileExists(t, inst.ConfigPath)

	// The materialized config must be loadable and single-vault.
	sub, err := config.LoadFile(inst.ConfigPath)
	require.NoError(t, err)
	require.Len(t, sub.Vaults, 1)
	assert.Equal(t, "vault-a", sub.Vaults[0].ID)

	require.NoError(t, s.Stop("vault-a"))
	inst, _ = s.reg.Get("vault-a")
	assert.Equal(t, StateStopped, inst.State)
	assert.Contains(t, runner.killed, os.Signal(syscall.SIGTERM))
}

func TestDeployTwiceIsAnError(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, newFakeRunner())
	require.NoError(t, err)

	require.NoError(t, s.Deploy("vault-a"))
	err = s.Deploy("vault-a")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrAlreadyRunning, apperrors.TypeOf(err))
}

func TestDeployResolvesResourceLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.CPULimit = 1
	cfg.Orchestrator.MemoryLimitMiB = 512
	cfg.Orchestrator.FDLimit = 256
	// Vault override wins where set, defaults fill the rest.
	cfg.Vaults[0].Resources = model.ResourceLimits{CPULimit: 2, MemoryLimitMiB: 1024}

	s, err := New(cfg, newFakeRunner())
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))

	inst, ok := s.reg.Get("vault-a")
	require.True(t, ok)
	assert.Equal(t, model.ResourceLimits{CPULimit: 2, MemoryLimitMiB: 1024, FDLimit: 256}, inst.Limits)
}

func TestReloadRestartsOnResourceChange(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))

	changed := *cfg
	changed.Vaults = []model.VaultConfig{cfg.Vaults[0]}
	changed.Vaults[0].Resources.MemoryLimitMiB = 2048
	s.Reload(&changed)
	assert.Equal(t, 2, runner.starts)
	inst, _ := s.reg.Get("vault-a")
	assert.Equal(t, 2048, inst.Limits.MemoryLimitMiB)
}

func TestDeployUnknownVaultIsAnError(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, newFakeRunner())
	require.NoError(t, err)
	assert.Error(t, s.Deploy("vault-z"))
}

func TestStopWhenNotRunningIsAnError(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, newFakeRunner())
	require.NoError(t, err)
	assert.Error(t, s.Stop("vault-a"))
}

func TestRegistrySurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))
	pid := func() int { inst, _ := s.reg.Get("vault-a"); return inst.PID }()

	// A new supervisor over the same state dir adopts the live instance.
	s2, err := New(cfg, runner)
	require.NoError(t, err)
	inst, ok := s2.reg.Get("vault-a")
	require.True(t, ok)
	assert.Equal(t, StateRunning, inst.State)
	assert.Equal(t, pid, inst.PID)
	assert.Error(t, s2.Deploy("vault-a"), "adopted instance must block a double deploy")
}

func TestAdoptMarksDeadInstancesStopped(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))
	inst, _ := s.reg.Get("vault-a")
	runner.kill(inst.PID)

	s2, err := New(cfg, runner)
	require.NoError(t, err)
	inst, _ = s2.reg.Get("vault-a")
	assert.Equal(t, StateStopped, inst.State)
	require.NoError(t, s2.Deploy("vault-a"))
}

func TestStaleHeartbeatRestartsAfterThreeMisses(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))
	require.Equal(t, 1, runner.starts)

	// No heartbeat file at all: every check is a miss.
	s.checkOnce()
	s.checkOnce()
	inst, _ := s.reg.Get("vault-a")
	assert.Equal(t, StateUnhealthy, inst.State)
	assert.Equal(t, 1, runner.starts, "two misses must not restart yet")

	s.checkOnce()
	assert.Equal(t, 2, runner.starts, "third miss restarts")
	inst, _ = s.reg.Get("vault-a")
	assert.Equal(t, StateRunning, inst.State)
}

func TestFreshHeartbeatResetsMisses(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))

	s.checkOnce()
	s.checkOnce()
	touchHeartbeat(t, cfg, "vault-a")
	s.checkOnce()
	assert.Equal(t, 0, s.misses["vault-a"])
	assert.Equal(t, 1, runner.starts)
	inst, _ := s.reg.Get("vault-a")
	assert.Equal(t, StateRunning, inst.State)
}

func TestDeadProcessRestartsImmediately(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))
	touchHeartbeat(t, cfg, "vault-a")

	inst, _ := s.reg.Get("vault-a")
	runner.kill(inst.PID)
	s.checkOnce()
	assert.Equal(t, 2, runner.starts)
}

func TestReloadRollingRestartsChangedVaults(t *testing.T) {
	cfg := testConfig(t)
	runner := newFakeRunner()
	s, err := New(cfg, runner)
	require.NoError(t, err)
	require.NoError(t, s.Deploy("vault-a"))
	before, _ := s.reg.Get("vault-a")

	// Unchanged config: no restart.
	s.Reload(cfg)
	assert.Equal(t, 1, runner.starts)

	// Policy change: rolling restart with a fresh instance id.
	changed := *cfg
	changed.Vaults = []model.VaultConfig{cfg.Vaults[0]}
	changed.Vaults[0].Policy.Deadband = 0.02
	s.Reload(&changed)
	assert.Equal(t, 2, runner.starts)
	after, _ := s.reg.Get("vault-a")
	assert.NotEqual(t, before.ID, after.ID)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)
}
