package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/google/uuid"
)

// heartbeatMissLimit is how many consecutive stale checks a running
// instance survives before the supervisor restarts it.
const heartbeatMissLimit = 3

// Supervisor owns the per-vault engine processes: deploy, stop, health
// monitoring and config-driven rolling restarts. Registration is dynamic;
// deploying vault B never touches vault A's instance.
type Supervisor struct {
	runner Runner
	reg    *Registry

	mu     sync.Mutex
	cfg    *config.Config
	misses map[string]int
}

func New(cfg *config.Config, runner Runner) (*Supervisor, error) {
	reg, err := OpenRegistry(cfg.Orchestrator.StateDir)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		runner: runner,
		reg:    reg,
		cfg:    cfg,
		misses: make(map[string]int),
	}
	s.adopt()
	return s, nil
}

// adopt reconciles the registry after a hedged restart: instances whose
// process survived keep running under the new supervisor, dead ones are
// marked stopped.
func (s *Supervisor) adopt() {
	for _, inst := range s.reg.All() {
		inst := inst
		if inst.State == StateRunning && s.runner.Alive(&inst) {
			logger.Info("adopted running instance", "vault_id", inst.VaultID, "pid", inst.PID)
			continue
		}
		if inst.State != StateStopped {
			inst.State = StateStopped
			inst.PID = 0
			s.reg.Put(&inst)
		}
	}
}

func (s *Supervisor) vaultConfig(vaultID string) (model.VaultConfig, bool) {
	for _, v := range s.cfg.Vaults {
		if v.ID == vaultID {
			return v, true
		}
	}
	return model.VaultConfig{}, false
}

// Deploy starts one engine instance. Deploying an already-running vault is
// an error, not a restart; restarts are explicit.
func (s *Supervisor) Deploy(vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployLocked(vaultID)
}

func (s *Supervisor) deployLocked(vaultID string) error {
	vault, ok := s.vaultConfig(vaultID)
	if !ok {
		return apperrors.Newf(apperrors.ErrConfig, "vault %s not registered in config", vaultID)
	}

	if inst, ok := s.reg.Get(vaultID); ok && inst.State == StateRunning && s.runner.Alive(inst) {
		return apperrors.Newf(apperrors.ErrAlreadyRunning, "vault %s already running (pid %d)", vaultID, inst.PID)
	}

	cfgPath, err := s.materializeConfig(vault)
	if err != nil {
		return err
	}

	inst := &Instance{
		ID:          uuid.NewString(),
		VaultID:     vaultID,
		ConfigPath:  cfgPath,
		Fingerprint: s.fingerprint(vaultID),
		Limits:      s.resolveLimits(vault),
		State:       StateStarting,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.reg.Put(inst); err != nil {
		return err
	}

	if err := s.runner.Start(inst); err != nil {
		inst.State = StateErrored
		inst.LastError = err.Error()
		s.reg.Put(inst)
		return err
	}
	inst.State = StateRunning
	s.misses[vaultID] = 0
	logger.Info("instance deployed", "vault_id", vaultID, "pid", inst.PID, "instance_id", inst.ID)
	return s.reg.Put(inst)
}

// resolveLimits overlays the vault's own resource budget onto the
// orchestrator defaults, per-vault fields win.
func (s *Supervisor) resolveLimits(vault model.VaultConfig) model.ResourceLimits {
	lim := vault.Resources
	o := s.cfg.Orchestrator
	if lim.CPULimit == 0 {
		lim.CPULimit = o.CPULimit
	}
	if lim.MemoryLimitMiB == 0 {
		lim.MemoryLimitMiB = o.MemoryLimitMiB
	}
	if lim.FDLimit == 0 {
		lim.FDLimit = o.FDLimit
	}
	return lim
}

// materializeConfig writes the single-vault config file the instance runs
// from. Instances never read the supervisor's environment after startup.
func (s *Supervisor) materializeConfig(vault model.VaultConfig) (string, error) {
	sub := *s.cfg
	sub.Vaults = []model.VaultConfig{vault}
	sub.Orchestrator = config.OrchestratorConfig{
		StateDir:       s.cfg.Orchestrator.StateDir,
		HeartbeatEvery: s.cfg.Orchestrator.HeartbeatEvery,
	}

	dir := filepath.Join(s.cfg.Orchestrator.StateDir, vault.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(&sub, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "instance.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}

// Stop terminates one instance: SIGTERM, a grace period, then SIGKILL.
func (s *Supervisor) Stop(vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(vaultID)
}

func (s *Supervisor) stopLocked(vaultID string) error {
	inst, ok := s.reg.Get(vaultID)
	if !ok || inst.State == StateStopped {
		return apperrors.Newf(apperrors.ErrConfig, "vault %s is not running", vaultID)
	}

	inst.State = StateStopping
	s.reg.Put(inst)

	if s.runner.Alive(inst) {
		s.runner.Signal(inst, syscall.SIGTERM)
		grace := s.cfg.Orchestrator.GracePeriod
		if grace == 0 {
			grace = 10 * time.Second
		}
		deadline := time.Now().Add(grace)
		for s.runner.Alive(inst) && time.Now().Before(deadline) {
			time.Sleep(200 * time.Millisecond)
		}
		if s.runner.Alive(inst) {
			logger.Warn("instance ignored SIGTERM, killing", "vault_id", vaultID, "pid", inst.PID)
			s.runner.Signal(inst, syscall.SIGKILL)
		}
	}

	inst.State = StateStopped
	inst.PID = 0
	delete(s.misses, vaultID)
	logger.Info("instance stopped", "vault_id", vaultID)
	return s.reg.Put(inst)
}

// StopAll brings every running instance down, used on hedged shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.reg.All() {
		if inst.State == StateRunning || inst.State == StateUnhealthy {
			s.stopLocked(inst.VaultID)
		}
	}
}

func (s *Supervisor) Statuses() []Instance {
	return s.reg.All()
}

// Run is the monitor loop: process liveness plus heartbeat freshness on
// every tick, restart after heartbeatMissLimit consecutive misses.
func (s *Supervisor) Run(ctx context.Context) {
	every := s.cfg.Orchestrator.HeartbeatEvery
	if every == 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce()
		}
	}
}

func (s *Supervisor) checkOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.reg.All() {
		inst := inst
		if inst.State != StateRunning && inst.State != StateUnhealthy {
			continue
		}

		if !s.runner.Alive(&inst) {
			logger.Error("instance process died, restarting", "vault_id", inst.VaultID, "pid", inst.PID)
			s.restartLocked(inst.VaultID)
			continue
		}

		if s.heartbeatFresh(inst.VaultID) {
			s.misses[inst.VaultID] = 0
			if inst.State == StateUnhealthy {
				inst.State = StateRunning
				s.reg.Put(&inst)
			}
			continue
		}

		s.misses[inst.VaultID]++
		logger.Warn("instance heartbeat stale",
			"vault_id", inst.VaultID, "misses", s.misses[inst.VaultID])
		if inst.State == StateRunning {
			inst.State = StateUnhealthy
			s.reg.Put(&inst)
		}
		if s.misses[inst.VaultID] >= heartbeatMissLimit {
			logger.Error("instance wedged, restarting", "vault_id", inst.VaultID)
			s.restartLocked(inst.VaultID)
		}
	}
}

func (s *Supervisor) restartLocked(vaultID string) {
	if err := s.stopLocked(vaultID); err != nil {
		logger.Warn("stop during restart failed", "vault_id", vaultID, "error", err)
	}
	if err := s.deployLocked(vaultID); err != nil {
		logger.Error("redeploy failed", "vault_id", vaultID, "error", err)
	}
}

func (s *Supervisor) heartbeatFresh(vaultID string) bool {
	stale := s.cfg.Orchestrator.HeartbeatStale
	if stale == 0 {
		stale = 30 * time.Second
	}
	path := filepath.Join(s.cfg.Orchestrator.StateDir, vaultID, "heartbeat")
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= stale
}

// Reload swaps in a new config and rolling-restarts every running vault
// whose fingerprint changed. Untouched vaults keep their instance.
func (s *Supervisor) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	for _, inst := range s.reg.All() {
		if inst.State != StateRunning && inst.State != StateUnhealthy {
			continue
		}
		next := s.fingerprint(inst.VaultID)
		if next == "" {
			// Vault removed from config: stop it.
			logger.Info("vault removed from config, stopping", "vault_id", inst.VaultID)
			s.stopLocked(inst.VaultID)
			continue
		}
		if next != inst.Fingerprint {
			logger.Info("vault config changed, rolling restart", "vault_id", inst.VaultID)
			s.restartLocked(inst.VaultID)
		}
	}
}

func (s *Supervisor) fingerprint(vaultID string) string {
	fp := s.cfg.VaultFingerprint(vaultID)
	if fp == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:6])
}
