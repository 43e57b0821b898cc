package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basislab/hedgecore/internal/model"
)

type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
	StateErrored   State = "errored"
)

// Instance is one supervised engine process. The descriptor survives a
// hedged restart through the registry so running instances can be adopted
// instead of double-started.
type Instance struct {
	ID          string               `json:"id"`
	VaultID     string               `json:"vault_id"`
	PID         int                  `json:"pid"`
	ConfigPath  string               `json:"config_path"`
	Fingerprint string               `json:"fingerprint"`
	Limits      model.ResourceLimits `json:"limits"`
	State       State                `json:"state"`
	StartedAt   time.Time            `json:"started_at"`
	LastError   string               `json:"last_error,omitempty"`
}

// Registry persists instance descriptors at
// <state_dir>/orchestrator/registry.json, written temp-then-rename like
// every other state file.
type Registry struct {
	path string

	mu        sync.Mutex
	Instances map[string]*Instance `json:"instances"`
}

func OpenRegistry(stateDir string) (*Registry, error) {
	path := filepath.Join(stateDir, "orchestrator", "registry.json")
	r := &Registry{path: path, Instances: make(map[string]*Instance)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	if r.Instances == nil {
		r.Instances = make(map[string]*Instance)
	}
	return r, nil
}

func (r *Registry) Get(vaultID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.Instances[vaultID]
	return inst, ok
}

func (r *Registry) Put(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Instances[inst.VaultID] = inst
	return r.save()
}

func (r *Registry) Delete(vaultID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Instances, vaultID)
	return r.save()
}

// All returns a stable copy of the descriptors.
func (r *Registry) All() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.Instances))
	for _, inst := range r.Instances {
		out = append(out, *inst)
	}
	return out
}

// save writes atomically. Caller holds the lock.
func (r *Registry) save() error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
