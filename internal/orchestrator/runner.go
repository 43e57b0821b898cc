package orchestrator

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/basislab/hedgecore/internal/config"
)

// Runner abstracts the process backend so the supervisor logic is testable
// without forking.
type Runner interface {
	Start(inst *Instance) error
	Signal(inst *Instance, sig os.Signal) error
	Alive(inst *Instance) bool
}

// processRunner execs the enginerunner binary, one OS process per vault.
// The instance's resolved resource budget travels through the child's
// environment; the child applies it to itself at startup.
type processRunner struct {
	bin string
}

func NewProcessRunner(cfg config.OrchestratorConfig) Runner {
	bin := cfg.RunnerBin
	if bin == "" {
		bin = "enginerunner"
	}
	return &processRunner{bin: bin}
}

func (r *processRunner) Start(inst *Instance) error {
	cmd := exec.Command(r.bin, "--config", inst.ConfigPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("HEDGECORE_RUNNER_CPU_LIMIT=%g", inst.Limits.CPULimit),
		fmt.Sprintf("HEDGECORE_RUNNER_MEMORY_MIB=%d", inst.Limits.MemoryLimitMiB),
		fmt.Sprintf("HEDGECORE_RUNNER_FD_LIMIT=%d", inst.Limits.FDLimit),
	)
	// Own process group so a supervisor signal never leaks to hedged itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	inst.PID = cmd.Process.Pid

	// Reap the child when it exits; the monitor loop notices the death via
	// Alive and drives the restart.
	go cmd.Wait()
	return nil
}

func (r *processRunner) Signal(inst *Instance, sig os.Signal) error {
	if inst.PID <= 0 {
		return nil
	}
	proc, err := os.FindProcess(inst.PID)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Alive probes the PID with signal 0.
func (r *processRunner) Alive(inst *Instance) bool {
	if inst.PID <= 0 {
		return false
	}
	return syscall.Kill(inst.PID, 0) == nil
}
