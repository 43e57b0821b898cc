package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/basislab/hedgecore/internal/config"
	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/orchestrator"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRunner struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
}

func (r *noopRunner) Start(inst *orchestrator.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alive == nil {
		r.alive = make(map[int]bool)
	}
	r.nextPID++
	inst.PID = r.nextPID
	r.alive[inst.PID] = true
	return nil
}

func (r *noopRunner) Signal(inst *orchestrator.Instance, _ os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[inst.PID] = false
	return nil
}

func (r *noopRunner) Alive(inst *orchestrator.Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[inst.PID]
}

func testServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Vaults: []model.VaultConfig{{
			ID:          "vault-a",
			ChainTag:    "arbitrum",
			Address:     "0x1111111111111111111111111111111111111111",
			HedgeSymbol: "ETH-PERP",
		}},
		Orchestrator: config.OrchestratorConfig{
			StateDir:    t.TempDir(),
			GracePeriod: 100 * time.Millisecond,
		},
	}
	sup, err := orchestrator.New(cfg, &noopRunner{})
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewVaultHandler(sup, cfg.Orchestrator.StateDir).Register(r, "/metrics")
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, cfg
}

func TestDeployStatusStopOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/vaults/vault-a/deploy", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Double deploy is a conflict carrying the classified error code.
	resp, err = http.Post(srv.URL+"/api/v1/vaults/vault-a/deploy", "application/json", nil)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(apperrors.ErrAlreadyRunning), body["code"])

	resp, err = http.Post(srv.URL+"/api/v1/vaults/vault-a/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployUnknownVaultRejected(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/vaults/vault-z/deploy", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetricsExposed(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxyWithoutInstanceIsBadGateway(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/vaults/vault-a/breaker/ack", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestControlAddrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteControlAddr(dir, "vault-a", "127.0.0.1:49152"))
	addr, err := ReadControlAddr(dir, "vault-a")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:49152", addr)

	_, err = ReadControlAddr(dir, "vault-b")
	assert.Error(t, err)
}
