package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basislab/hedgecore/internal/orchestrator"
	"github.com/basislab/hedgecore/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultHandler is the hedged control surface: instance lifecycle goes to the
// supervisor, instance-scoped verbs (status, breaker ack, unwind) are
// proxied to the owning engine process over its loopback control listener.
type VaultHandler struct {
	sup      *orchestrator.Supervisor
	stateDir string
	client   *http.Client
}

func NewVaultHandler(sup *orchestrator.Supervisor, stateDir string) *VaultHandler {
	return &VaultHandler{
		sup:      sup,
		stateDir: stateDir,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *VaultHandler) Register(r *gin.Engine, metricsPath string) {
	r.GET("/healthz", h.Health)
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.GET("/vaults", h.List)
	api.POST("/vaults/:id/deploy", h.Deploy)
	api.POST("/vaults/:id/stop", h.Stop)
	api.GET("/vaults/:id/status", h.Status)
	api.POST("/vaults/:id/breaker/ack", h.AckBreaker)
	api.POST("/vaults/:id/unwind", h.Unwind)
}

func (h *VaultHandler) Health(c *gin.Context) {
	instances := h.sup.Statuses()
	healthy := true
	for _, inst := range instances {
		if inst.State == orchestrator.StateUnhealthy || inst.State == orchestrator.StateErrored {
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "instances": instances})
}

func (h *VaultHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": h.sup.Statuses()})
}

func (h *VaultHandler) Deploy(c *gin.Context) {
	vaultID := c.Param("id")
	if err := h.sup.Deploy(vaultID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault_id": vaultID, "status": "deployed"})
}

func (h *VaultHandler) Stop(c *gin.Context) {
	vaultID := c.Param("id")
	if err := h.sup.Stop(vaultID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"vault_id": vaultID, "status": "stopped"})
}

func (h *VaultHandler) Status(c *gin.Context) {
	h.proxy(c, http.MethodGet, "/status")
}

func (h *VaultHandler) AckBreaker(c *gin.Context) {
	h.proxy(c, http.MethodPost, "/breaker/ack")
}

func (h *VaultHandler) Unwind(c *gin.Context) {
	h.proxy(c, http.MethodPost, "/unwind")
}

// proxy forwards an instance-scoped verb to the engine process. The
// instance publishes its control address in state/<vault>/control.addr on
// startup.
func (h *VaultHandler) proxy(c *gin.Context, method, path string) {
	vaultID := c.Param("id")
	addr, err := ReadControlAddr(h.stateDir, vaultID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("vault %s has no reachable instance: %v", vaultID, err)})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), method, "http://"+addr+path, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(resp.StatusCode, "application/json", body)
}

func statusFor(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrConfig, apperrors.ErrUnknownSymbol, apperrors.ErrMissingCredentials:
		return http.StatusBadRequest
	case apperrors.ErrAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody carries the classified error type so hedgectl can map it onto
// its exit codes without parsing messages.
func errorBody(err error) gin.H {
	return gin.H{"error": err.Error(), "code": string(apperrors.TypeOf(err))}
}

// WriteControlAddr publishes an instance's control listener address.
func WriteControlAddr(stateDir, vaultID, addr string) error {
	dir := filepath.Join(stateDir, vaultID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "control.addr"), []byte(addr+"\n"), 0o644)
}

// ReadControlAddr resolves the instance control address for a vault.
func ReadControlAddr(stateDir, vaultID string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(stateDir, vaultID, "control.addr"))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(raw))
	if addr == "" {
		return "", fmt.Errorf("empty control address for %s", vaultID)
	}
	return addr, nil
}
