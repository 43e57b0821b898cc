package handler

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/basislab/hedgecore/internal/engine"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InstanceHandler is the per-engine control surface served by enginerunner.
// It binds an ephemeral loopback port and publishes the address through the
// state dir; hedged proxies operator verbs here.
type InstanceHandler struct {
	eng *engine.Engine
}

func NewInstanceHandler(eng *engine.Engine) *InstanceHandler {
	return &InstanceHandler{eng: eng}
}

func (h *InstanceHandler) Register(r *gin.Engine) {
	r.GET("/status", h.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/breaker/ack", h.AckBreaker)
	r.POST("/unwind", h.Unwind)
}

func (h *InstanceHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Status())
}

func (h *InstanceHandler) AckBreaker(c *gin.Context) {
	if err := h.eng.AckBreaker(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cooling"})
}

func (h *InstanceHandler) Unwind(c *gin.Context) {
	report, err := h.eng.ManualUnwind(c.Request.Context())
	if err != nil {
		if errors.Is(err, engine.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !report.Success {
		// Partial unwind: the caller must know manual intervention is needed.
		status = http.StatusInternalServerError
	}
	c.JSON(status, report)
}

// ServeInstance starts the control listener on an ephemeral loopback port
// and publishes its address. Blocks until ctx cancels.
func ServeInstance(ctx context.Context, eng *engine.Engine, stateDir, vaultID string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	NewInstanceHandler(eng).Register(r)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	if err := WriteControlAddr(stateDir, vaultID, addr); err != nil {
		ln.Close()
		return err
	}
	logger.Info("instance control listener up", "vault_id", vaultID, "addr", addr)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
