// Package status serves the operator-facing HTTP endpoints and the periodic
// stats digest.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"meshbridge/internal/bridge"
	"meshbridge/internal/domain"
	"meshbridge/internal/metrics"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	healthCheckTimeout  = 2 * time.Second
)

// StateSource reports the bridge lifecycle.
type StateSource interface {
	Status() bridge.Status
}

// HealthChecker probes the inference backend.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type Options struct {
	Listen string
	Bridge StateSource
	Store  domain.HistoryStore
	LLM    HealthChecker // optional
	Logger *slog.Logger
}

// NewRouter registers the status routes on a fresh gin engine.
func NewRouter(opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(opts))
	router.GET("/metrics", handleMetrics())
	router.GET("/api/state", handleState(opts.Bridge))
	router.GET("/api/history/:sender", handleHistory(opts.Store))
	return router
}

// Serve runs the status server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, opts Options) error {
	if opts.Bridge == nil || opts.Store == nil {
		return errors.New("status: bridge and store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	opts.Logger.Info("status server listening", "addr", opts.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

func handleHealth(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := opts.Bridge.Status()
		body := gin.H{"state": st.State}

		if opts.LLM != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
			err := opts.LLM.Healthy(ctx)
			cancel()
			if err != nil {
				body["llm"] = err.Error()
			} else {
				body["llm"] = "ok"
			}
		}

		code := http.StatusOK
		if st.State != bridge.StateListening.String() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, body)
	}
}

func handleMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, metrics.ContentType, []byte(metrics.Collector.Render()))
	}
}

func handleState(src StateSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	}
}

func handleHistory(store domain.HistoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultHistoryLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		records, err := store.Recent(c.Request.Context(), c.Param("sender"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if records == nil {
			records = []domain.MessageRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"sender_id": c.Param("sender"), "messages": records})
	}
}
