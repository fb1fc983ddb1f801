package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DragonitePlus/DeepAudit/internal/engine"
)

// newOpsHandler serves health and Prometheus metrics. It carries no
// scoring operations.
func newOpsHandler(reg *prometheus.Registry, eng *engine.Engine) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	sys := r.Group("/sys")
	{
		sys.GET("/health", func(c *gin.Context) {
			cfg := eng.GetConfig()
			c.JSON(http.StatusOK, gin.H{
				"status":               "UP",
				"service":              "deepaudit",
				"timestamp":            time.Now().Unix(),
				"observationThreshold": cfg.ObservationThreshold,
				"blockThreshold":       cfg.BlockThreshold,
			})
		})
		sys.GET("/ready", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "READY"})
		})
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r
}

func newOpsServer(addr string, reg *prometheus.Registry, eng *engine.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newOpsHandler(reg, eng),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runOpsServer serves until ctx is cancelled, then shuts down gracefully.
func runOpsServer(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
