package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/smsgate/internal/config"
	obscontext "github.com/smallbiznis/smsgate/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	HeaderRequestID = "X-Request-ID"
	healthTimeout   = 2 * time.Second
)

// Module serves the operational endpoints. The product API lives elsewhere.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, db *gorm.DB, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog(log.Named("http")))

	r.GET("/health", health(db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := gin.H{"status": "ok", "database": "ok"}
		if err := ping(ctx, db); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", obscontext.RequestIDFromContext(c.Request.Context())),
		}
		// scrapes and probes are noisy
		if c.FullPath() == "/metrics" || c.FullPath() == "/health" {
			log.Debug("http.request", fields...)
			return
		}
		log.Info("http.request", fields...)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("ops server stopped", zap.Error(err))
				}
			}()
			log.Info("ops server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
