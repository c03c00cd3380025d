// Package api contains all endpoints available
package api

import (
	"fmt"
	"time"

	"riboost/print-relay/config"
	"riboost/print-relay/db"
	"riboost/print-relay/internal/auth"
	"riboost/print-relay/internal/dispatch"
	"riboost/print-relay/internal/ledger"
	"riboost/print-relay/internal/ratelimit"
	"riboost/print-relay/internal/registry"
	"riboost/print-relay/internal/service"
	"riboost/print-relay/middleware"
	"riboost/print-relay/model"

	cache "github.com/chenyahui/gin-cache"
	"github.com/chenyahui/gin-cache/persist"
	ginzap "github.com/gin-contrib/zap"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

const (
	gray  = "\x1b[90m"
	reset = "\x1b[0m"
)

var store = persist.NewMemoryStore(time.Minute)

type API struct {
	DB        *gorm.DB
	Router    *gin.Engine
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Hub       *dispatch.Hub
	Dispatch  *dispatch.Router
	Gate      *auth.Gate
	ConnLimit *ratelimit.Limiter
	JobLimit  *ratelimit.Limiter

	startedAt time.Time
}

func NewRouter() (*API, error) {
	a := &API{
		Registry:  registry.New(),
		Ledger:    ledger.New(viper.GetInt("jobs.history_cap")),
		Hub:       dispatch.NewHub(),
		ConnLimit: ratelimit.New(viper.GetInt("ratelimit.http_max"), viper.GetDuration("ratelimit.http_window")),
		JobLimit:  ratelimit.New(viper.GetInt("ratelimit.jobs_max"), viper.GetDuration("ratelimit.jobs_window")),
		startedAt: time.Now(),
	}

	gdb, err := db.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite database, %w", err)
	}
	a.DB = gdb

	if config.ResetTokens() {
		if err := gdb.Model(model.AgentToken{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return nil, fmt.Errorf("failed to revoke agent tokens, %w", err)
		}

		zap.L().Warn("Revoked every active agent token")
	}

	a.Gate = auth.NewGate(gdb)
	a.Dispatch = dispatch.NewRouter(a.Registry, a.Ledger, a.Hub, a.Gate, a.JobLimit)

	makeLogger()

	router := gin.New()
	a.Router = router

	router.Use(
		cors.New(cors.Config{
			AllowOrigins:     viper.GetStringSlice("cors.origins"),
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		gin.Recovery(),
		middleware.NewRequestIDMiddleware(),
		ginzap.GinzapWithConfig(zap.L(), &ginzap.Config{
			TimeFormat: "15:04:05.000",
			UTC:        true,
			Skipper: func(c *gin.Context) bool {
				return c.Request.Method == "HEAD"
			},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{}

				if v := c.GetString("requestID"); v != "" {
					fields = append(fields, zap.String("request_id", v))
				}

				if v := c.GetString("userID"); v != "" {
					fields = append(fields, zap.String("userID", v))
				}

				return fields
			},
		}),
	)

	router.HandleMethodNotAllowed = true
	router.RedirectFixedPath = true

	jwt := middleware.NewJWTMiddleware(a.Gate)
	httpLimit := middleware.RateLimiterMiddleware(middleware.RateLimiterConfig{
		RequestsPerSecond: 10,
		Burst:             20,
	})

	// GET /ws 			-> Upgrades into the relay protocol
	router.GET("/ws", a.Websocket)

	// GET /status 			-> Uptime, agent and job counters
	router.GET("/status", cacheFor(5), a.Status)

	main := router.Group("/api", httpLimit)
	{
		// HEAD /api/heartbeat 		-> Used to check if the server is alive
		main.HEAD("/heartbeat", a.Heartbeat)

		// HEAD /api/validate		-> Validates a JWT token
		main.HEAD("/validate", jwt, a.Validate)

		// GET /api/agents		-> Lists online agents, optionally by room
		main.GET("/agents", jwt, a.AgentsFetch)

		// GET /api/prints		-> Lists recent print jobs
		main.GET("/prints", jwt, a.PrintsFetch)
	}

	tokens := main.Group("/tokens", jwt, middleware.BodySizeLimiter(1<<20))
	{
		// POST /api/tokens 		-> Issues a new agent pairing token
		tokens.POST("", a.TokenCreate)

		// DELETE /api/tokens/:id 	-> Revokes a pairing token
		tokens.DELETE("/:id", a.TokenRevoke)
	}

	service.PresenceCleanup(
		viper.GetDuration("presence.sweep_every"),
		viper.GetDuration("presence.stale_after"),
		a.Registry,
		a.Dispatch,
	)
	service.LimiterCompaction(viper.GetDuration("ratelimit.compact_every"), a.ConnLimit, a.JobLimit)

	return a, nil
}

func makeLogger() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + t.Format("15:04:05.000") + reset)
	}
	cfg.EncoderConfig.EncodeCaller = func(ec zapcore.EntryCaller, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + ec.TrimmedPath() + reset)
	}

	cfg.DisableStacktrace = true

	log, _ := cfg.Build()
	zap.ReplaceGlobals(log)
}

func cacheFor(sec int) gin.HandlerFunc {
	return cache.CacheByRequestURI(store, time.Second*time.Duration(sec))
}
