package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/quocanhngo/idpool/internal/config"
	"github.com/quocanhngo/idpool/internal/middleware"
)

const healthTimeout = 2 * time.Second

// HealthCheck reports whether a backing dependency is reachable. A failing
// optional dependency marks the service degraded but keeps it serving.
type HealthCheck struct {
	Check    func(ctx context.Context) error
	Optional bool
}

// NewRouter builds the gin engine with the shared middleware chain and every
// route of the service.
func NewRouter(cfg *config.Config, idpool *IDPoolHandler, checks map[string]HealthCheck) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}
	r.Use(
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Recovery(),
		middleware.Metrics(),
		middleware.CORSMiddleware(cfg.CORS.Origins),
		gzip.Gzip(gzip.DefaultCompression),
	)

	// ==================== Ops ====================
	r.GET("/health", health(checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger JSON is generated by `swag init` into ./docs
	r.StaticFile("/docs/swagger.json", "./docs/swagger.json")
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/docs/swagger.json")))

	// ==================== API ====================
	api := r.Group("/api/v1/idpool", middleware.RequestContext())
	if cfg.App.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.App.RateLimit, cfg.App.RateBurst, middleware.KeyByTenantUserOrIP())
		api.Use(limiter.Handler())
	}
	idpool.Register(api)

	return r
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		code, state := http.StatusOK, "ok"
		deps := make(map[string]string, len(checks))
		for name, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				deps[name] = err.Error()
				if hc.Optional {
					if state == "ok" {
						state = "degraded"
					}
					continue
				}
				code, state = http.StatusServiceUnavailable, "unavailable"
				continue
			}
			deps[name] = "ok"
		}

		c.JSON(code, gin.H{"status": state, "dependencies": deps, "time": time.Now().UTC()})
	}
}
