package routes

import (
	"promptforge/handlers"
	"promptforge/metrics"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewServer returns an echo instance with the shared middleware stack.
func NewServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewRequestValidator()

	e.Use(middleware.Recover())
	e.Use(metrics.Middleware())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			echo.GET,
			echo.POST,
			echo.PUT,
			echo.DELETE,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			handlers.HeaderUserID,
			handlers.HeaderUsername,
		},
	}))
	return e
}

// RegisterHealthRoutes mounts the probes and the metrics scrape endpoint.
func RegisterHealthRoutes(e *echo.Echo, h *handlers.HealthHandler) {
	e.GET("/health", h.HealthCheckHandler)
	e.GET("/health/ready", h.ReadinessHandler)
	e.GET("/health/live", h.LivenessHandler)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

func RegisterUserRoutes(e *echo.Echo, h *handlers.UserHandler) {
	e.POST("/api/auth/register", h.Register)
	e.GET("/api/users/:id", h.GetUser)
}

func RegisterPromptRoutes(e *echo.Echo, h *handlers.PromptHandler) {
	e.POST("/api/prompts", h.Create)
	e.GET("/api/prompts/:id", h.Get)
}

func RegisterAnalyticsRoutes(e *echo.Echo, h *handlers.AnalyticsHandler) {
	g := e.Group("/analytics")
	g.GET("/stats", h.Stats)
	g.GET("/trending", h.Trending)
	g.GET("/users/:id/activity", h.UserActivity)
	g.GET("/prompts/:id/activity", h.PromptActivity)
	g.GET("/health", h.Health)
}
