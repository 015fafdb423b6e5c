package api

import (
	"filedrop/internal/server/config"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// RequestValidator wires go-playground/validator into echo.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

func (v *RequestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// SetupRouter creates and configures the echo router with all routes and
// middleware. The catch-all file route is registered last so named routes
// always win; identifier allocation additionally refuses ids shadowing them.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = ProblemErrorHandler
	e.Validator = NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Fixed per-client budgets, delegated to echo's limiter
	uploadLimiter := fixedWindowLimiter(cfg.RateLimit.Uploads, cfg.RateLimit.Window,
		"You are uploading too many files")
	downloadLimiter := fixedWindowLimiter(cfg.RateLimit.Downloads, cfg.RateLimit.Window,
		"You are requesting too many files")
	deleteLimiter := fixedWindowLimiter(cfg.RateLimit.Deletes, cfg.RateLimit.Window,
		"You are deleting too many files")

	e.GET("/robots.txt", handler.HandleRobots)
	e.GET("/health", handler.HandleHealth)

	// Admin area behind Basic Auth
	admin := e.Group("/admin", middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm:     "filedrop-admin",
		Validator: BasicAuthValidator(cfg),
	}))
	admin.GET("", handler.HandleAdminIndex)
	admin.POST("/tokens", handler.HandleCreateToken)
	admin.DELETE("/tokens", handler.HandleDeleteToken)

	e.POST("/upload", handler.HandleUpload, uploadLimiter)
	e.GET("/delete/:id/:deleteKey", handler.HandleDelete, deleteLimiter)
	e.GET("/:id", handler.HandleFetch, downloadLimiter)

	return e
}
