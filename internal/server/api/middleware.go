package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RequestLogger returns an echo middleware that logs requests using slog.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// fixedWindowLimiter returns echo's built-in rate limiter configured for a
// fixed budget of requests per window, keyed by client address. Limiting is
// fully delegated to the library; overruns render the standard envelope.
func fixedWindowLimiter(requests int, window time.Duration, detail string) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(requests) / window.Seconds()),
		Burst:     requests,
		ExpiresIn: window,
	})

	deny := func(c echo.Context) error {
		slog.Warn("rate limit exceeded", "ip", c.RealIP(), "path", c.Request().URL.Path)
		return respondProblem(c, Problem{
			Status: http.StatusTooManyRequests,
			Title:  "Too Many Requests",
			Detail: detail,
		})
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return deny(c)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return deny(c)
		},
	})
}
