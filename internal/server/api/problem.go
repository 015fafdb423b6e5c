package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Problem is the error payload every failing request surfaces:
// {"error":{"status","title","detail"}}, or a minimal HTML page for
// clients that prefer text/html.
type Problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func respondProblem(c echo.Context, p Problem) error {
	if acceptsHTML(c) {
		page := fmt.Sprintf(
			"<!DOCTYPE html><html><head><title>%d %s</title></head><body><h1>%d %s</h1><p>%s</p></body></html>",
			p.Status, p.Title, p.Status, p.Title, p.Detail)
		return c.HTML(p.Status, page)
	}
	return c.JSON(p.Status, echo.Map{"error": p})
}

// acceptsHTML reports whether the client prefers an HTML rendering.
func acceptsHTML(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get("Accept"), "text/html")
}

// ProblemErrorHandler renders every unhandled error, including unmatched
// routes, in the standard envelope.
func ProblemErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		detail = fmt.Sprintf("%v", he.Message)
	}
	if status == http.StatusNotFound && detail == http.StatusText(http.StatusNotFound) {
		detail = "Endpoint does not exist"
	}

	p := Problem{Status: status, Title: http.StatusText(status), Detail: detail}
	if rerr := respondProblem(c, p); rerr != nil {
		slog.Error("failed to render error response", "error", rerr)
	}
}
