package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"filedrop/internal/server/config"
	"filedrop/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker is the slice of the database the health endpoint needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the filedrop API.
type Handler struct {
	files  *service.FileService
	tokens *service.TokenService
	health HealthChecker
	cfg    *config.Config
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(files *service.FileService, tokens *service.TokenService, health HealthChecker, cfg *config.Config) *Handler {
	return &Handler{files: files, tokens: tokens, health: health, cfg: cfg}
}

// HandleUpload handles POST /upload.
// Requires a bearer token in the Authorization header and a multipart
// form with a "file" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	token := c.Request().Header.Get("Authorization")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusBadRequest,
			Title:  "Bad Request",
			Detail: "No file given",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusInternalServerError,
			Title:  "Internal Server Error",
			Detail: "Failed to read uploaded file",
		})
	}
	defer src.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := h.files.Upload(c.Request().Context(), token, service.UploadInput{
		Filename:    fileHeader.Filename,
		ContentType: contentType,
		Size:        fileHeader.Size,
		IP:          c.RealIP(),
		Data:        src,
	})
	if err != nil {
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleFetch handles GET /:id.
// Streams the blob with its stored content type; range requests are
// delegated to http.ServeContent. Hit accounting runs after the response
// has been served and is skipped entirely for range requests.
func (h *Handler) HandleFetch(c echo.Context) error {
	id := c.Param("id")

	file, path, err := h.files.Fetch(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return respondProblem(c, Problem{
				Status: http.StatusNotFound,
				Title:  "Not Found",
				Detail: "No file with that ID",
			})
		}
		slog.Error("fetch failed", "id", id, "error", err)
		return respondProblem(c, Problem{
			Status: http.StatusInternalServerError,
			Title:  "Internal Server Error",
			Detail: "Could not send file",
		})
	}

	blob, err := os.Open(path)
	if err != nil {
		slog.Error("failed to open blob", "id", id, "error", err)
		return respondProblem(c, Problem{
			Status: http.StatusInternalServerError,
			Title:  "Internal Server Error",
			Detail: "Could not send file",
		})
	}
	defer blob.Close()

	stat, err := blob.Stat()
	if err != nil {
		slog.Error("failed to stat blob", "id", id, "error", err)
		return respondProblem(c, Problem{
			Status: http.StatusInternalServerError,
			Title:  "Internal Server Error",
			Detail: "Could not send file",
		})
	}

	req := c.Request()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, file.ContentType)
	res.Header().Set("Cache-Control", "public, max-age=31536000")
	http.ServeContent(res, req, "", stat.ModTime(), blob)

	// Partial-content requests are not counted, so resumable downloads and
	// media players issuing many range fetches don't inflate the counters.
	if req.Header.Get("Range") == "" {
		class := service.Classify(req.UserAgent(), req.Header.Get("Accept"))
		ctx := context.WithoutCancel(req.Context())
		if err := h.files.RecordHit(ctx, id, class); err != nil {
			slog.Error("failed to record hit", "id", id, "error", err)
		} else {
			slog.Info("hit", "id", id, "class", class.String(), "ip", c.RealIP())
		}
	}

	return nil
}

// HandleDelete handles GET /delete/:id/:deleteKey.
// Soft-deletes the record and unlinks the blob when both match.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := c.Param("id")
	key := c.Param("deleteKey")

	file, err := h.files.Delete(c.Request().Context(), id, key)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return respondProblem(c, Problem{
				Status: http.StatusNotFound,
				Title:  "Not Found",
				Detail: "No file with that ID or deleteKey",
			})
		}
		return h.mapServiceError(c, err)
	}

	if acceptsHTML(c) {
		return c.HTML(http.StatusOK,
			"<!DOCTYPE html><html><head><title>Deleted</title></head><body><h1>File deleted</h1></body></html>")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"deleted": true,
		"type":    file.ContentType,
		"size":    file.Size,
		"ip":      file.IP,
		"hits":    file.Hits,
		"botHits": file.BotHits,
	})
}

// HandleRobots handles GET /robots.txt with a static disallow-all policy.
func (h *Handler) HandleRobots(c echo.Context) error {
	return c.Blob(http.StatusOK, "text/plain", []byte("User-agent: *\nDisallow: /"))
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.health.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into problem responses.
func (h *Handler) mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return respondProblem(c, Problem{
			Status: http.StatusUnauthorized,
			Title:  "Unauthorized",
			Detail: "No authorized token given",
		})
	case errors.Is(err, service.ErrQuotaExceeded):
		return respondProblem(c, Problem{
			Status: http.StatusForbidden,
			Title:  "Forbidden",
			Detail: "Upload quota exceeded",
		})
	case errors.Is(err, service.ErrFileTooLarge):
		return respondProblem(c, Problem{
			Status: http.StatusRequestEntityTooLarge,
			Title:  "Payload Too Large",
			Detail: "File exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrNotFound):
		return respondProblem(c, Problem{
			Status: http.StatusNotFound,
			Title:  "Not Found",
			Detail: "No file with that ID",
		})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return respondProblem(c, Problem{
			Status: http.StatusInternalServerError,
			Title:  "Internal Server Error",
			Detail: "internal server error",
		})
	}
}
