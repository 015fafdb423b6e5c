package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filedrop/internal/server/config"
	"filedrop/internal/server/database"
	"filedrop/internal/server/service"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// CreateTokenRequest is the payload for POST /admin/tokens.
type CreateTokenRequest struct {
	ID           string `json:"id" validate:"required"`
	AllowedBytes *int64 `json:"allowedBytes" validate:"omitempty,min=0"`
	Details      string `json:"details"`
}

// DeleteTokenRequest is the payload for DELETE /admin/tokens.
type DeleteTokenRequest struct {
	ID string `json:"id" validate:"required"`
}

type fileView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	Hits         int       `json:"hits"`
	BotHits      int       `json:"botHits"`
	IP           string    `json:"ip"`
	Hash         string    `json:"hash"`
	OriginalName string    `json:"originalName"`
	TokenID      *string   `json:"tokenId"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"createdAt"`
}

type tokenView struct {
	ID            string    `json:"id"`
	UploadedBytes int64     `json:"uploadedBytes"`
	AllowedBytes  *int64    `json:"allowedBytes"`
	FileCount     int       `json:"fileCount"`
	Details       string    `json:"details"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BasicAuthValidator checks admin credentials from config. Stored passwords
// starting with a bcrypt prefix are compared with bcrypt; anything else is
// compared in constant time.
func BasicAuthValidator(cfg *config.Config) func(username, password string, c echo.Context) (bool, error) {
	return func(username, password string, c echo.Context) (bool, error) {
		stored, ok := cfg.Admin.Users[username]
		if !ok {
			return false, nil
		}
		if strings.HasPrefix(stored, "$2") {
			return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, nil
		}
		return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1, nil
	}
}

// HandleAdminIndex handles GET /admin: all records and tokens, including
// soft-deleted ones, plus aggregate stats.
func (h *Handler) HandleAdminIndex(c echo.Context) error {
	ctx := c.Request().Context()

	files, err := h.files.ListFiles(ctx)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	tokens, err := h.tokens.List(ctx)
	if err != nil {
		return h.mapServiceError(c, err)
	}
	stats, err := h.files.Stats(ctx)
	if err != nil {
		return h.mapServiceError(c, err)
	}

	fileViews := make([]fileView, 0, len(files))
	for _, f := range files {
		fileViews = append(fileViews, newFileView(f))
	}
	tokenViews := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		tokenViews = append(tokenViews, newTokenView(t))
	}

	return c.JSON(http.StatusOK, echo.Map{
		"files":  fileViews,
		"tokens": tokenViews,
		"stats": echo.Map{
			"totalFiles":  stats.TotalFiles,
			"activeFiles": stats.ActiveFiles,
			"totalHits":   stats.TotalHits,
			"totalBots":   stats.TotalBots,
			"storageUsed": stats.StorageUsed,
		},
	})
}

// HandleCreateToken handles POST /admin/tokens.
func (h *Handler) HandleCreateToken(c echo.Context) error {
	var req CreateTokenRequest
	if err := c.Bind(&req); err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusBadRequest,
			Title:  "Bad Request",
			Detail: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusBadRequest,
			Title:  "Bad Request",
			Detail: err.Error(),
		})
	}

	token, err := h.tokens.Issue(c.Request().Context(), req.ID, req.AllowedBytes, req.Details)
	if err != nil {
		if errors.Is(err, service.ErrTokenExists) {
			return respondProblem(c, Problem{
				Status: http.StatusBadRequest,
				Title:  "Bad Request",
				Detail: "Token already exists",
			})
		}
		return h.mapServiceError(c, err)
	}

	slog.Info("admin issued token", "details", req.Details)
	return c.JSON(http.StatusOK, newTokenView(token))
}

// HandleDeleteToken handles DELETE /admin/tokens.
func (h *Handler) HandleDeleteToken(c echo.Context) error {
	var req DeleteTokenRequest
	if err := c.Bind(&req); err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusBadRequest,
			Title:  "Bad Request",
			Detail: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return respondProblem(c, Problem{
			Status: http.StatusBadRequest,
			Title:  "Bad Request",
			Detail: err.Error(),
		})
	}

	if err := h.tokens.Revoke(c.Request().Context(), req.ID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return respondProblem(c, Problem{
				Status: http.StatusNotFound,
				Title:  "Not Found",
				Detail: "No token with that ID",
			})
		}
		return h.mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"deleted": true})
}

func newFileView(f *database.File) fileView {
	return fileView{
		ID:           f.ID,
		Type:         f.ContentType,
		Size:         f.Size,
		Hits:         f.Hits,
		BotHits:      f.BotHits,
		IP:           f.IP,
		Hash:         f.Hash,
		OriginalName: f.OriginalName,
		TokenID:      f.TokenID,
		Deleted:      f.Deleted,
		CreatedAt:    f.CreatedAt,
	}
}

func newTokenView(t *database.Token) tokenView {
	return tokenView{
		ID:            t.ID,
		UploadedBytes: t.UploadedBytes,
		AllowedBytes:  t.AllowedBytes,
		FileCount:     t.FileCount,
		Details:       t.Details,
		Deleted:       t.Deleted,
		CreatedAt:     t.CreatedAt,
	}
}
