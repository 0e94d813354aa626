package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"promptforge/events"
	"promptforge/models"
	"promptforge/repository"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Identity headers set by the gateway after authentication.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUsername = "X-Username"
)

const defaultPromptVersion = "1.0.0"

// PromptStore is the persistence the prompt handlers need.
type PromptStore interface {
	Create(ctx context.Context, p *models.Prompt) error
	FindByID(ctx context.Context, id string) (*models.Prompt, error)
	IncrementViewCount(ctx context.Context, id string) error
}

// PromptEvents publishes prompt-service facts.
type PromptEvents interface {
	PublishPromptCreated(ctx context.Context, e events.PromptCreated)
	PublishPromptViewed(ctx context.Context, e events.PromptViewed)
}

type CreatePromptRequest struct {
	Title       string `json:"title" validate:"required,min=3,max=200"`
	Content     string `json:"content" validate:"required,min=10,max=10000"`
	Description string `json:"description" validate:"max=1000"`
	Category    string `json:"category" validate:"required,max=50"`
	IsPublic    *bool  `json:"isPublic"`
	Model       string `json:"model" validate:"max=50"`
}

type PromptHandler struct {
	prompts PromptStore
	events  PromptEvents
	logger  *zap.Logger
	now     func() time.Time
}

func NewPromptHandler(prompts PromptStore, ev PromptEvents, logger *zap.Logger) *PromptHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptHandler{prompts: prompts, events: ev, logger: logger, now: time.Now}
}

// Create stores a prompt owned by the calling user and announces it.
func (h *PromptHandler) Create(c echo.Context) error {
	userID := c.Request().Header.Get(HeaderUserID)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Missing user identity"})
	}

	var req CreatePromptRequest
	if msg := bindAndValidate(c, &req); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}

	prompt := models.Prompt{
		Title:       req.Title,
		Content:     req.Content,
		Description: req.Description,
		UserID:      userID,
		Username:    c.Request().Header.Get(HeaderUsername),
		Category:    req.Category,
		IsPublic:    req.IsPublic == nil || *req.IsPublic,
		Model:       req.Model,
		Version:     defaultPromptVersion,
	}
	ctx := c.Request().Context()
	if err := h.prompts.Create(ctx, &prompt); err != nil {
		h.logger.Error("❌ Failed to create prompt", zap.String("user_id", userID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Internal server error"})
	}

	createdAt := prompt.CreatedAt
	if createdAt.IsZero() {
		createdAt = h.now()
	}
	public := prompt.IsPublic
	h.events.PublishPromptCreated(ctx, events.PromptCreated{
		PromptID:  prompt.ID,
		Title:     prompt.Title,
		UserID:    prompt.UserID,
		Username:  prompt.Username,
		Category:  prompt.Category,
		IsPublic:  &public,
		CreatedAt: events.At(createdAt),
	})

	h.logger.Info("✅ Prompt created", zap.String("prompt_id", prompt.ID), zap.String("user_id", userID))
	return c.JSON(http.StatusCreated, prompt)
}

// Get returns a prompt the caller may see, counting the read as a view.
func (h *PromptHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	viewer := c.Request().Header.Get(HeaderUserID)

	prompt, err := h.prompts.FindByID(ctx, c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "Prompt not found"})
	}
	if err != nil {
		h.logger.Error("❌ Failed to load prompt", zap.String("prompt_id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Internal server error"})
	}
	if !prompt.VisibleTo(viewer) {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "Access denied"})
	}

	if err := h.prompts.IncrementViewCount(ctx, prompt.ID); err != nil {
		h.logger.Warn("⚠️  Failed to increment view count", zap.String("prompt_id", prompt.ID), zap.Error(err))
	} else {
		prompt.ViewCount++
	}

	h.events.PublishPromptViewed(ctx, events.PromptViewed{
		PromptID: prompt.ID,
		UserID:   viewer,
		ViewedAt: events.At(h.now()),
	})
	return c.JSON(http.StatusOK, prompt)
}
