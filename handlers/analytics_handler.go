package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"promptforge/analytics"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const defaultTrendingDays = 7

// AnalyticsReader is the query side of the analytics projection.
type AnalyticsReader interface {
	OverallStats(ctx context.Context) (analytics.Stats, error)
	TrendingPrompts(ctx context.Context, days, limit int) (analytics.Trending, error)
	UserActivityHistory(ctx context.Context, userID string) ([]analytics.UserActivity, error)
	PromptActivityHistory(ctx context.Context, promptID string) ([]analytics.PromptActivity, error)
}

type AnalyticsHandler struct {
	reader AnalyticsReader
	logger *zap.Logger
}

func NewAnalyticsHandler(reader AnalyticsReader, logger *zap.Logger) *AnalyticsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalyticsHandler{reader: reader, logger: logger}
}

func (h *AnalyticsHandler) Stats(c echo.Context) error {
	stats, err := h.reader.OverallStats(c.Request().Context())
	if err != nil {
		return h.internal(c, "overall stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Trending serves ?days=N (default 7) and an optional ?limit=M.
func (h *AnalyticsHandler) Trending(c echo.Context) error {
	days, err := queryInt(c, "days", defaultTrendingDays)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "days must be an integer"})
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil || limit < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be a non-negative integer"})
	}

	trending, err := h.reader.TrendingPrompts(c.Request().Context(), days, limit)
	if errors.Is(err, analytics.ErrInvalidWindow) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	if err != nil {
		return h.internal(c, "trending prompts", err)
	}
	return c.JSON(http.StatusOK, trending)
}

func (h *AnalyticsHandler) UserActivity(c echo.Context) error {
	rows, err := h.reader.UserActivityHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.internal(c, "user activity", err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *AnalyticsHandler) PromptActivity(c echo.Context) error {
	rows, err := h.reader.PromptActivityHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.internal(c, "prompt activity", err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *AnalyticsHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "Analytics Service is UP")
}

func (h *AnalyticsHandler) internal(c echo.Context, op string, err error) error {
	h.logger.Error("❌ Analytics query failed", zap.String("op", op), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Internal server error"})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
