package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"promptforge/events"
	"promptforge/models"
	"promptforge/repository"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// UserStore is the persistence the user handlers need.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
}

// UserEvents publishes user-service facts.
type UserEvents interface {
	PublishUserRegistered(ctx context.Context, e events.UserRegistered)
}

type RegisterRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=50"`
	Email     string `json:"email" validate:"required,email,max=100"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type UserHandler struct {
	users  UserStore
	events UserEvents
	logger *zap.Logger
}

func NewUserHandler(users UserStore, ev UserEvents, logger *zap.Logger) *UserHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserHandler{users: users, events: ev, logger: logger}
}

// Register stores a new account and announces it.
func (h *UserHandler) Register(c echo.Context) error {
	var req RegisterRequest
	if msg := bindAndValidate(c, &req); msg != "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	ctx := c.Request().Context()
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)

	taken, err := h.users.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return h.internal(c, "email lookup", err)
	}
	if taken {
		return c.JSON(http.StatusConflict, echo.Map{"error": "Email already in use"})
	}
	taken, err = h.users.ExistsByUsername(ctx, req.Username)
	if err != nil {
		return h.internal(c, "username lookup", err)
	}
	if taken {
		return c.JSON(http.StatusConflict, echo.Map{"error": "Username already taken"})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Password encryption failed"})
	}

	user := models.User{
		Username:  req.Username,
		Email:     req.Email,
		Password:  string(hash),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Active:    true,
	}
	if err := h.users.Create(ctx, &user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "Email or username already in use"})
		}
		return h.internal(c, "create user", err)
	}

	registeredAt := user.CreatedAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}
	h.events.PublishUserRegistered(ctx, events.UserRegistered{
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		RegisteredAt: events.At(registeredAt),
		IPAddress:    c.RealIP(),
	})

	h.logger.Info("✅ User registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return c.JSON(http.StatusCreated, user)
}

// GetUser returns one account by id.
func (h *UserHandler) GetUser(c echo.Context) error {
	user, err := h.users.FindByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "User not found"})
	}
	if err != nil {
		return h.internal(c, "find user", err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *UserHandler) internal(c echo.Context, op string, err error) error {
	h.logger.Error("❌ Request failed", zap.String("op", op), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Internal server error"})
}
