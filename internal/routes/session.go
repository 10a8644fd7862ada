package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/flashslides/usersession/internal/auth"
	"github.com/flashslides/usersession/internal/guard"
	"github.com/flashslides/usersession/internal/identity"
	"github.com/flashslides/usersession/internal/middleware"
	"github.com/flashslides/usersession/internal/profile"
	"github.com/flashslides/usersession/internal/session"
)

// Coordinator is the session surface the view server drives.
type Coordinator interface {
	State() session.State
	Refresh(ctx context.Context) error
	UpdateProfile(ctx context.Context, update profile.Update) error
}

// Provider is the identity provider handle used for side-channel sign in.
type Provider interface {
	SignIn(token string) error
	SignOut()
}

// ViewDeps aggregates dependencies of the session view server.
type ViewDeps struct {
	DB          *pgxpool.Pool
	Cache       *redis.Client
	Logger      *slog.Logger
	Provider    Provider
	Coordinator Coordinator
	Guard       *guard.Guard
	// Protected lists the prefixes served behind the guard.
	Protected []string
}

type signInRequest struct {
	AccessToken string `json:"access_token"`
}

// SetupView wires the session view routes.
func SetupView(app *fiber.App, d ViewDeps) error {
	if d.Coordinator == nil || d.Provider == nil || d.Guard == nil {
		return fmt.Errorf("session view requires a coordinator, provider and guard")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d.DB, d.Cache)
	RegisterSessionRoutes(app, d.Provider, d.Coordinator, d.Logger)

	protected := app.Group("", guard.Middleware(d.Guard))
	page := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"path": c.Path(), "session": d.Coordinator.State()})
	}
	for _, prefix := range d.Protected {
		protected.Get(prefix, page)
		protected.Get(prefix+"/*", page)
	}
	return nil
}

// RegisterSessionRoutes exposes the reconciled session state.
func RegisterSessionRoutes(r fiber.Router, provider Provider, coord Coordinator, logger *slog.Logger) {
	r.Get("/session", func(c *fiber.Ctx) error {
		return c.JSON(coord.State())
	})

	r.Post("/session/refresh", func(c *fiber.Ctx) error {
		if err := coord.Refresh(c.UserContext()); err != nil {
			logger.Error("session refresh failed", slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "refresh failed")
		}
		return c.JSON(coord.State())
	})

	r.Post("/session/token", func(c *fiber.Ctx) error {
		var req signInRequest
		if err := c.BodyParser(&req); err != nil || req.AccessToken == "" {
			return fiber.NewError(http.StatusBadRequest, "access_token is required")
		}
		if err := provider.SignIn(req.AccessToken); err != nil {
			if errors.Is(err, identity.ErrNoSession) || errors.Is(err, auth.ErrTokenInvalid) {
				return fiber.NewError(http.StatusUnauthorized, "invalid access token")
			}
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return c.Status(http.StatusAccepted).JSON(coord.State())
	})

	r.Delete("/session", func(c *fiber.Ctx) error {
		provider.SignOut()
		return c.SendStatus(http.StatusNoContent)
	})

	r.Patch("/session/profile", func(c *fiber.Ctx) error {
		var update profile.Update
		if err := c.BodyParser(&update); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		err := coord.UpdateProfile(c.UserContext(), update)
		switch {
		case errors.Is(err, session.ErrSignedOut):
			return fiber.NewError(http.StatusUnauthorized, "not signed in")
		case err != nil:
			logger.Warn("profile update rejected", slog.Any("error", err))
			return fiber.NewError(http.StatusBadGateway, "profile update failed")
		}
		return c.JSON(coord.State())
	})
}
