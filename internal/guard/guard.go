package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/flashslides/usersession/internal/identity"
	"github.com/flashslides/usersession/internal/session"
)

// Session is the part of the coordinator the guard needs.
type Session interface {
	State() session.State
	Resync(ctx context.Context, fresh *identity.Identity) error
}

// Guard re-checks the provider's asserted identity on entry to protected
// areas and forces the coordinator to follow it when the cache drifted.
type Guard struct {
	source   identity.Source
	session  Session
	prefixes []string
	logger   *slog.Logger
}

// New builds a Guard for the given path prefixes.
func New(source identity.Source, sess Session, prefixes []string, logger *slog.Logger) *Guard {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		cleaned = append(cleaned, p)
	}
	return &Guard{source: source, session: sess, prefixes: cleaned, logger: logger}
}

// Protected reports whether path falls under one of the guarded prefixes.
func (g *Guard) Protected(path string) bool {
	for _, p := range g.prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Enter runs the consistency check for path. It reports whether a resync
// was triggered.
func (g *Guard) Enter(ctx context.Context, path string) (bool, error) {
	if !g.Protected(path) {
		return false, nil
	}

	fresh, err := g.source.Current(ctx)
	if err != nil && !errors.Is(err, identity.ErrNoSession) {
		return false, fmt.Errorf("check identity: %w", err)
	}
	if errors.Is(err, identity.ErrNoSession) {
		fresh = nil
	}

	freshID := ""
	if fresh != nil {
		freshID = fresh.ID
	}
	cachedID := g.session.State().IdentityID()
	if freshID == cachedID {
		return false, nil
	}

	g.logger.Warn("cached identity does not match provider",
		slog.String("path", path),
		slog.String("cached_id", cachedID),
		slog.String("asserted_id", freshID),
	)
	if err := g.session.Resync(ctx, fresh); err != nil {
		return false, fmt.Errorf("resync session: %w", err)
	}
	return true, nil
}

// Middleware runs the guard before protected handlers.
func Middleware(g *Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := g.Enter(c.UserContext(), c.Path()); err != nil {
			g.logger.Error("identity consistency check failed", slog.String("path", c.Path()), slog.Any("error", err))
			return fiber.NewError(fiber.StatusServiceUnavailable, "identity check failed")
		}
		return c.Next()
	}
}
