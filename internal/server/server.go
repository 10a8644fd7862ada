package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/flashslides/usersession/internal/config"
	"github.com/flashslides/usersession/internal/routes"
)

// Server wraps a Fiber application bound to one listen address.
type Server struct {
	app  *fiber.App
	addr string
}

func newApp(name string) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               name,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DisableStartupMessage: true,
	})
}

// NewAPI builds the provisioning API server.
func NewAPI(cfg config.Config, deps routes.Deps) (*Server, error) {
	app := newApp(cfg.AppName + " api")
	deps.Cfg = cfg
	if err := routes.SetupAPI(app, deps); err != nil {
		return nil, err
	}
	return &Server{app: app, addr: cfg.Address()}, nil
}

// NewView builds the session view server.
func NewView(cfg config.Config, deps routes.ViewDeps) (*Server, error) {
	app := newApp(cfg.AppName + " session")
	if deps.Protected == nil {
		deps.Protected = cfg.ProtectedPrefixes
	}
	if err := routes.SetupView(app, deps); err != nil {
		return nil, err
	}
	return &Server{app: app, addr: cfg.ViewAddress()}, nil
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
