package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/flashslides/usersession/internal/accounts"
	"github.com/flashslides/usersession/internal/auth"
	"github.com/flashslides/usersession/internal/changefeed"
	"github.com/flashslides/usersession/internal/config"
	"github.com/flashslides/usersession/internal/middleware"
)

const idempotencyTTL = 24 * time.Hour

// Deps aggregates shared dependencies required to wire the provisioning API.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	Tokens *auth.Tokens
	// Feed receives a change for every provisioning write. Nil disables
	// publishing.
	Feed changefeed.Publisher
}

// SetupAPI configures middlewares and the provisioning routes.
func SetupAPI(app *fiber.App, d Deps) error {
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Tokens == nil {
		return fmt.Errorf("token verifier is required")
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d.DB, d.Cache)

	var repo accounts.Repository
	if d.DB != nil {
		repo = accounts.NewPostgresRepository(d.DB)
	} else {
		repo = accounts.NewMemoryRepository()
	}
	svc := accounts.NewService(repo, d.Feed, d.Cfg.FeedChannel, d.Logger)
	handler := accounts.NewHandler(svc, d.Logger)

	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := app.Group("", middleware.BearerAuth(d.Tokens))
	RegisterAccountRoutes(protected, handler,
		middleware.RepairRateLimit(d.Cache, d.Cfg.RepairRateLimit, d.Logger),
		middleware.Idempotency(d.Cache, idempotencyTTL, d.Logger),
	)
	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
