package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flashslides/usersession/internal/logging"
)

func setupIdempotencyApp(t *testing.T, status int) (*fiber.App, *atomic.Int32, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	calls := &atomic.Int32{}
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Patch("/update_profile", func(c *fiber.Ctx) error {
		n := calls.Add(1)
		return c.Status(status).JSON(fiber.Map{"call": n})
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}
	return app, calls, cleanup
}

func patch(t *testing.T, app *fiber.App, key string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPatch, "/update_profile", strings.NewReader(`{"first_name":"Jane"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header.Get("Idempotent-Replayed")
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	app, calls, cleanup := setupIdempotencyApp(t, fiber.StatusOK)
	defer cleanup()

	patch(t, app, "")
	patch(t, app, "")
	if calls.Load() != 2 {
		t.Fatalf("expected handler to run twice, got %d", calls.Load())
	}
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	app, calls, cleanup := setupIdempotencyApp(t, fiber.StatusOK)
	defer cleanup()

	status, body, replayed := patch(t, app, "abc123")
	if status != fiber.StatusOK || replayed != "" {
		t.Fatalf("unexpected first response %d %q", status, replayed)
	}

	status2, body2, replayed2 := patch(t, app, "abc123")
	if status2 != fiber.StatusOK || replayed2 != "true" {
		t.Fatalf("expected replay, got %d %q", status2, replayed2)
	}
	if body2 != body {
		t.Fatalf("expected cached payload %s got %s", body, body2)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single handler run, got %d", calls.Load())
	}
}

func TestIdempotencyDoesNotStoreFailures(t *testing.T) {
	app, calls, cleanup := setupIdempotencyApp(t, fiber.StatusInternalServerError)
	defer cleanup()

	patch(t, app, "retry-me")
	patch(t, app, "retry-me")
	if calls.Load() != 2 {
		t.Fatalf("failed responses must not be replayed, got %d runs", calls.Load())
	}
}

func TestIdempotencyFailsOpenWithoutCache(t *testing.T) {
	app := fiber.New()
	app.Use(Idempotency(nil, time.Minute, logging.Discard()))
	app.Patch("/update_profile", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	status, _, _ := patch(t, app, "k")
	if status != fiber.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", status)
	}
}
