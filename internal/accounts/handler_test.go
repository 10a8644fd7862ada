package accounts

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/flashslides/usersession/internal/auth"
	"github.com/flashslides/usersession/internal/changefeed"
	"github.com/flashslides/usersession/internal/logging"
	"github.com/flashslides/usersession/internal/middleware"
)

func setupHandlerApp(t *testing.T) (*fiber.App, *auth.Tokens, Repository) {
	t.Helper()
	tokens := auth.NewTokens("handler-secret")
	repo := NewMemoryRepository()
	svc := NewService(repo, changefeed.NewMemoryFeed(), feedChannel, logging.Discard())
	h := NewHandler(svc, logging.Discard())

	app := fiber.New()
	app.Use(middleware.BearerAuth(tokens))
	app.Post("/authenticate-jwt", h.Authenticate)
	app.Patch("/update_profile", h.UpdateProfile)
	app.Get("/check_email_availability", h.CheckEmailAvailability)
	return app, tokens, repo
}

func do(t *testing.T, app *fiber.App, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &payload)
	return resp.StatusCode, payload
}

func TestAuthenticateCreatesThenAuthenticates(t *testing.T) {
	app, tokens, repo := setupHandlerApp(t)
	id := uuid.NewString()
	token, _ := tokens.Issue(id, "john@example.com", map[string]any{"name": "John Doe"}, time.Minute)

	status, body := do(t, app, fiber.MethodPost, "/authenticate-jwt", token, "{}")
	if status != fiber.StatusOK || body["status"] != StatusCreated || body["is_new_user"] != true || body["internal_id"] != id {
		t.Fatalf("unexpected first response %d %+v", status, body)
	}
	if _, err := repo.FindByID(t.Context(), id); err != nil {
		t.Fatalf("expected row to exist: %v", err)
	}

	status, body = do(t, app, fiber.MethodPost, "/authenticate-jwt", token, "")
	if status != fiber.StatusOK || body["status"] != StatusAuthenticated || body["is_new_user"] != false {
		t.Fatalf("unexpected second response %d %+v", status, body)
	}
}

func TestAuthenticateErrorTypes(t *testing.T) {
	app, tokens, _ := setupHandlerApp(t)

	noEmail, _ := tokens.Issue(uuid.NewString(), "", nil, time.Minute)
	status, body := do(t, app, fiber.MethodPost, "/authenticate-jwt", noEmail, "{}")
	if status != fiber.StatusBadRequest || body["error_type"] != errTypeMissingEmail {
		t.Fatalf("expected missing email, got %d %+v", status, body)
	}

	badSubject, _ := tokens.Issue("not-a-uuid", "x@example.com", nil, time.Minute)
	status, body = do(t, app, fiber.MethodPost, "/authenticate-jwt", badSubject, "{}")
	if status != fiber.StatusBadRequest || body["error_type"] != errTypeInvalidUserData {
		t.Fatalf("expected invalid user data, got %d %+v", status, body)
	}
}

func TestAuthenticateRequiresToken(t *testing.T) {
	app, _, _ := setupHandlerApp(t)
	status, _ := do(t, app, fiber.MethodPost, "/authenticate-jwt", "garbage", "{}")
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", status)
	}
}

func TestUpdateProfileEndpoint(t *testing.T) {
	app, tokens, repo := setupHandlerApp(t)
	id := uuid.NewString()
	token, _ := tokens.Issue(id, "john@example.com", nil, time.Minute)

	status, body := do(t, app, fiber.MethodPatch, "/update_profile", token, `{"first_name":"Jane"}`)
	if status != fiber.StatusNotFound || body["error_type"] != errTypeUserNotFound {
		t.Fatalf("expected user not found, got %d %+v", status, body)
	}

	do(t, app, fiber.MethodPost, "/authenticate-jwt", token, "{}")

	status, body = do(t, app, fiber.MethodPatch, "/update_profile", token, `{"first_name":"Jane","company":"Acme","unknown":1}`)
	if status != fiber.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %+v", status, body)
	}
	user, _ := repo.FindByID(t.Context(), id)
	if *user.FirstName != "Jane" || user.Preferences["company"] != "Acme" {
		t.Fatalf("unexpected user %+v", user)
	}

	status, body = do(t, app, fiber.MethodPatch, "/update_profile", token, `{}`)
	if status != fiber.StatusBadRequest || body["error_type"] != errTypeEmptyUpdate {
		t.Fatalf("expected empty update, got %d %+v", status, body)
	}
}

func TestCheckEmailAvailabilityEndpoint(t *testing.T) {
	app, tokens, _ := setupHandlerApp(t)
	owner, _ := tokens.Issue(uuid.NewString(), "taken@example.com", nil, time.Minute)
	other, _ := tokens.Issue(uuid.NewString(), "other@example.com", nil, time.Minute)
	do(t, app, fiber.MethodPost, "/authenticate-jwt", owner, "{}")

	status, body := do(t, app, fiber.MethodGet, "/check_email_availability?email=taken@example.com", other, "")
	if status != fiber.StatusOK || body["is_available"] != false {
		t.Fatalf("expected taken, got %d %+v", status, body)
	}
	status, _ = do(t, app, fiber.MethodGet, "/check_email_availability", other, "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", status)
	}
}
