package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/flashslides/usersession/internal/auth"
)

const (
	claimsLocal = "auth_claims"
	userIDLocal = "user_id"
)

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(token string) (auth.Claims, error)
}

// BearerAuth returns a middleware that validates provider access tokens and
// exposes their claims to handlers.
func BearerAuth(tokens TokenParser) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := tokens.Parse(tokenStr)
		if errors.Is(err, auth.ErrTokenExpired) {
			return fiber.NewError(http.StatusUnauthorized, "token expired")
		}
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals(claimsLocal, claims)
		c.Locals(userIDLocal, claims.Subject)
		return c.Next()
	}
}

// Claims returns the verified claims stored by BearerAuth.
func Claims(c *fiber.Ctx) (auth.Claims, bool) {
	claims, ok := c.Locals(claimsLocal).(auth.Claims)
	return claims, ok
}
