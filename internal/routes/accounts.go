package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/flashslides/usersession/internal/accounts"
)

// RegisterAccountRoutes wires the provisioning endpoints. The rate limiter
// guards repair calls; idempotency applies to profile updates.
func RegisterAccountRoutes(r fiber.Router, h *accounts.Handler, rateLimiter, idempotency fiber.Handler) {
	if rateLimiter != nil {
		r.Post("/authenticate-jwt", rateLimiter, h.Authenticate)
	} else {
		r.Post("/authenticate-jwt", h.Authenticate)
	}
	if idempotency != nil {
		r.Patch("/update_profile", idempotency, h.UpdateProfile)
	} else {
		r.Patch("/update_profile", h.UpdateProfile)
	}
	r.Get("/check_email_availability", h.CheckEmailAvailability)
}
