package accounts

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/flashslides/usersession/internal/middleware"
)

// Error types reported to clients alongside the message.
const (
	errTypeInvalidUserData = "AUTH_INVALID_USER_DATA"
	errTypeMissingEmail    = "AUTH_MISSING_EMAIL"
	errTypeCreationFailure = "AUTH_USER_CREATION_FAILURE"
	errTypeInvalidRequest  = "INVALID_REQUEST"
	errTypeInvalidUserID   = "INVALID_USER_ID"
	errTypeEmptyUpdate     = "EMPTY_UPDATE_DATA"
	errTypeUserNotFound    = "USER_NOT_FOUND"
	errTypeDatabase        = "DATABASE_ERROR"
)

// Handler exposes the provisioning endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs a provisioning HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type authenticateRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

type updateProfileResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type emailAvailabilityResponse struct {
	IsAvailable bool   `json:"is_available"`
	Message     string `json:"message"`
}

// Authenticate provisions the caller's row if needed. The body is optional.
func (h *Handler) Authenticate(c *fiber.Ctx) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
	}

	var req authenticateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			req = authenticateRequest{}
		}
	}

	res, err := h.service.Provision(c.UserContext(), ProvisionInput{
		Subject:      claims.Subject,
		TokenEmail:   claims.Email,
		Metadata:     claims.UserMetadata,
		BodyEmail:    req.Email,
		BodyFullName: req.FullName,
	})
	switch {
	case errors.Is(err, ErrInvalidSubject):
		return writeError(c, http.StatusBadRequest, errTypeInvalidUserData, "Invalid user ID in authentication token")
	case errors.Is(err, ErrMissingEmail):
		return writeError(c, http.StatusBadRequest, errTypeMissingEmail, "Email is required for user creation")
	case err != nil:
		h.logger.Error("user provisioning failed", slog.String("subject", claims.Subject), slog.Any("error", err))
		return writeError(c, http.StatusInternalServerError, errTypeCreationFailure, "User creation failed")
	}
	return c.Status(http.StatusOK).JSON(res)
}

// UpdateProfile applies a partial profile update for the caller.
func (h *Handler) UpdateProfile(c *fiber.Ctx) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
	}

	var changes ProfileChanges
	if err := c.BodyParser(&changes); err != nil {
		return writeError(c, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
	}

	err := h.service.UpdateProfile(c.UserContext(), claims.Subject, changes)
	switch {
	case errors.Is(err, ErrInvalidSubject):
		return writeError(c, http.StatusBadRequest, errTypeInvalidUserID, "The user ID in the token is invalid.")
	case errors.Is(err, ErrEmptyUpdate):
		return writeError(c, http.StatusBadRequest, errTypeEmptyUpdate, "No data provided for update.")
	case errors.Is(err, ErrUserNotFound):
		return writeError(c, http.StatusNotFound, errTypeUserNotFound, "No user found with the provided ID.")
	case err != nil:
		h.logger.Error("profile update failed", slog.String("subject", claims.Subject), slog.Any("error", err))
		return writeError(c, http.StatusInternalServerError, errTypeDatabase, "Failed to update user profile due to a database error.")
	}
	return c.Status(http.StatusOK).JSON(updateProfileResponse{Success: true, Message: "User profile updated successfully."})
}

// CheckEmailAvailability reports whether the email query parameter is free.
func (h *Handler) CheckEmailAvailability(c *fiber.Ctx) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
	}
	email := c.Query("email")
	if email == "" {
		return writeError(c, http.StatusBadRequest, errTypeInvalidRequest, "email is required")
	}

	available, err := h.service.EmailAvailable(c.UserContext(), claims.Subject, email)
	switch {
	case errors.Is(err, ErrInvalidSubject):
		return writeError(c, http.StatusBadRequest, errTypeInvalidUserID, "The user ID in the token is invalid.")
	case err != nil:
		h.logger.Error("email availability check failed", slog.String("subject", claims.Subject), slog.Any("error", err))
		return writeError(c, http.StatusInternalServerError, errTypeDatabase, "Failed to check email availability.")
	}

	msg := "Email is available"
	if !available {
		msg = "Email is already taken"
	}
	return c.Status(http.StatusOK).JSON(emailAvailabilityResponse{IsAvailable: available, Message: msg})
}

func writeError(c *fiber.Ctx, status int, errType, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error_type": errType, "message": msg})
}
