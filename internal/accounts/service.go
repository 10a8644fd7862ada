package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flashslides/usersession/internal/changefeed"
)

const (
	StatusAuthenticated = "authenticated"
	StatusCreated       = "created"
)

var (
	// ErrInvalidSubject is returned when the token subject is not a uuid.
	ErrInvalidSubject = errors.New("invalid user id in authentication token")
	// ErrMissingEmail is returned when a new user has no email anywhere.
	ErrMissingEmail = errors.New("email is required for user creation")
	// ErrEmptyUpdate is returned for profile updates without any field.
	ErrEmptyUpdate = errors.New("no data provided for update")
)

// ProvisionInput gathers what the provisioning endpoint knows about the
// caller: verified token claims plus the optional request body.
type ProvisionInput struct {
	Subject      string
	TokenEmail   string
	Metadata     map[string]any
	BodyEmail    string
	BodyFullName string
}

// ProvisionResult is returned by Provision.
type ProvisionResult struct {
	InternalID string `json:"internal_id"`
	Status     string `json:"status"`
	IsNewUser  bool   `json:"is_new_user"`
}

// Service provisions and updates user rows and announces every write on the
// change feed.
type Service struct {
	repo    Repository
	feed    changefeed.Publisher
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a provisioning service. feed may be nil.
func NewService(repo Repository, feed changefeed.Publisher, channel string, logger *slog.Logger) *Service {
	return &Service{repo: repo, feed: feed, channel: channel, logger: logger, now: time.Now}
}

// Provision guarantees a row exists for the token subject. It is idempotent:
// repeated or concurrent calls create at most one row.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (ProvisionResult, error) {
	userID, err := uuid.Parse(in.Subject)
	if err != nil {
		return ProvisionResult{}, ErrInvalidSubject
	}
	id := userID.String()

	existing, err := s.repo.FindByID(ctx, id)
	if err == nil {
		return ProvisionResult{InternalID: existing.ID, Status: StatusAuthenticated}, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return ProvisionResult{}, fmt.Errorf("find user: %w", err)
	}

	email := firstNonEmpty(in.BodyEmail, in.TokenEmail, metadataString(in.Metadata, "email"))
	if email == "" {
		return ProvisionResult{}, ErrMissingEmail
	}
	first, last := splitName(firstNonEmpty(
		in.BodyFullName,
		metadataString(in.Metadata, "full_name"),
		metadataString(in.Metadata, "name"),
		metadataString(in.Metadata, "display_name"),
	))

	user := User{
		ID:           id,
		Email:        email,
		FirstName:    nilIfEmpty(first),
		LastName:     nilIfEmpty(last),
		PasswordHash: PasswordManagedExternally,
		Preferences:  map[string]any{"marketing_consent": in.Metadata["marketing_consent"]},
		CreatedAt:    s.now().UTC(),
	}
	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("create user: %w", err)
	}
	if !created {
		return ProvisionResult{InternalID: id, Status: StatusAuthenticated}, nil
	}

	s.logger.Info("user provisioned", slog.String("user_id", id))
	s.publish(ctx, changefeed.OperationInsert, user)
	return ProvisionResult{InternalID: id, Status: StatusCreated, IsNewUser: true}, nil
}

// UpdateProfile applies a partial profile change for subject.
func (s *Service) UpdateProfile(ctx context.Context, subject string, changes ProfileChanges) error {
	userID, err := uuid.Parse(subject)
	if err != nil {
		return ErrInvalidSubject
	}
	if changes.Empty() {
		return ErrEmptyUpdate
	}

	user, err := s.repo.UpdateProfile(ctx, userID.String(), changes)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("update profile: %w", err)
	}

	s.logger.Info("user profile updated", slog.String("user_id", user.ID))
	s.publish(ctx, changefeed.OperationUpdate, user)
	return nil
}

// EmailAvailable reports whether email is free for subject to use.
func (s *Service) EmailAvailable(ctx context.Context, subject, email string) (bool, error) {
	userID, err := uuid.Parse(subject)
	if err != nil {
		return false, ErrInvalidSubject
	}
	taken, err := s.repo.EmailTaken(ctx, strings.TrimSpace(email), userID.String())
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return !taken, nil
}

// publish is best effort; the row is already committed.
func (s *Service) publish(ctx context.Context, op string, user User) {
	if s.feed == nil {
		return
	}
	change := changefeed.Change{
		Operation: op,
		Table:     changefeed.ProfileTable,
		SubjectID: user.ID,
		Fields:    user.fields(),
	}
	if err := s.feed.Publish(ctx, s.channel, change); err != nil {
		s.logger.Warn("publish profile change failed",
			slog.String("user_id", user.ID),
			slog.String("operation", op),
			slog.Any("error", err),
		)
	}
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	first, last, _ := strings.Cut(full, " ")
	return first, last
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func metadataString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
