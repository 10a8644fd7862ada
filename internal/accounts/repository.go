package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUserNotFound is returned when no row matches.
var ErrUserNotFound = errors.New("user not found")

// Repository persists provisioned users.
type Repository interface {
	FindByID(ctx context.Context, id string) (User, error)
	// Create inserts user unless a row with the same id exists. It reports
	// whether this call created the row.
	Create(ctx context.Context, user User) (bool, error)
	UpdateProfile(ctx context.Context, id string, changes ProfileChanges) (User, error)
	// EmailTaken reports whether email belongs to a user other than exceptID.
	EmailTaken(ctx context.Context, email, exceptID string) (bool, error)
}

const userColumns = `id, email, first_name, last_name, credits_balance, profile_image_url, preferences, created_at`

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db dbtx
}

// NewPostgresRepository builds a Postgres-backed user repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindByID fetches a user by id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, fmt.Errorf("parse user id: %w", err)
	}
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

// Create inserts a new user; concurrent provisioning of the same id is a no-op.
func (r *PostgresRepository) Create(ctx context.Context, user User) (bool, error) {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return false, fmt.Errorf("parse user id: %w", err)
	}
	tag, err := r.db.Exec(ctx, `INSERT INTO users (id, email, first_name, last_name, password_hash, preferences, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING`,
		userID, user.Email, user.FirstName, user.LastName, user.PasswordHash, user.Preferences, user.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProfile applies changes and returns the updated row. Company is
// merged into the preferences document.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, changes ProfileChanges) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, fmt.Errorf("parse user id: %w", err)
	}

	args := []any{userID}
	var sets []string
	set := func(expr string, value string) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if changes.FirstName != nil {
		set("first_name = $%d", *changes.FirstName)
	}
	if changes.LastName != nil {
		set("last_name = $%d", *changes.LastName)
	}
	if changes.AvatarURL != nil {
		set("profile_image_url = $%d", *changes.AvatarURL)
	}
	if changes.Company != nil {
		set("preferences = COALESCE(preferences, '{}'::jsonb) || jsonb_build_object('company', $%d::text)", *changes.Company)
	}
	if len(sets) == 0 {
		return r.FindByID(ctx, id)
	}

	row := r.db.QueryRow(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+userColumns, args...)
	return scanUser(row)
}

// EmailTaken checks whether another user already owns email.
func (r *PostgresRepository) EmailTaken(ctx context.Context, email, exceptID string) (bool, error) {
	var owner uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT id FROM users WHERE lower(email) = lower($1) LIMIT 1`, email).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup email: %w", err)
	}
	return owner.String() != exceptID, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		id        uuid.UUID
		createdAt time.Time
		user      User
	)
	err := row.Scan(&id, &user.Email, &user.FirstName, &user.LastName, &user.CreditsBalance,
		&user.ProfileImageURL, &user.Preferences, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	return user, nil
}
