package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store performs point lookups of profile rows.
type Store interface {
	Lookup(ctx context.Context, identityID string) (Row, error)
}

const lookupQuery = `SELECT id, first_name, last_name, credits_balance, stripe_customer_id, profile_image_url, preferences
        FROM users WHERE id = $1`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads profile rows from the users table.
type PostgresStore struct {
	db rowQuerier
}

// NewPostgresStore builds a Postgres-backed profile store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Lookup fetches the row for identityID. A missing row yields ErrNotFound so
// callers can tell it apart from query failures.
func (s *PostgresStore) Lookup(ctx context.Context, identityID string) (Row, error) {
	id, err := uuid.Parse(identityID)
	if err != nil {
		return Row{}, fmt.Errorf("parse identity id: %w", err)
	}

	var (
		row   Row
		rowID uuid.UUID
	)
	err = s.db.QueryRow(ctx, lookupQuery, id).Scan(
		&rowID,
		&row.FirstName,
		&row.LastName,
		&row.CreditsBalance,
		&row.StripeCustomerID,
		&row.ProfileImageURL,
		&row.Preferences,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, fmt.Errorf("lookup profile: %w", err)
	}
	row.ID = rowID.String()
	return row, nil
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

// Put inserts or replaces a row.
func (s *MemoryStore) Put(row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row
}

// Lookup returns the row for identityID or ErrNotFound.
func (s *MemoryStore) Lookup(_ context.Context, identityID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[identityID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}
