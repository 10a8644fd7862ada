package profile

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func str(s string) *string { return &s }

func TestRowProfileMapping(t *testing.T) {
	row := Row{
		ID:               "u1",
		FirstName:        str("John"),
		LastName:         str("Doe"),
		CreditsBalance:   100,
		StripeCustomerID: str("cus_123"),
		ProfileImageURL:  str("https://cdn.example.com/a.png"),
		Preferences:      map[string]any{"company": "Acme", "marketing_consent": true},
	}

	p := row.Profile()
	if *p.FirstName != "John" || *p.LastName != "Doe" || p.CreditsBalance != 100 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.AvatarURL == nil || *p.AvatarURL != "https://cdn.example.com/a.png" {
		t.Fatalf("expected avatar from profile_image_url, got %v", p.AvatarURL)
	}
	if p.Company == nil || *p.Company != "Acme" {
		t.Fatalf("expected company from preferences, got %v", p.Company)
	}
}

func TestRowProfileDefaultsToNull(t *testing.T) {
	p := Row{ID: "u1", ProfileImageURL: str(""), Preferences: nil}.Profile()
	if p.AvatarURL != nil || p.Company != nil || p.FirstName != nil {
		t.Fatalf("expected absent fields to map to nil, got %+v", p)
	}

	p = Row{ID: "u1", Preferences: map[string]any{"company": 42}}.Profile()
	if p.Company != nil {
		t.Fatalf("expected non-string company to be ignored, got %v", *p.Company)
	}
}

func TestApplyFieldsMergesAndRenames(t *testing.T) {
	base := Profile{FirstName: str("John"), CreditsBalance: 100, AvatarURL: str("old.png")}

	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"credits_balance": 200, "profile_image_url": "new.png", "preferences": {"company": "Acme"}, "email": "ignored@example.com", "last_name": null}`))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		t.Fatalf("decode: %v", err)
	}

	out := ApplyFields(base, fields)
	if out.CreditsBalance != 200 {
		t.Fatalf("expected balance 200, got %d", out.CreditsBalance)
	}
	if *out.FirstName != "John" {
		t.Fatalf("expected untouched first name, got %v", out.FirstName)
	}
	if *out.AvatarURL != "new.png" || *out.Company != "Acme" {
		t.Fatalf("expected renamed fields merged, got %+v", out)
	}
	if out.LastName != nil {
		t.Fatalf("expected explicit null to clear last name")
	}
	if *base.AvatarURL != "old.png" || base.CreditsBalance != 100 {
		t.Fatalf("base profile must not be mutated")
	}
}

func TestApplyFieldsIgnoresWrongTypes(t *testing.T) {
	base := Profile{FirstName: str("John"), CreditsBalance: 100}
	out := ApplyFields(base, map[string]any{"first_name": 12, "credits_balance": 1.5})
	if !reflect.DeepEqual(out, base) {
		t.Fatalf("expected profile unchanged, got %+v", out)
	}
}

func TestUpdateApply(t *testing.T) {
	base := Profile{FirstName: str("John"), CreditsBalance: 5}
	out := Update{LastName: str("Smith"), Company: str("Acme")}.Apply(base)
	if *out.FirstName != "John" || *out.LastName != "Smith" || *out.Company != "Acme" || out.CreditsBalance != 5 {
		t.Fatalf("unexpected result %+v", out)
	}
	if base.LastName != nil {
		t.Fatalf("base profile must not be mutated")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Lookup(context.Background(), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.Put(Row{ID: "u1", CreditsBalance: 3})
	row, err := s.Lookup(context.Background(), "u1")
	if err != nil || row.CreditsBalance != 3 {
		t.Fatalf("unexpected lookup result %+v %v", row, err)
	}
}

type fakeRow struct {
	err    error
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

type fakeQuerier struct {
	row  pgx.Row
	args []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	q.args = args
	return q.row
}

func TestPostgresStoreMapsNoRows(t *testing.T) {
	s := &PostgresStore{db: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}
	if _, err := s.Lookup(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreWrapsOtherErrors(t *testing.T) {
	boom := errors.New("permission denied for table users")
	s := &PostgresStore{db: &fakeQuerier{row: fakeRow{err: boom}}}
	_, err := s.Lookup(context.Background(), uuid.NewString())
	if errors.Is(err, ErrNotFound) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}

func TestPostgresStoreRejectsMalformedID(t *testing.T) {
	s := &PostgresStore{db: &fakeQuerier{row: fakeRow{}}}
	if _, err := s.Lookup(context.Background(), "not-a-uuid"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestPostgresStoreScansRow(t *testing.T) {
	id := uuid.New()
	q := &fakeQuerier{row: fakeRow{values: []any{
		id,
		str("John"),
		(*string)(nil),
		int64(100),
		(*string)(nil),
		str("a.png"),
		map[string]any{"company": "Acme"},
	}}}
	s := &PostgresStore{db: q}

	row, err := s.Lookup(context.Background(), id.String())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if row.ID != id.String() || row.CreditsBalance != 100 || *row.FirstName != "John" {
		t.Fatalf("unexpected row %+v", row)
	}
	if q.args[0] != id {
		t.Fatalf("expected uuid query argument, got %v", q.args[0])
	}
}
