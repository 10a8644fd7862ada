package changefeed

import (
	"context"
	"strings"
	"time"
)

const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"

	// ProfileTable is the table whose mutations drive profile merges.
	ProfileTable = "users"
)

// Change is a single row mutation pushed by the backend.
type Change struct {
	Operation  string         `json:"operation"`
	Table      string         `json:"table"`
	SubjectID  string         `json:"subject_id"`
	Fields     map[string]any `json:"fields"`
	CommitTime time.Time      `json:"commit_time"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Table     string
	Operation string
}

// ProfileUpdates matches updates to the profile table.
func ProfileUpdates() Filter {
	return Filter{Table: ProfileTable, Operation: OperationUpdate}
}

// Matches reports whether the change passes the filter.
func (f Filter) Matches(c Change) bool {
	if f.Table != "" && !strings.EqualFold(f.Table, c.Table) {
		return false
	}
	if f.Operation != "" && !strings.EqualFold(f.Operation, c.Operation) {
		return false
	}
	return true
}

// Subscription delivers filtered changes until closed. Events is closed
// once the subscription ends.
type Subscription interface {
	Events() <-chan Change
	Close() error
}

// Feed opens subscriptions on named channels.
type Feed interface {
	Subscribe(ctx context.Context, channel string, filter Filter) (Subscription, error)
}

// Publisher pushes changes onto a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, change Change) error
}
