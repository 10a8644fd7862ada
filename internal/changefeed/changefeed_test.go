package changefeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flashslides/usersession/internal/logging"
)

func setupRedisFeed(t *testing.T) (*RedisFeed, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return NewRedisFeed(client, logging.Discard()), cleanup
}

func receive(t *testing.T, sub Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change")
		return Change{}
	}
}

func TestFilterMatches(t *testing.T) {
	f := ProfileUpdates()
	if !f.Matches(Change{Table: "users", Operation: "update"}) {
		t.Fatalf("expected case-insensitive match")
	}
	if f.Matches(Change{Table: "users", Operation: OperationInsert}) {
		t.Fatalf("expected insert to be filtered")
	}
	if f.Matches(Change{Table: "transactions", Operation: OperationUpdate}) {
		t.Fatalf("expected other table to be filtered")
	}
	if !(Filter{}).Matches(Change{Table: "anything"}) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestRedisFeedDeliversFilteredChanges(t *testing.T) {
	feed, cleanup := setupRedisFeed(t)
	defer cleanup()
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "realtime-profile", ProfileUpdates())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := feed.Publish(ctx, "realtime-profile", Change{Operation: OperationInsert, Table: "users", SubjectID: "u1"}); err != nil {
		t.Fatalf("publish insert: %v", err)
	}
	if err := feed.Publish(ctx, "realtime-profile", Change{
		Operation: OperationUpdate,
		Table:     "users",
		SubjectID: "u1",
		Fields:    map[string]any{"credits_balance": 200},
	}); err != nil {
		t.Fatalf("publish update: %v", err)
	}

	got := receive(t, sub)
	if got.Operation != OperationUpdate || got.SubjectID != "u1" {
		t.Fatalf("expected filtered update, got %+v", got)
	}
	n, ok := got.Fields["credits_balance"].(json.Number)
	if !ok || n.String() != "200" {
		t.Fatalf("expected numeric field decoded as json.Number, got %#v", got.Fields["credits_balance"])
	}
	if got.CommitTime.IsZero() {
		t.Fatalf("expected commit time to be stamped")
	}
}

func TestRedisFeedSkipsMalformedPayloads(t *testing.T) {
	feed, cleanup := setupRedisFeed(t)
	defer cleanup()
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "realtime-profile", Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := feed.client.Publish(ctx, "realtime-profile", "{not json").Err(); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := feed.Publish(ctx, "realtime-profile", Change{Operation: OperationUpdate, Table: "users", SubjectID: "u2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := receive(t, sub); got.SubjectID != "u2" {
		t.Fatalf("expected malformed message to be skipped, got %+v", got)
	}
}

func TestRedisSubscriptionCloseEndsEvents(t *testing.T) {
	feed, cleanup := setupRedisFeed(t)
	defer cleanup()

	sub, err := feed.Subscribe(context.Background(), "realtime-profile", Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected events channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("events channel not closed after Close")
	}
}

func TestMemoryFeed(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, "realtime-profile", ProfileUpdates())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := feed.Subscribe(ctx, "elsewhere", Filter{})

	feed.Publish(ctx, "realtime-profile", Change{Operation: OperationUpdate, Table: "users", SubjectID: "u1"})

	if got := receive(t, sub); got.SubjectID != "u1" {
		t.Fatalf("unexpected change %+v", got)
	}
	select {
	case c := <-other.Events():
		t.Fatalf("unexpected delivery on other channel: %+v", c)
	default:
	}

	if feed.Active() != 2 {
		t.Fatalf("expected 2 active subscriptions, got %d", feed.Active())
	}
	sub.Close()
	other.Close()
	if feed.Active() != 0 || feed.Opened() != 2 {
		t.Fatalf("unexpected counts active=%d opened=%d", feed.Active(), feed.Opened())
	}
}
