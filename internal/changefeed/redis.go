package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed carries changes over Redis Pub/Sub as JSON messages.
type RedisFeed struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisFeed builds a feed on top of an existing Redis client.
func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{client: client, logger: logger}
}

// Publish encodes the change and publishes it on channel.
func (f *RedisFeed) Publish(ctx context.Context, channel string, change Change) error {
	if change.CommitTime.IsZero() {
		change.CommitTime = time.Now().UTC()
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe joins channel and returns once Redis has confirmed the
// subscription, so no change published afterwards is missed.
func (f *RedisFeed) Subscribe(ctx context.Context, channel string, filter Filter) (Subscription, error) {
	ps := f.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		filter: filter,
		logger: f.logger,
		events: make(chan Change, 16),
		done:   make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump(ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	filter Filter
	logger *slog.Logger
	events chan Change
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *redisSubscription) Events() <-chan Change { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

func (s *redisSubscription) pump(messages <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			change, err := decodeChange(msg.Payload)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("discarding malformed change", slog.String("channel", msg.Channel), slog.Any("error", err))
				}
				continue
			}
			if !s.filter.Matches(change) {
				continue
			}
			select {
			case s.events <- change:
			case <-s.done:
				return
			}
		}
	}
}

func decodeChange(payload string) (Change, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var change Change
	if err := dec.Decode(&change); err != nil {
		return Change{}, err
	}
	return change, nil
}
