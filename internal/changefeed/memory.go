package changefeed

import (
	"context"
	"maps"
	"sync"
)

// MemoryFeed is an in-process feed for tests and local development.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]string
	opened int
}

// NewMemoryFeed builds an empty in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[*memorySubscription]string)}
}

// Subscribe registers a subscription on channel.
func (f *MemoryFeed) Subscribe(_ context.Context, channel string, filter Filter) (Subscription, error) {
	sub := &memorySubscription{feed: f, filter: filter, events: make(chan Change, 64)}
	f.mu.Lock()
	f.subs[sub] = channel
	f.opened++
	f.mu.Unlock()
	return sub, nil
}

// Publish delivers change to every matching subscription on channel. Slow
// subscribers drop changes once their buffer is full.
func (f *MemoryFeed) Publish(_ context.Context, channel string, change Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, ch := range f.subs {
		if ch != channel || !sub.filter.Matches(change) {
			continue
		}
		c := change
		c.Fields = maps.Clone(change.Fields)
		select {
		case sub.events <- c:
		default:
		}
	}
	return nil
}

// Active returns the number of open subscriptions.
func (f *MemoryFeed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Opened returns the number of subscriptions ever opened.
func (f *MemoryFeed) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type memorySubscription struct {
	feed   *MemoryFeed
	filter Filter
	events chan Change
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Change { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		close(s.events)
		s.feed.mu.Unlock()
	})
	return nil
}
