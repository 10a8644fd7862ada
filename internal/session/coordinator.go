package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/flashslides/usersession/internal/changefeed"
	"github.com/flashslides/usersession/internal/identity"
	"github.com/flashslides/usersession/internal/profile"
)

var (
	// ErrClosed is returned by operations on a coordinator that was torn down.
	ErrClosed = errors.New("session coordinator closed")

	// ErrSignedOut is returned by operations that need an identity.
	ErrSignedOut = errors.New("no signed-in identity")
)

// Resolver turns an identity id into a profile.
type Resolver interface {
	Resolve(ctx context.Context, identityID string) (profile.Profile, error)
}

// ProfileUpdater sends user-initiated profile changes to the backend.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, token string, update profile.Update) error
}

// Deps are the collaborators of a Coordinator. Feed and Updater are optional.
type Deps struct {
	Identity identity.Source
	Resolver Resolver
	Feed     changefeed.Feed
	Updater  ProfileUpdater
	Logger   *slog.Logger
}

// Options tunes the coordinator.
type Options struct {
	// LoadingTimeout forces IsLoading to false if nothing else has.
	LoadingTimeout time.Duration
	FeedChannel    string
}

// DefaultOptions returns a 3s loading fallback on the realtime-profile channel.
func DefaultOptions() Options {
	return Options{LoadingTimeout: 3 * time.Second, FeedChannel: "realtime-profile"}
}

type resolution struct {
	identityID string
	gen        uint64
	profile    profile.Profile
	err        error
	notify     chan struct{}
}

// Coordinator owns the reconciled session state. A single loop goroutine
// performs every state transition; I/O runs on helper goroutines that report
// back through channels, and results are applied only if the identity
// generation they were started under is still current.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cmds    chan func()
	results chan resolution

	mu       sync.RWMutex
	snapshot State
	watchers map[int]chan State
	nextID   int
	closed   bool

	// Fields below are owned by the loop goroutine.
	state         State
	gen           uint64
	genCtx        context.Context
	genCancel     context.CancelFunc
	settled       bool
	events        <-chan identity.Event
	unsubscribe   func()
	feedSub       changefeed.Subscription
	feedEvents    <-chan changefeed.Change
	feedPending   bool
	fallback      *time.Timer
	fallbackFired <-chan time.Time
}

// Start subscribes to identity changes, arms the loading fallback and
// queries the identity source once. It returns immediately; the initial
// state is Initializing with IsLoading set.
func Start(ctx context.Context, deps Deps, opts Options) (*Coordinator, error) {
	if deps.Identity == nil {
		return nil, fmt.Errorf("identity source is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("profile resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.LoadingTimeout <= 0 {
		opts.LoadingTimeout = defaults.LoadingTimeout
	}
	if opts.FeedChannel == "" {
		opts.FeedChannel = defaults.FeedChannel
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger,
		ctx:      loopCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		cmds:     make(chan func()),
		results:  make(chan resolution),
		watchers: make(map[int]chan State),
		state:    State{IsLoading: true, Phase: PhaseInitializing},
	}
	c.snapshot = c.state.clone()
	c.genCtx, c.genCancel = context.WithCancel(loopCtx)

	c.events, c.unsubscribe = deps.Identity.Subscribe()
	c.fallback = time.NewTimer(opts.LoadingTimeout)
	c.fallbackFired = c.fallback.C

	go c.loop()
	go c.bootstrap()
	return c, nil
}

// State returns a snapshot of the current view.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.clone()
}

// Watch returns a channel that always holds the most recent state. The
// channel is closed when the coordinator is torn down or cancel is called.
func (c *Coordinator) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	ch <- c.snapshot.clone()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

// Refresh re-resolves the profile of the current identity and waits until the
// result has been applied. It does nothing when signed out.
func (c *Coordinator) Refresh(ctx context.Context) error {
	notify := make(chan struct{})
	started := false
	if err := c.call(ctx, func() {
		if c.state.Identity == nil {
			return
		}
		started = true
		c.startResolve(notify)
	}); err != nil {
		return err
	}
	if !started {
		return nil
	}
	return c.wait(ctx, notify)
}

// Resync forces the cached identity to match fresh, the identity the provider
// asserts right now. A different identity triggers a full re-identification
// with the profile cleared; nil signs the session out.
func (c *Coordinator) Resync(ctx context.Context, fresh *identity.Identity) error {
	return c.call(ctx, func() {
		c.settled = true
		current := c.state.Identity
		switch {
		case fresh == nil:
			if current != nil || c.state.Phase != PhaseSignedOut {
				c.signOut()
			}
		case current != nil && current.ID == fresh.ID:
		default:
			c.logger.Info("identity drift detected, resynchronising",
				slog.String("cached_id", c.state.IdentityID()),
				slog.String("asserted_id", fresh.ID),
			)
			c.identify(fresh, nil)
		}
	})
}

// UpdateProfile applies update optimistically, sends it to the backend and
// re-resolves on success. On failure the previous profile is restored unless
// the identity changed in the meantime.
func (c *Coordinator) UpdateProfile(ctx context.Context, update profile.Update) error {
	if c.deps.Updater == nil {
		return fmt.Errorf("profile updates are not configured")
	}

	var (
		signedIn bool
		gen      uint64
		previous *profile.Profile
	)
	if err := c.call(ctx, func() {
		if c.state.Identity == nil {
			return
		}
		signedIn = true
		gen = c.gen
		previous = c.state.Profile.Clone()
		if c.state.Profile != nil {
			next := update.Apply(*c.state.Profile)
			c.state.Profile = &next
			c.publish()
		}
	}); err != nil {
		return err
	}
	if !signedIn {
		return ErrSignedOut
	}

	token, err := c.deps.Identity.AccessToken(ctx)
	if err == nil {
		err = c.deps.Updater.UpdateProfile(ctx, token, update)
	}
	if err != nil {
		_ = c.call(context.Background(), func() {
			if c.gen == gen {
				c.state.Profile = previous
				c.publish()
			}
		})
		return fmt.Errorf("update profile: %w", err)
	}

	notify := make(chan struct{})
	started := false
	if err := c.call(ctx, func() {
		if c.gen != gen || c.state.Identity == nil {
			return
		}
		started = true
		c.startResolve(notify)
	}); err != nil {
		return err
	}
	if !started {
		return nil
	}
	return c.wait(ctx, notify)
}

// Close tears the coordinator down: identity and feed subscriptions are
// released, the loading fallback is stopped and in-flight resolutions are
// cancelled. Results that arrive later are dropped.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// exec hands fn to the loop goroutine.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop goroutine and returns once it has run.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := c.exec(ctx, func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

func (c *Coordinator) wait(ctx context.Context, notify <-chan struct{}) error {
	select {
	case <-notify:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) bootstrap() {
	ident, err := c.deps.Identity.Current(c.ctx)
	if err != nil && c.ctx.Err() != nil {
		return
	}
	_ = c.exec(c.ctx, func() {
		if c.settled {
			// An identity event already established newer state.
			return
		}
		c.settled = true
		switch {
		case errors.Is(err, identity.ErrNoSession):
			c.signOut()
		case err != nil:
			c.logger.Error("initial identity query failed", slog.Any("error", err))
			c.signOut()
		case ident == nil:
			c.signOut()
		default:
			c.identify(ident, nil)
		}
	})
}

func (c *Coordinator) loop() {
	defer close(c.done)
	defer c.teardown()

	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleIdentityEvent(ev)
		case change, ok := <-c.feedEvents:
			if !ok {
				c.feedEvents = nil
				continue
			}
			c.handleChange(change)
		case res := <-c.results:
			c.handleResolution(res)
		case <-c.fallbackFired:
			c.fallbackFired = nil
			if c.state.IsLoading {
				c.logger.Warn("loading fallback fired", slog.Duration("after", c.opts.LoadingTimeout), slog.String("phase", string(c.state.Phase)))
				c.state.IsLoading = false
				c.publish()
			}
		}
	}
}

func (c *Coordinator) handleIdentityEvent(ev identity.Event) {
	c.settled = true

	if ev.Kind == identity.EventSignedOut || ev.Identity == nil {
		c.signOut()
		return
	}

	switch ev.Kind {
	case identity.EventUserUpdated:
		current := c.state.Identity
		if current == nil || current.ID != ev.Identity.ID {
			return
		}
		current.Metadata = maps.Clone(ev.Identity.Metadata)
		c.publish()
	case identity.EventSignedIn, identity.EventInitialSession, identity.EventTokenRefreshed:
		if c.state.Identity != nil && c.state.Identity.ID == ev.Identity.ID {
			return
		}
		c.identify(ev.Identity, nil)
	default:
		c.logger.Debug("ignoring identity event", slog.String("kind", string(ev.Kind)))
	}
}

// identify moves to Identified for ident. The stale profile is cleared before
// the new identity becomes visible.
func (c *Coordinator) identify(ident *identity.Identity, notify chan struct{}) {
	c.nextGeneration()
	c.state = State{Identity: ident.Clone(), IsLoading: true, Phase: PhaseIdentified}
	c.openFeed()
	c.publish()
	c.startResolve(notify)
}

func (c *Coordinator) signOut() {
	c.nextGeneration()
	c.closeFeed()
	c.state = State{Phase: PhaseSignedOut}
	c.publish()
}

func (c *Coordinator) nextGeneration() {
	c.genCancel()
	c.gen++
	c.genCtx, c.genCancel = context.WithCancel(c.ctx)
}

func (c *Coordinator) startResolve(notify chan struct{}) {
	identityID := c.state.Identity.ID
	gen := c.gen
	ctx := c.genCtx

	go func() {
		p, err := c.deps.Resolver.Resolve(ctx, identityID)
		res := resolution{identityID: identityID, gen: gen, profile: p, err: err, notify: notify}
		select {
		case c.results <- res:
		case <-c.ctx.Done():
		}
	}()
}

func (c *Coordinator) handleResolution(res resolution) {
	if res.notify != nil {
		defer close(res.notify)
	}

	if res.gen != c.gen || c.state.IdentityID() != res.identityID {
		c.logger.Debug("discarding stale resolution", slog.String("identity_id", res.identityID))
		return
	}

	switch {
	case res.err == nil:
		p := res.profile
		c.state.Profile = &p
	case errors.Is(res.err, profile.ErrNotFound):
		c.logger.Warn("profile unavailable after self-healing", slog.String("identity_id", res.identityID))
		c.state.Profile = nil
	default:
		c.logger.Error("profile unavailable", slog.String("identity_id", res.identityID), slog.Any("error", res.err))
	}
	c.state.IsLoading = false
	c.state.Phase = PhaseResolved
	c.publish()
}

func (c *Coordinator) handleChange(change changefeed.Change) {
	if change.SubjectID == "" || change.SubjectID != c.state.IdentityID() {
		c.logger.Debug("discarding change for another subject", slog.String("subject_id", change.SubjectID))
		return
	}
	if c.state.Profile == nil {
		return
	}
	merged := profile.ApplyFields(*c.state.Profile, change.Fields)
	c.state.Profile = &merged
	c.publish()
}

// openFeed subscribes to profile changes off the loop goroutine and installs
// the subscription if an identity is still present when it is ready.
func (c *Coordinator) openFeed() {
	if c.deps.Feed == nil || c.feedSub != nil || c.feedPending {
		return
	}
	c.feedPending = true

	go func() {
		sub, err := c.deps.Feed.Subscribe(c.ctx, c.opts.FeedChannel, changefeed.ProfileUpdates())
		install := func() {
			c.feedPending = false
			if err != nil {
				c.logger.Error("profile change feed unavailable", slog.String("channel", c.opts.FeedChannel), slog.Any("error", err))
				return
			}
			if c.state.Identity == nil || c.feedSub != nil {
				sub.Close()
				return
			}
			c.feedSub = sub
			c.feedEvents = sub.Events()
		}
		if execErr := c.exec(c.ctx, install); execErr != nil && err == nil {
			sub.Close()
		}
	}()
}

func (c *Coordinator) closeFeed() {
	if c.feedSub == nil {
		return
	}
	if err := c.feedSub.Close(); err != nil {
		c.logger.Warn("close profile change feed", slog.Any("error", err))
	}
	c.feedSub = nil
	c.feedEvents = nil
}

func (c *Coordinator) teardown() {
	c.unsubscribe()
	c.closeFeed()
	c.genCancel()
	c.fallback.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}

func (c *Coordinator) publish() {
	snap := c.state.clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
	for _, ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap.clone():
		default:
		}
	}
}
