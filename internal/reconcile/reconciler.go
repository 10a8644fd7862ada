package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/flashslides/usersession/internal/profile"
)

// errFlightCancelled marks a resolution stopped by its owner's context.
var errFlightCancelled = errors.New("resolution cancelled")

// Repairer guarantees a profile row exists for the bearer of a token.
type Repairer interface {
	Repair(ctx context.Context, token string) error
}

// TokenSource yields the current bearer credential.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options bounds the self-healing protocol.
type Options struct {
	// MaxRetries is the number of repair-and-retry rounds after the first
	// missing-row lookup.
	MaxRetries    int
	Backoff       time.Duration
	RepairTimeout time.Duration
	LookupTimeout time.Duration
}

// DefaultOptions returns three lookups, 500ms apart, with 5s caps on the
// repair call and on each lookup.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    2,
		Backoff:       500 * time.Millisecond,
		RepairTimeout: 5 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

// Reconciler resolves identity ids to canonical profiles, repairing rows that
// have not been provisioned yet.
type Reconciler struct {
	store    profile.Store
	repairer Repairer
	tokens   TokenSource
	logger   *slog.Logger
	opts     Options
	tracer   trace.Tracer
	group    singleflight.Group
}

// New builds a Reconciler.
func New(store profile.Store, repairer Repairer, tokens TokenSource, logger *slog.Logger, opts Options) *Reconciler {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Reconciler{
		store:    store,
		repairer: repairer,
		tokens:   tokens,
		logger:   logger,
		opts:     opts,
		tracer:   otel.Tracer("github.com/flashslides/usersession/internal/reconcile"),
	}
}

// Resolve returns the profile for identityID. A profile that is still missing
// after self-healing yields an error matching profile.ErrNotFound; any other
// error is a lookup failure that retrying cannot fix.
//
// Concurrent calls for the same id share one in-flight resolution.
func (r *Reconciler) Resolve(ctx context.Context, identityID string) (profile.Profile, error) {
	for {
		ch := r.group.DoChan(identityID, func() (any, error) {
			return r.resolve(ctx, identityID)
		})

		select {
		case <-ctx.Done():
			return profile.Profile{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// A joined flight owned by a cancelled caller says nothing
				// about this caller; start a fresh one.
				if res.Shared && ctx.Err() == nil && errors.Is(res.Err, errFlightCancelled) {
					continue
				}
				return profile.Profile{}, res.Err
			}
			p := res.Val.(profile.Profile)
			return *p.Clone(), nil
		}
	}
}

func (r *Reconciler) resolve(ctx context.Context, identityID string) (profile.Profile, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.Resolve", trace.WithAttributes(attribute.String("identity.id", identityID)))
	defer span.End()

	repairs := 0
	for attempt := 1; ; attempt++ {
		span.SetAttributes(attribute.Int("reconcile.attempts", attempt), attribute.Int("reconcile.repairs", repairs))

		row, err := r.lookup(ctx, identityID)
		if err == nil {
			return row.Profile(), nil
		}
		if ctx.Err() != nil {
			return profile.Profile{}, cancelled(ctx)
		}
		if !errors.Is(err, profile.ErrNotFound) {
			r.logger.Error("profile lookup failed",
				slog.String("identity_id", identityID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "lookup failed")
			return profile.Profile{}, err
		}

		r.logger.Warn("profile missing, self-healing",
			slog.String("identity_id", identityID),
			slog.Int("attempt", attempt),
		)
		if attempt > r.opts.MaxRetries {
			return profile.Profile{}, fmt.Errorf("identity %s: %w", identityID, profile.ErrNotFound)
		}

		token, err := r.tokens.AccessToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return profile.Profile{}, cancelled(ctx)
			}
			r.logger.Info("self-healing aborted, no access token",
				slog.String("identity_id", identityID),
				slog.Any("error", err),
			)
			return profile.Profile{}, fmt.Errorf("identity %s: %w", identityID, profile.ErrNotFound)
		}

		repairs++
		r.repair(ctx, identityID, token, attempt)

		if err := sleep(ctx, r.opts.Backoff); err != nil {
			return profile.Profile{}, cancelled(ctx)
		}
	}
}

func (r *Reconciler) lookup(ctx context.Context, identityID string) (profile.Row, error) {
	if r.opts.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.LookupTimeout)
		defer cancel()
	}
	return r.store.Lookup(ctx, identityID)
}

// repair failures are logged and otherwise ignored; the retry loop decides
// whether the row showed up.
func (r *Reconciler) repair(ctx context.Context, identityID, token string, attempt int) {
	if r.opts.RepairTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RepairTimeout)
		defer cancel()
	}
	if err := r.repairer.Repair(ctx, token); err != nil {
		r.logger.Error("profile repair call failed",
			slog.String("identity_id", identityID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cancelled keeps the context error matchable by callers.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", errFlightCancelled, ctx.Err())
}
