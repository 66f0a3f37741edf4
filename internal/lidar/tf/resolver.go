package tf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/mapaccum/internal/lidar/l4perception"
	"github.com/banshee-data/mapaccum/internal/lidar/pipeline"
	"github.com/banshee-data/mapaccum/internal/monitoring"
)

// Lookup is a source of transforms. ok is false when the source has no
// answer yet; err is reserved for failures of the source itself.
type Lookup interface {
	Lookup(ctx context.Context, source, target string, at time.Time) (tr l4perception.RigidTransform, ok bool, err error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, source, target string, at time.Time) (l4perception.RigidTransform, bool, error)

func (f LookupFunc) Lookup(ctx context.Context, source, target string, at time.Time) (l4perception.RigidTransform, bool, error) {
	return f(ctx, source, target, at)
}

var errNotYet = errors.New("no source has the transform yet")

// Chainer is a source whose fixed edges can be chained with stamped
// transforms from the other sources. StaticTree implements it.
type Chainer interface {
	Ancestors(frame string) []l4perception.RigidTransform
}

// ResolverConfig tunes the polling schedule.
type ResolverConfig struct {
	InitialInterval time.Duration // default 10ms
	MaxInterval     time.Duration // default 250ms
}

// Resolver implements pipeline.TransformResolver by polling its sources
// in order with exponential backoff until one answers or the timeout
// elapses. When no source answers source -> target directly, static
// edges from any Chainer source are composed with a stamped lookup:
// source -> ancestor(source) -> target, then
// source -> ancestor(target) -> target.
type Resolver struct {
	sources []Lookup
	cfg     ResolverConfig
}

// NewResolver returns a Resolver over sources, queried in order.
func NewResolver(cfg ResolverConfig, sources ...Lookup) *Resolver {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 10 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 250 * time.Millisecond
	}
	return &Resolver{sources: sources, cfg: cfg}
}

// Resolve returns the transform from source to target at the given time.
// Identical frames resolve to identity immediately. Every failure wraps
// pipeline.ErrTransformUnavailable.
func (r *Resolver) Resolve(ctx context.Context, source, target string, at time.Time, timeout time.Duration) (l4perception.RigidTransform, error) {
	if source == target {
		return l4perception.IdentityTransform(source, at), nil
	}
	if source == "" {
		return l4perception.RigidTransform{}, fmt.Errorf("%w: batch has no frame id", pipeline.ErrTransformUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.cfg.InitialInterval),
		backoff.WithMaxInterval(r.cfg.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	var lastErr error
	attempts := 0
	tr, err := backoff.RetryWithData(func() (l4perception.RigidTransform, error) {
		attempts++
		if tr, ok := r.lookup(ctx, source, target, at, &lastErr); ok {
			return tr, nil
		}
		if tr, ok := r.chain(ctx, source, target, at, &lastErr); ok {
			return tr, nil
		}
		if lastErr == nil {
			lastErr = errNotYet
		}
		return l4perception.RigidTransform{}, lastErr
	}, backoff.WithContext(b, ctx))
	if err == nil {
		if attempts > 1 {
			monitoring.Logf("[tf] resolved %s -> %s after %d attempts", source, target, attempts)
		}
		return tr, nil
	}
	if lastErr != nil && lastErr != err {
		err = fmt.Errorf("%w (last: %v)", err, lastErr)
	}
	return l4perception.RigidTransform{}, fmt.Errorf("%w: %s -> %s at %s within %v: %w",
		pipeline.ErrTransformUnavailable, source, target, at.Format(time.RFC3339Nano), timeout, err)
}

// lookup asks every source for source -> target in order.
func (r *Resolver) lookup(ctx context.Context, source, target string, at time.Time, lastErr *error) (l4perception.RigidTransform, bool) {
	for _, s := range r.sources {
		tr, ok, err := s.Lookup(ctx, source, target, at)
		if err != nil {
			*lastErr = err
			continue
		}
		if ok {
			return tr, true
		}
	}
	return l4perception.RigidTransform{}, false
}

// chain composes static edges with stamped lookups.
func (r *Resolver) chain(ctx context.Context, source, target string, at time.Time, lastErr *error) (l4perception.RigidTransform, bool) {
	for _, s := range r.sources {
		c, ok := s.(Chainer)
		if !ok {
			continue
		}
		// source -> anc (static), anc -> target (stamped)
		for _, up := range c.Ancestors(source) {
			if up.Target() == target {
				continue
			}
			stamped, ok := r.lookup(ctx, up.Target(), target, at, lastErr)
			if !ok {
				continue
			}
			tr, err := stamped.Compose(up)
			if err != nil {
				*lastErr = err
				continue
			}
			return tr, true
		}
		// source -> anc (stamped), anc -> target (static, inverted)
		for _, up := range c.Ancestors(target) {
			if up.Target() == source {
				continue
			}
			stamped, ok := r.lookup(ctx, source, up.Target(), at, lastErr)
			if !ok {
				continue
			}
			tr, err := up.Inverse().WithStamp(stamped.Stamp()).Compose(stamped)
			if err != nil {
				*lastErr = err
				continue
			}
			return tr, true
		}
	}
	return l4perception.RigidTransform{}, false
}
