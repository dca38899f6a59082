package routeros

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/metrics"
)

const (
	DefaultCallTimeout = 10 * time.Second
	DefaultMaxRetries  = 4
)

// Gateway issues validated operations against routers. It never touches
// local state; callers persist returned identifiers themselves.
type Gateway struct {
	dialer      Dialer
	callTimeout time.Duration
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
	metrics     *metrics.Metrics
}

// Option configures a Gateway
type Option func(*Gateway)

// WithCallTimeout bounds every single device attempt
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

// WithMaxRetries caps retries of retryable failures
func WithMaxRetries(n uint64) Option {
	return func(g *Gateway) { g.maxRetries = n }
}

// WithBackOff replaces the retry schedule
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(g *Gateway) { g.newBackOff = fn }
}

// WithMetrics records call counts and latency
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a gateway dialling devices through dialer
func NewGateway(dialer Dialer, opts ...Option) *Gateway {
	g := &Gateway{
		dialer:      dialer,
		callTimeout: DefaultCallTimeout,
		maxRetries:  DefaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Apply runs op against the router. Failures are returned as *DeviceError
// wrapping ErrUnreachable, ErrRejected, ErrMalformed, ErrNoSuchObject or
// ErrInvalidOperation.
func (g *Gateway) Apply(ctx context.Context, routerID string, op Operation) (*Result, error) {
	start := time.Now()
	result, err := g.apply(ctx, routerID, op)
	g.metrics.ObserveDeviceCall(string(op.Kind()), outcome(err), time.Since(start))
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			log.Error("Malformed response from router", "router", routerID, "op", op.Kind(), "error", err)
		}
		return nil, &DeviceError{RouterID: routerID, Op: op.Kind(), Err: err}
	}
	return result, nil
}

func (g *Gateway) apply(ctx context.Context, routerID string, op Operation) (*Result, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	dev, err := g.dialer.Dial(ctx, routerID)
	if err != nil {
		return nil, err
	}

	switch o := op.(type) {
	case CreatePool:
		return g.create(ctx, dev, TablePools, o.Name, Object{KeyName: o.Name, KeyRanges: o.Ranges})

	case CreateProfile:
		props := Object{KeyName: o.Name}
		if o.RateLimit != "" {
			props[KeyRateLimit] = o.RateLimit
		}
		if o.LocalAddress != "" {
			props[KeyLocalAddress] = o.LocalAddress
		}
		return g.create(ctx, dev, TableProfiles, o.Name, props)

	case UpdateProfile:
		props := Object{}
		if o.RateLimit != "" {
			props[KeyRateLimit] = o.RateLimit
		}
		return &Result{ID: o.ID}, g.retry(ctx, func(ctx context.Context) error {
			return dev.Update(ctx, TableProfiles, o.ID, props)
		})

	case DeleteProfile:
		return &Result{ID: o.ID}, g.delete(ctx, dev, TableProfiles, o.ID)

	case CreateAccount:
		var result *Result
		err := g.retry(ctx, func(ctx context.Context) error {
			profile, err := dev.Get(ctx, TableProfiles, o.ProfileID)
			if err != nil {
				return err
			}
			props := Object{
				KeyName:          o.Username,
				KeyPassword:      o.Password,
				KeyService:       "pppoe",
				KeyProfile:       profile.Name(),
				KeyRemoteAddress: o.RemoteAddress,
			}
			if o.Comment != "" {
				props[KeyComment] = o.Comment
			}
			result, err = g.createOnce(ctx, dev, TableSecrets, o.Username, props)
			return err
		})
		return result, err

	case UpdateAccount:
		return &Result{ID: o.ID}, g.retry(ctx, func(ctx context.Context) error {
			props := Object{}
			if o.Password != "" {
				props[KeyPassword] = o.Password
			}
			if o.RemoteAddress != "" {
				props[KeyRemoteAddress] = o.RemoteAddress
			}
			if o.Disabled != nil {
				props[KeyDisabled] = boolString(*o.Disabled)
			}
			if o.ProfileID != "" {
				profile, err := dev.Get(ctx, TableProfiles, o.ProfileID)
				if err != nil {
					return err
				}
				props[KeyProfile] = profile.Name()
			}
			return dev.Update(ctx, TableSecrets, o.ID, props)
		})

	case DeleteAccount:
		return &Result{ID: o.ID}, g.delete(ctx, dev, TableSecrets, o.ID)

	case GetAccount:
		var obj Object
		err := g.retry(ctx, func(ctx context.Context) error {
			var err error
			obj, err = dev.Get(ctx, TableSecrets, o.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return &Result{ID: o.ID, Objects: []Object{obj}}, nil

	case ListPools:
		return g.list(ctx, dev, TablePools)
	case ListProfiles:
		return g.list(ctx, dev, TableProfiles)
	case ListAccounts:
		return g.list(ctx, dev, TableSecrets)
	}
	return nil, invalid("unsupported operation " + string(op.Kind()))
}

// create adds an object unless one with the same name already exists.
// Every attempt starts with a lookup, so a create whose response was lost
// is adopted on retry instead of issued twice.
func (g *Gateway) create(ctx context.Context, dev Device, table Table, name string, props Object) (*Result, error) {
	var result *Result
	err := g.retry(ctx, func(ctx context.Context) error {
		var err error
		result, err = g.createOnce(ctx, dev, table, name, props)
		return err
	})
	return result, err
}

func (g *Gateway) createOnce(ctx context.Context, dev Device, table Table, name string, props Object) (*Result, error) {
	existing, err := findByName(ctx, dev, table, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{ID: existing.ID(), Existing: true, Objects: []Object{existing}}, nil
	}

	id, err := dev.Create(ctx, table, props)
	if err == nil {
		return &Result{ID: id}, nil
	}
	if !isDuplicate(err) {
		return nil, err
	}

	// Lost a race with another creator; adopt its object
	existing, lookupErr := findByName(ctx, dev, table, name)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if existing == nil {
		return nil, err
	}
	log.Debug("Adopted concurrently created object", "table", table, "name", name, "id", existing.ID())
	return &Result{ID: existing.ID(), Existing: true, Objects: []Object{existing}}, nil
}

// delete removes an object; an object already gone counts as deleted
func (g *Gateway) delete(ctx context.Context, dev Device, table Table, id string) error {
	return g.retry(ctx, func(ctx context.Context) error {
		err := dev.Delete(ctx, table, id)
		if errors.Is(err, ErrNoSuchObject) {
			return nil
		}
		return err
	})
}

func (g *Gateway) list(ctx context.Context, dev Device, table Table) (*Result, error) {
	var objects []Object
	err := g.retry(ctx, func(ctx context.Context) error {
		var err error
		objects, err = dev.List(ctx, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Objects: objects}, nil
}

// retry runs fn with a per-attempt timeout, retrying retryable failures
// with exponential backoff until the retry budget or ctx runs out.
func (g *Gateway) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), g.maxRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrUnreachable, err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Debug("Retrying device call", "attempt", attempt, "error", err)
		return err
	}, b)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNoSuchObject):
		return "not_found"
	}
	return "error"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
