package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"goa.design/ashep/runtime/telemetry"
)

// BreakerGateway wraps a Gateway with a circuit breaker over transient
// errors and a token-bucket limiter over poll calls, so a flapping tracker
// degrades the Worker Engine's poll cadence instead of spinning a crash
// loop (spec.md §7: "Retried with bounded exponential backoff... then
// escalated as Fatal I/O").
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     telemetry.Logger
}

// BreakerOptions configures BreakerGateway.
type BreakerOptions struct {
	// MaxFailures trips the breaker open after this many consecutive
	// transient failures. Defaults to 5.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe. Defaults to 30s.
	OpenTimeout time.Duration
	// PollsPerSecond bounds how often the wrapped Gateway may be called for
	// polling operations (ListReady). Zero disables limiting.
	PollsPerSecond float64
	Logger         telemetry.Logger
}

// NewBreakerGateway wraps next with circuit-breaking and rate limiting.
func NewBreakerGateway(next Gateway, opts BreakerOptions) *BreakerGateway {
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "issue-tracker",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		Timeout: timeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "tracker circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
	})

	var limiter *rate.Limiter
	if opts.PollsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PollsPerSecond), 1)
	}

	return &BreakerGateway{next: next, breaker: cb, limiter: limiter, log: log}
}

// guard routes call through the breaker only when the failure is transient;
// ErrProtocol failures are permanent and must not trip the breaker, since
// retrying (even against a healthy tracker) would never succeed.
func (b *BreakerGateway) guard(_ context.Context, _ string, call func() error) error {
	res, err := b.breaker.Execute(func() (any, error) {
		callErr := call()
		var unavail *ErrUnavailable
		if callErr == nil || errors.As(callErr, &unavail) {
			return nil, callErr
		}
		// Non-transient: report success to the breaker but still propagate
		// the error to the caller as the result value, returned below.
		return callErr, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ErrUnavailable{Err: err}
	}
	if err != nil {
		return err
	}
	if permErr, ok := res.(error); ok && permErr != nil {
		return permErr
	}
	return nil
}

// ListReady implements Gateway, applying the poll rate limit before
// delegating through the breaker.
func (b *BreakerGateway) ListReady(ctx context.Context) ([]*Issue, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var issues []*Issue
	err := b.guard(ctx, "ListReady", func() error {
		var innerErr error
		issues, innerErr = b.next.ListReady(ctx)
		return innerErr
	})
	return issues, err
}

func (b *BreakerGateway) Get(ctx context.Context, id string) (*Issue, error) {
	var issue *Issue
	err := b.guard(ctx, "Get", func() error {
		var innerErr error
		issue, innerErr = b.next.Get(ctx, id)
		return innerErr
	})
	return issue, err
}

func (b *BreakerGateway) SetPhaseLabel(ctx context.Context, id, phase string) error {
	return b.guard(ctx, "SetPhaseLabel", func() error { return b.next.SetPhaseLabel(ctx, id, phase) })
}

func (b *BreakerGateway) ClearPhaseLabels(ctx context.Context, id string) error {
	return b.guard(ctx, "ClearPhaseLabels", func() error { return b.next.ClearPhaseLabels(ctx, id) })
}

func (b *BreakerGateway) GetCurrentPhase(ctx context.Context, id string) (string, bool, error) {
	var phase string
	var ok bool
	err := b.guard(ctx, "GetCurrentPhase", func() error {
		var innerErr error
		phase, ok, innerErr = b.next.GetCurrentPhase(ctx, id)
		return innerErr
	})
	return phase, ok, err
}

func (b *BreakerGateway) SetHITLLabel(ctx context.Context, id, reason string) error {
	return b.guard(ctx, "SetHITLLabel", func() error { return b.next.SetHITLLabel(ctx, id, reason) })
}

func (b *BreakerGateway) ClearHITLLabels(ctx context.Context, id string) error {
	return b.guard(ctx, "ClearHITLLabels", func() error { return b.next.ClearHITLLabels(ctx, id) })
}

func (b *BreakerGateway) GetHITLReason(ctx context.Context, id string) (string, bool, error) {
	var reason string
	var ok bool
	err := b.guard(ctx, "GetHITLReason", func() error {
		var innerErr error
		reason, ok, innerErr = b.next.GetHITLReason(ctx, id)
		return innerErr
	})
	return reason, ok, err
}

func (b *BreakerGateway) HasExcludedLabel(ctx context.Context, id string) (bool, error) {
	var excluded bool
	err := b.guard(ctx, "HasExcludedLabel", func() error {
		var innerErr error
		excluded, innerErr = b.next.HasExcludedLabel(ctx, id)
		return innerErr
	})
	return excluded, err
}

func (b *BreakerGateway) Close(ctx context.Context, id string) error {
	return b.guard(ctx, "Close", func() error { return b.next.Close(ctx, id) })
}
