package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
)

// Outcome labels for provider call observations.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeUpstream = "upstream"
	OutcomeCanceled = "canceled"
	OutcomeOther    = "error"
)

// Observer records provider call latencies.
type Observer interface {
	ObserveProviderCall(provider, op, outcome string, d time.Duration)
}

// CallSpec bounds and labels a single provider call.
type CallSpec struct {
	Provider string
	Op       string
	Timeout  time.Duration
	Logger   zerolog.Logger
	Observer Observer
}

// Call runs fn once under spec.Timeout and translates its failure. A deadline
// we imposed becomes a TimeoutError carrying the elapsed time; unclassified
// errors become UpstreamErrors. Caller cancellation is returned as is.
// Failed calls are never retried here: a provider answering 429 or 5xx may be
// out of quota, and the caller decides whether to try again.
func Call[T any](ctx context.Context, spec CallSpec, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	out, err := fn(callCtx)
	elapsed := time.Since(start)

	if err == nil {
		observe(spec, OutcomeOK, elapsed)
		return out, nil
	}

	var zero T
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		observe(spec, OutcomeCanceled, elapsed)
		return zero, ctx.Err()
	case callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		observe(spec, OutcomeTimeout, elapsed)
		spec.Logger.Error().
			Str("provider", spec.Provider).
			Str("op", spec.Op).
			Dur("elapsed", elapsed).
			Dur("timeout", spec.Timeout).
			Msg("provider call timed out")
		return zero, apperr.Timeout(spec.Provider, spec.Op, elapsed, err)
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Upstream(spec.Provider, spec.Op, 0, err)
	}
	if ae.Kind == apperr.KindUpstream {
		observe(spec, OutcomeUpstream, elapsed)
		spec.Logger.Warn().
			Str("provider", spec.Provider).
			Str("op", spec.Op).
			Int("status", ae.Status).
			Bool("retryable", IsRetryableHTTPStatus(ae.Status)).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("provider call failed")
	} else {
		observe(spec, OutcomeOther, elapsed)
	}
	return zero, ae
}

func observe(spec CallSpec, outcome string, d time.Duration) {
	if spec.Observer != nil {
		spec.Observer.ObserveProviderCall(spec.Provider, spec.Op, outcome, d)
	}
}
