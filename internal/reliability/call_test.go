package reliability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
)

func TestCallTimeoutIsDistinctFromUpstream(t *testing.T) {
	var buf bytes.Buffer
	spec := CallSpec{Provider: "gemini", Op: "chat", Timeout: 20 * time.Millisecond, Logger: zerolog.New(&buf)}

	_, err := Call(context.Background(), spec, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("timeout must not classify as upstream")
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Elapsed < 20*time.Millisecond {
		t.Fatalf("elapsed not recorded: %+v", ae)
	}
	logged := buf.String()
	if !strings.Contains(logged, `"provider":"gemini"`) || !strings.Contains(logged, `"elapsed"`) {
		t.Fatalf("log missing provider or elapsed: %s", logged)
	}
}

func TestCallWrapsUnclassifiedErrorsAsUpstream(t *testing.T) {
	_, err := Call(context.Background(), CallSpec{Provider: "openai", Op: "embed"}, func(context.Context) (int, error) {
		return 0, errors.New("connection reset")
	})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("err = %v, want upstream", err)
	}
}

func TestCallPassesThroughValidation(t *testing.T) {
	var calls atomic.Int32
	_, err := Call(context.Background(), CallSpec{Provider: "weather", Op: "run"}, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, apperr.Validation("city is required")
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCallDoesNotRetryUpstreamFailures(t *testing.T) {
	var calls atomic.Int32
	var buf bytes.Buffer
	spec := CallSpec{Provider: "news", Op: "search", Logger: zerolog.New(&buf)}

	_, err := Call(context.Background(), spec, func(context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.Upstream("news", "search", 503, nil)
	})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("err = %v, want upstream", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) || !strings.Contains(buf.String(), `"retryable":true`) {
		t.Fatalf("upstream failure not surfaced in log: %s", buf.String())
	}
}

func TestCallReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, CallSpec{Provider: "gemini", Op: "chat", Timeout: time.Second}, func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

type recordingObserver struct{ outcomes []string }

func (r *recordingObserver) ObserveProviderCall(_, _ string, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestCallObservesOutcome(t *testing.T) {
	obs := &recordingObserver{}
	_, _ = Call(context.Background(), CallSpec{Provider: "p", Op: "o", Observer: obs}, func(context.Context) (int, error) {
		return 1, nil
	})
	if len(obs.outcomes) != 1 || obs.outcomes[0] != OutcomeOK {
		t.Fatalf("outcomes = %v", obs.outcomes)
	}
}
