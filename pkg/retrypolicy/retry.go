// Package retrypolicy implements the retry/timeout/cancellation
// wrapper from spec §4.7. It wraps a single attempt function generic
// over the attempt's result type, so it has no dependency on the
// command/adapter packages it is used to wrap (they depend on it, not
// the other way around) — grounded on the teacher's own retry
// decorator (cli/internal/builtins/retry.go) and on
// invowk-invowk/internal/container/retry.go's ctx-aware backoff loop.
package retrypolicy

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// Policy configures bounded retries with exponential backoff (spec §4.7).
type Policy struct {
	MaxRetries        int           // total attempts = 1 + MaxRetries
	InitialDelay      time.Duration
	BackoffMultiplier float64       // default 2
	MaxDelay          time.Duration // 0 means uncapped
	Jitter            bool          // uniform +/-25%; Default() enables it, the zero value does not

	// OnRetry is called after a failed, retryable attempt, before the
	// backoff sleep. attempt is 1-indexed.
	OnRetry func(attempt int, result any, err error)
}

// Default returns the spec's default policy: no retries, 2x backoff,
// jitter enabled.
func Default() *Policy {
	return &Policy{
		MaxRetries:        0,
		InitialDelay:      0,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// IsRetryable classifies an attempt's outcome. result carries whatever
// the wrapped attempt returned (e.g. *command.Result); err is non-nil
// for transport-level failures. The spec default is "any non-zero exit
// code is retryable; any caught transport error is retryable" — callers
// supply that classification since Policy itself doesn't know the
// result's shape.
type IsRetryable[T any] func(result T, err error) bool

// Outcome is returned by Run, reporting how many attempts were made in
// addition to the final (result, error) pair — used by tests asserting
// spec property 4 ("exactly n+1 attempts").
type Outcome[T any] struct {
	Result   T
	Err      error
	Attempts int
}

// Run executes attempt up to 1+p.MaxRetries times, sleeping with
// exponential backoff between retryable failures, honoring ctx
// cancellation between and during attempts (spec §4.7, §5). suppress,
// when true, mirrors Command.SuppressThrow: Run always returns the last
// (result, nil) pair on exhaustion rather than an error, letting the
// caller decide whether a failing final Result is itself an error.
func Run[T any](
	ctx context.Context,
	p *Policy,
	suppress bool,
	isRetryable IsRetryable[T],
	attempt func(ctx context.Context) (T, error),
) Outcome[T] {
	if p == nil {
		p = Default()
	}
	totalAttempts := 1 + p.MaxRetries
	if totalAttempts < 1 {
		totalAttempts = 1
	}

	var (
		result T
		err    error
	)

	for k := 1; k <= totalAttempts; k++ {
		if ctx.Err() != nil {
			return Outcome[T]{Result: result, Err: xecerr.New(xecerr.Cancelled, "", "", ctx.Err()), Attempts: k - 1}
		}

		result, err = attempt(ctx)

		retryable := isRetryable != nil && isRetryable(result, err)
		failed := err != nil || retryable
		if !failed {
			return Outcome[T]{Result: result, Err: nil, Attempts: k}
		}
		if !retryable {
			// Non-retryable failure: surface immediately regardless of
			// suppress, matching spec's per-attempt classification.
			return Outcome[T]{Result: result, Err: err, Attempts: k}
		}
		if k == totalAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(k, result, err)
		}

		delay := backoffDelay(p, k)
		if err := sleepCtx(ctx, delay); err != nil {
			return Outcome[T]{Result: result, Err: xecerr.New(xecerr.Cancelled, "", "", err), Attempts: k}
		}
	}

	// Exhausted all retries on a retryable failure.
	if suppress {
		return Outcome[T]{Result: result, Err: nil, Attempts: totalAttempts}
	}
	if err == nil {
		err = fmt.Errorf("retry exhausted after %d attempts", totalAttempts)
	}
	return Outcome[T]{Result: result, Err: err, Attempts: totalAttempts}
}

// backoffDelay computes min(maxDelay, initialDelay*multiplier^(k-1))
// perturbed by uniform +/-25% jitter when enabled (spec §4.7/§8 property 5).
func backoffDelay(p *Policy, k int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(p.InitialDelay) * pow(mult, k-1)
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		// uniform in [0.75, 1.25] of the scheduled delay
		factor := 0.75 + rand.Float64()*0.5
		delay *= factor
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
