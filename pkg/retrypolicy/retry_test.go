package retrypolicy_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xec-sh/xec-sub005/pkg/retrypolicy"
)

type fakeResult struct {
	exitCode int
	stderr   string
}

func TestRun_ExhaustionReturnsLastFailure(t *testing.T) {
	// spec property 4: with max_retries=n and an always-retryable
	// always-failing attempt, exactly n+1 attempts are made.
	calls := 0
	policy := &retrypolicy.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2}

	outcome := retrypolicy.Run(context.Background(), policy, false,
		func(r fakeResult, err error) bool { return true },
		func(ctx context.Context) (fakeResult, error) {
			calls++
			return fakeResult{exitCode: 1}, errors.New("boom")
		},
	)

	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, outcome.Attempts)
	require.Error(t, outcome.Err)
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	// E2E-2: first two calls fail with a retryable stderr, third succeeds.
	attempts := []fakeResult{
		{exitCode: 1, stderr: "Service temporarily unavailable"},
		{exitCode: 1, stderr: "Service temporarily unavailable"},
		{exitCode: 0, stderr: ""},
	}
	i := 0
	policy := &retrypolicy.Policy{MaxRetries: 3, InitialDelay: 10 * time.Millisecond}

	outcome := retrypolicy.Run(context.Background(), policy, false,
		func(r fakeResult, err error) bool {
			return strings.Contains(r.stderr, "temporarily unavailable")
		},
		func(ctx context.Context) (fakeResult, error) {
			r := attempts[i]
			i++
			return r, nil
		},
	)

	require.NoError(t, outcome.Err)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 0, outcome.Result.exitCode)
}

func TestRun_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	outcome := retrypolicy.Run(context.Background(), retrypolicy.Default(), false,
		func(r fakeResult, err error) bool { return false },
		func(ctx context.Context) (fakeResult, error) {
			calls++
			return fakeResult{exitCode: 1}, errors.New("permanent")
		},
	)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outcome.Attempts)
	require.Error(t, outcome.Err)
}

func TestRun_SuppressReturnsLastResultNoError(t *testing.T) {
	outcome := retrypolicy.Run(context.Background(), &retrypolicy.Policy{MaxRetries: 1, InitialDelay: time.Millisecond}, true,
		func(r fakeResult, err error) bool { return true },
		func(ctx context.Context) (fakeResult, error) {
			return fakeResult{exitCode: 7}, nil
		},
	)

	require.NoError(t, outcome.Err)
	assert.Equal(t, 7, outcome.Result.exitCode)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestRun_Timing(t *testing.T) {
	// spec property 5: gap between attempt k and k+1 is within +/-10%
	// of d*m^(k-1) absent jitter. The assertions below allow wider slack
	// (10ms and 16ms) for scheduler noise.
	var timestamps []time.Time
	policy := &retrypolicy.Policy{MaxRetries: 2, InitialDelay: 40 * time.Millisecond, BackoffMultiplier: 2, Jitter: false}

	retrypolicy.Run(context.Background(), policy, false,
		func(r fakeResult, err error) bool { return true },
		func(ctx context.Context) (fakeResult, error) {
			timestamps = append(timestamps, time.Now())
			return fakeResult{exitCode: 1}, errors.New("fail")
		},
	)

	require.Len(t, timestamps, 3)
	gap1 := timestamps[1].Sub(timestamps[0])
	gap2 := timestamps[2].Sub(timestamps[1])
	assert.InDelta(t, 40*time.Millisecond, gap1, float64(10*time.Millisecond))
	assert.InDelta(t, 80*time.Millisecond, gap2, float64(16*time.Millisecond))
}

func TestRun_CancellationStopsFurtherAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := &retrypolicy.Policy{MaxRetries: 5, InitialDelay: 5 * time.Millisecond}

	outcome := retrypolicy.Run(ctx, policy, false,
		func(r fakeResult, err error) bool { return true },
		func(ctx context.Context) (fakeResult, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return fakeResult{exitCode: 1}, errors.New("fail")
		},
	)

	require.Error(t, outcome.Err)
	assert.LessOrEqual(t, calls, 3)
}
