package quill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, Retry(0).Policy().MaxAttempts)
	require.Equal(t, 1, Retry(-5).Policy().MaxAttempts)
}

func TestRetry_WithExponentialBackoff_UsesDefaultMultiplier(t *testing.T) {
	p := Retry(3).
		WithExponentialBackoff(100*time.Millisecond, 0, 2*time.Second).
		Policy()

	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	require.Equal(t, 2*time.Second, p.MaxBackoff)
	require.Equal(t, 2.0, p.BackoffMultiplier)

	require.Equal(t, 100*time.Millisecond, p.Delay(1, nil))
	require.Equal(t, 200*time.Millisecond, p.Delay(2, nil))
	require.Equal(t, 400*time.Millisecond, p.Delay(3, nil))
}

func TestRetry_WithExponentialBackoff_CapsAtMax(t *testing.T) {
	p := Retry(10).
		WithExponentialBackoff(50*time.Millisecond, 3.0, 500*time.Millisecond).
		Policy()

	require.Equal(t, 450*time.Millisecond, p.Delay(3, nil))
	require.Equal(t, 500*time.Millisecond, p.Delay(4, nil))
	require.Equal(t, 500*time.Millisecond, p.Delay(9, nil))
}

func TestRetry_WithConstantBackoff(t *testing.T) {
	p := Retry(5).WithConstantBackoff(30 * time.Millisecond).Policy()

	require.Equal(t, 1.0, p.BackoffMultiplier)
	for retry := 1; retry < 5; retry++ {
		require.Equal(t, 30*time.Millisecond, p.Delay(retry, nil))
	}
}

func TestRetry_JitterIsClamped(t *testing.T) {
	require.Equal(t, 1.0, Retry(2).WithJitter(4).Policy().Jitter)
	require.Equal(t, 0.0, Retry(2).WithJitter(-1).Policy().Jitter)

	p := Retry(2).WithConstantBackoff(100 * time.Millisecond).WithJitter(0.5).Policy()
	require.Equal(t, 50*time.Millisecond, p.Delay(1, func() float64 { return 0 }))
	require.Equal(t, 100*time.Millisecond, p.Delay(1, func() float64 { return 0.5 }))
}

func TestRetry_ImmediateClearsBackoff(t *testing.T) {
	p := Retry(4).
		WithExponentialBackoff(time.Second, 2, time.Minute).
		WithJitter(0.3).
		WithAttemptTimeout(5 * time.Second).
		Immediate().
		Policy()

	require.Equal(t, 4, p.MaxAttempts)
	require.Zero(t, p.InitialBackoff)
	require.Zero(t, p.Jitter)
	require.Equal(t, 5*time.Second, p.Timeout)
	require.Zero(t, p.Delay(2, nil))
}
