package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func fastPolicy(attempts uint) Policy {
	return Policy{Attempts: attempts, Delay: time.Millisecond, Strategy: Linear}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return errConflict
	})

	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 4, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return errors.Is(err, errConflict) }
	fatal := errors.New("boom")

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 100, Delay: 50 * time.Millisecond, Strategy: Constant}

	calls := 0
	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		cancel()
		return errConflict
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestValue_ReturnsResult(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errConflict
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 10 * time.Millisecond, max: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 25*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}
