package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsInfra_Explicit(t *testing.T) {
	err := Infra(eris.New("search backend down"), 503)
	assert.True(t, IsInfra(err))
	assert.True(t, IsInfra(eris.Wrap(err, "enrich: tier1")))
}

func TestIsInfra_PlainError(t *testing.T) {
	assert.False(t, IsInfra(eris.New("no release found")))
	assert.False(t, IsInfra(nil))
}

func TestIsInfra_NetworkPatterns(t *testing.T) {
	assert.True(t, IsInfra(eris.New("dial tcp: connection refused")))
	assert.True(t, IsInfra(eris.New("read: i/o timeout")))
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 404, 422} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Infra(eris.New("timeout"), 0)), "transport failures are transient")
	assert.True(t, IsTransient(Infra(eris.New("overloaded"), 503)))
	assert.False(t, IsTransient(Infra(eris.New("bad request"), 400)), "a 4xx aborts but is not retried")
	assert.False(t, IsTransient(eris.New("no release found")))
}

func TestDoVal_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, JitterFraction: 0}

	val, err := DoVal(context.Background(), cfg, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", Infra(eris.New("flaky"), 503)
		}
		return "ok", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 2, calls)
}

func TestDoVal_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	_, err := DoVal(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, eris.New("schema violation")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, JitterFraction: 0}

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return Infra(eris.New("still down"), 502)
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		calls++
		return Infra(eris.New("down"), 503)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
