package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 50 * time.Millisecond
	max := time.Second

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: -1, expected: base},
		{attempt: 0, expected: base},
		{attempt: 1, expected: 100 * time.Millisecond},
		{attempt: 3, expected: 400 * time.Millisecond},
		{attempt: 5, expected: max},
		{attempt: 40, expected: max},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Backoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}
