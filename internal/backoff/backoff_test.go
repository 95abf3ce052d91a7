package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicyJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Second, Jitter: 100 * time.Millisecond}
	for range 20 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+100*time.Millisecond)
	}
}

func TestPolicyDefaults(t *testing.T) {
	assert.Equal(t, DefaultBase, Policy{}.Delay(1))
	now := time.Now()
	assert.Equal(t, now.Add(2*time.Second), Policy{Base: time.Second, Max: time.Minute}.After(now, 2))
}

func TestNext(t *testing.T) {
	assert.Equal(t, 2*time.Second, Next(0, time.Second, time.Minute))
	assert.Equal(t, 8*time.Second, Next(4*time.Second, time.Second, time.Minute))
	assert.Equal(t, time.Minute, Next(50*time.Second, time.Second, time.Minute))
}
