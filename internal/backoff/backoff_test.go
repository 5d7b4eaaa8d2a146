package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	s := NewExponential(2*time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{200, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestLinear(t *testing.T) {
	s := NewLinear(time.Second, 3*time.Second)
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
	assert.Equal(t, 3*time.Second, s.Delay(9))
}

func TestFromName(t *testing.T) {
	assert.IsType(t, &Linear{}, FromName("LINEAR", time.Second, 0))
	assert.IsType(t, &Exponential{}, FromName("exponential", time.Second, 0))
	assert.IsType(t, &Exponential{}, FromName("fibonacci", time.Second, 0))
}
