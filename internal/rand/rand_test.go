package rand

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRequestID(t *testing.T) {
	for _, n := range []int{1, 7, 8, 16, 33} {
		id := NewRequestID(n)
		assert.Len(t, id, n)
		for _, c := range id {
			assert.True(t, strings.ContainsRune(charset, c))
		}
	}

	assert.NotEqual(t, NewRequestID(16), NewRequestID(16))
}

func TestJitter(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := Jitter(base, 0.3)
		assert.GreaterOrEqual(t, d, 7*time.Second)
		assert.LessOrEqual(t, d, 13*time.Second)
	}
	assert.Equal(t, base, Jitter(base, 0))
}
