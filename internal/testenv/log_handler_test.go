package testenv

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLogHandler(t *testing.T) {
	h := NewTestLogHandler(t, WithIgnoreDebug())
	l := slog.New(h).With("component", "test")

	l.Debug("dropped")
	l.Info("first", "k", 1)
	l.Error("second")

	assert.Equal(t, []string{
		"[0] INFO: first component=test, k=1",
		"[1] ERROR: second component=test",
	}, h.Records())
}
