package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "replica health check")
		panic("replica gone")
	})

	out := buf.String()
	assert.Contains(t, out, "recovered panic")
	assert.Contains(t, out, "replica gone")
	assert.Contains(t, out, `"where":"replica health check"`)
	assert.Contains(t, out, "stack")
}

func TestLogPanic_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, LogPanic(NewLogger(InfoLevel, &buf), "sweep", nil))
	assert.Empty(t, buf.String())
	assert.True(t, LogPanic(nil, "sweep", "boom"))
}
