package tormgr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopLogger(t *testing.T) {
	var l Logger = noopLogger{}
	assert.NotPanics(t, func() {
		l.Log("info", "msg", "key", "value")
	})
}

func TestBtclogAdapter(t *testing.T) {
	var buf bytes.Buffer
	backend := NewBtclogBackend(&buf)
	logger := NewBtclogAdapter(backend, "TEST")

	logger.Log("info", "hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestNewBtclogAdapterNilBackend(t *testing.T) {
	logger := NewBtclogAdapter(nil, "TEST")
	assert.IsType(t, noopLogger{}, logger)
}

func TestFormatKV(t *testing.T) {
	assert.Equal(t, "msg", formatKV("msg", nil))
	assert.Equal(t, "msg a=1", formatKV("msg", []any{"a", 1}))
	assert.Equal(t, "msg a=<missing>", formatKV("msg", []any{"a"}))
}
