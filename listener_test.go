package tormgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerRegistryDispatchOrder(t *testing.T) {
	r := newListenerRegistry()
	var order []string

	r.register("BW", func(Frame) { order = append(order, "specific") }, false)
	r.register("", func(Frame) { order = append(order, "wildcard") }, false)

	r.dispatch("BW", Frame{Payload: "BW 100 200"})

	require.Equal(t, []string{"specific", "wildcard"}, order)
}

func TestListenerRegistryCancel(t *testing.T) {
	r := newListenerRegistry()
	var calls int
	cancel := r.register("NOTICE", func(Frame) { calls++ }, false)

	r.dispatch("NOTICE", Frame{})
	cancel()
	r.dispatch("NOTICE", Frame{})

	assert.Equal(t, 1, calls)
}

func TestListenerRegistryClearNonStatic(t *testing.T) {
	r := newListenerRegistry()
	var staticCalls, dynamicCalls int
	r.register("WARN", func(Frame) { staticCalls++ }, true)
	r.register("WARN", func(Frame) { dynamicCalls++ }, false)

	r.clearNonStatic()
	r.dispatch("WARN", Frame{})

	assert.Equal(t, 1, staticCalls)
	assert.Equal(t, 0, dynamicCalls)
}

func TestListenerRegistryUnregisterTag(t *testing.T) {
	r := newListenerRegistry()
	var calls int
	r.registerWithExecutor("ERR", func(Frame) { calls++ }, true, "ui-screen-1", nil)
	r.registerWithExecutor("ERR", func(Frame) { calls++ }, false, "ui-screen-2", nil)

	r.unregisterTag("ui-screen-1")
	r.dispatch("ERR", Frame{})

	assert.Equal(t, 1, calls)
}

func TestListenerRegistryExecutorMarshaling(t *testing.T) {
	r := newListenerRegistry()
	var marshaled bool
	r.registerWithExecutor("BW", func(Frame) {}, false, "", func(fn func()) {
		marshaled = true
		fn()
	})

	r.dispatch("BW", Frame{})

	assert.True(t, marshaled)
}

func TestListenerRegistryRecoversPanickingHandlerRepublishesAsError(t *testing.T) {
	r := newListenerRegistry()
	var secondCalled bool
	var errPayload string
	r.register("WARN", func(Frame) { panic("boom") }, false)
	r.register("WARN", func(Frame) { secondCalled = true }, false)
	r.register("Error", func(f Frame) { errPayload = f.Payload }, false)

	assert.NotPanics(t, func() { r.dispatch("WARN", Frame{}) })
	assert.True(t, secondCalled, "the panic must not stop the rest of the snapshot from running")
	assert.Contains(t, errPayload, "boom")
}

func TestListenerRegistryPanicReraisesWithoutErrorListener(t *testing.T) {
	r := newListenerRegistry()
	r.register("WARN", func(Frame) { panic("boom") }, false)

	assert.Panics(t, func() { r.dispatch("WARN", Frame{}) })
}

func TestListenerRegistryErrorListenerPanicNotRepublished(t *testing.T) {
	r := newListenerRegistry()
	r.register("Error", func(Frame) { panic("meta-boom") }, false)

	assert.NotPanics(t, func() { r.dispatch("Error", Frame{}) })
}
