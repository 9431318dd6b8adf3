package tormgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuedJobSucceed(t *testing.T) {
	job := newJob(nil)
	require.Equal(t, JobEnqueued, job.State())

	var gotState JobState
	var gotResult any
	job.InvokeOnCompletion(func(s JobState, r any, err error) {
		gotState, gotResult = s, r
		assert.NoError(t, err)
	})

	job.markExecuting()
	assert.Equal(t, JobExecuting, job.State())
	job.succeed("ok")

	assert.Equal(t, JobSuccess, job.State())
	assert.Equal(t, JobSuccess, gotState)
	assert.Equal(t, "ok", gotResult)

	result, err := job.Result()
	assert.Equal(t, "ok", result)
	assert.NoError(t, err)
}

func TestEnqueuedJobFail(t *testing.T) {
	job := newJob(nil)
	job.fail(assert.AnError)

	assert.Equal(t, JobError, job.State())
	_, err := job.Result()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEnqueuedJobCompletionIsOneShot(t *testing.T) {
	job := newJob(nil)
	var calls int
	job.InvokeOnCompletion(func(JobState, any, error) { calls++ })

	job.succeed("first")
	job.succeed("second")

	assert.Equal(t, 1, calls)
	result, _ := job.Result()
	assert.Equal(t, "first", result)
}

func TestEnqueuedJobInvokeOnCompletionAfterTerminalRunsSynchronously(t *testing.T) {
	job := newJob(nil)
	job.succeed("done")

	var called bool
	job.InvokeOnCompletion(func(JobState, any, error) { called = true })

	assert.True(t, called)
}

func TestEnqueuedJobCancelBeforeExecuting(t *testing.T) {
	var cancelled bool
	job := newJob(func() { cancelled = true })

	job.Cancel()

	assert.True(t, cancelled)
}

func TestEnqueuedJobCancelAfterTerminalIsNoop(t *testing.T) {
	var cancelFnCalled bool
	job := newJob(func() { cancelFnCalled = true })
	job.succeed("done")

	job.Cancel()

	assert.False(t, cancelFnCalled)
	assert.Equal(t, JobSuccess, job.State())
}
