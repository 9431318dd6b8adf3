package tormgr

import (
	"sync"

	"github.com/google/uuid"
)

// JobState is the terminal/non-terminal state of an EnqueuedJob.
type JobState string

const (
	JobEnqueued  JobState = "enqueued"
	JobExecuting JobState = "executing"
	JobSuccess   JobState = "success"
	JobError     JobState = "error"
	JobCancelled JobState = "cancelled"
)

// isTerminal reports whether s is one of the three irreversible terminal
// states.
func (s JobState) isTerminal() bool {
	return s == JobSuccess || s == JobError || s == JobCancelled
}

// EnqueuedJob is a handle representing an in-progress or pending
// command, or a lifecycle action (Start/Stop/Restart/Controller). Its
// state machine is Enqueued -> Executing -> (Success | Error |
// Cancelled); terminal states are irreversible, and each job completes
// exactly once. invokeOnCompletion hooks registered before or after
// completion all fire exactly once, in registration order.
type EnqueuedJob struct {
	id uuid.UUID

	mu       sync.Mutex
	state    JobState
	result   any
	err      error
	onDone   []func(JobState, any, error)
	cancelFn func()
}

// newJob constructs a job in the Enqueued state. cancelFn, if non-nil,
// is invoked by Cancel whenever the job has not yet reached a terminal
// state, whether it is still enqueued or already executing.
func newJob(cancelFn func()) *EnqueuedJob {
	return &EnqueuedJob{
		id:       uuid.New(),
		state:    JobEnqueued,
		cancelFn: cancelFn,
	}
}

// ID returns the job's unique identifier.
func (j *EnqueuedJob) ID() uuid.UUID {
	return j.id
}

// State returns the job's current state.
func (j *EnqueuedJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the job's result and error once it has reached a
// terminal state; both are zero while still pending.
func (j *EnqueuedJob) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// InvokeOnCompletion registers fn to run once the job reaches a
// terminal state, for caller-side cleanup. If the job has already
// terminated, fn is invoked synchronously before InvokeOnCompletion
// returns.
func (j *EnqueuedJob) InvokeOnCompletion(fn func(state JobState, result any, err error)) {
	j.mu.Lock()
	if j.state.isTerminal() {
		state, result, err := j.state, j.result, j.err
		j.mu.Unlock()
		fn(state, result, err)
		return
	}
	j.onDone = append(j.onDone, fn)
	j.mu.Unlock()
}

// Cancel attempts to cancel the job. It has no effect once the job has
// reached a terminal state or begun executing without a registered
// cancelFn (the caller must instead wait for its natural completion,
// per the at-most-one-in-flight cancellation-safety invariant).
func (j *EnqueuedJob) Cancel() {
	j.mu.Lock()
	if j.state.isTerminal() {
		j.mu.Unlock()
		return
	}
	cancelFn := j.cancelFn
	j.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
}

// markExecuting transitions Enqueued -> Executing.
func (j *EnqueuedJob) markExecuting() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobEnqueued {
		j.state = JobExecuting
	}
}

// complete transitions the job to a terminal state exactly once,
// running every registered completion hook. Calling complete on an
// already-terminal job is a no-op.
func (j *EnqueuedJob) complete(state JobState, result any, err error) {
	j.mu.Lock()
	if j.state.isTerminal() {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.result = result
	j.err = err
	hooks := j.onDone
	j.onDone = nil
	j.mu.Unlock()

	for _, fn := range hooks {
		fn(state, result, err)
	}
}

// succeed completes the job with a successful result.
func (j *EnqueuedJob) succeed(result any) { j.complete(JobSuccess, result, nil) }

// fail completes the job with an error.
func (j *EnqueuedJob) fail(err error) { j.complete(JobError, nil, err) }

// cancel completes the job as cancelled, per the EnqueuedJob cancellation
// contract.
func (j *EnqueuedJob) cancel() { j.complete(JobCancelled, nil, newError(ErrCancelled, opSession, "job cancelled", nil)) }
