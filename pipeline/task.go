package pipeline

import "github.com/gopherimg/pipeline/imageio"

// TaskID identifies a Task for its lifetime. IDs are assigned in
// submission order and never reused.
type TaskID uint64

// ProgressFunc reports accumulated download progress. total is -1 when the
// response did not carry a content length.
type ProgressFunc func(completed, total int64)

// PartialFunc delivers a progressively-decoded or partially-processed
// image. It may be called zero or more times before the completion sink.
type PartialFunc func(img *imageio.Image)

// CompletionFunc delivers the final outcome exactly once.
type CompletionFunc func(img *imageio.Image, err error)

// Sinks bundles the callbacks a caller attaches to a load. OnProgress and
// OnPartialImage are optional; OnCompletion is normally set.
type Sinks struct {
	OnProgress     ProgressFunc
	OnPartialImage PartialFunc
	OnCompletion   CompletionFunc
}

// Task is the public handle returned by Orchestrator.LoadImage. A Task
// holds no pointer back to its Session — only the session's handle — so a
// stale Task interacting with a since-replaced Session safely resolves to
// nothing instead of reaching the wrong object.
//
// Every field below request is touched only on the orchestrator's serial
// context; Task's public methods are thin wrappers that hop onto that
// context rather than synchronizing directly.
type Task struct {
	id   TaskID
	orch *Orchestrator

	request Request
	sinks   Sinks

	sessionHandle uint64 // 0 until attached to a Session
	cancelled     bool
	metrics       TaskMetrics
}

// ID returns the Task's identity. Safe to call from any goroutine.
func (t *Task) ID() TaskID { return t.id }

// Cancel detaches the Task from its Session, if any. The cancellation is
// applied asynchronously on the orchestrator's serial context; once it has
// been applied the completion sink is not invoked, but a completion that
// was already scheduled before that point may still fire.
func (t *Task) Cancel() { t.orch.cancelTask(t) }

// SetPriority changes the Task's effective priority, which may change the
// queue priority of the underlying fetch.
func (t *Task) SetPriority(p Priority) { t.orch.setTaskPriority(t, p) }

// Metrics returns a snapshot of the Task's metrics record. The read is
// marshalled through the orchestrator's serial context for consistency.
func (t *Task) Metrics() TaskMetrics { return t.orch.taskMetrics(t) }
