package pipeline

import "github.com/gopherimg/pipeline/imageio"

// session is the orchestrator's internal coalescing unit: every Task whose
// Request resolves to the same LoadKey (or, with deduplication disabled, a
// freshly minted key) subscribes to one session and shares its single
// in-flight fetch.
//
// Every field is touched only on the orchestrator's serial context except
// decoder and buffer, which are written once there when a chunk first
// yields a decoder and from then on used only on the decoding context — safe without a lock
// because the serial-context write happens-before the first decode-context
// closure that reads them, via the channel send that schedules it.
type session struct {
	handle uint64 // stable identity other contexts re-resolve against
	key    any    // LoadKey, or a fresh token when deduplication is disabled

	request Request // the originating Request that started this session

	tasks map[TaskID]*Task

	tokenSource *cancellationTokenSource

	fetchHandle imageio.FetchHandle
	fetchOp     *queuedOp

	decoder imageio.Decoder
	buffer  *imageio.DataBuffer

	partialOpInFlight bool

	completed bool

	metrics SessionMetrics
}

func newSession(handle uint64, key any, request Request) *session {
	return &session{
		handle:      handle,
		key:         key,
		request:     request,
		tasks:       make(map[TaskID]*Task),
		tokenSource: newCancellationTokenSource(),
	}
}

// priority returns the max priority across subscribed Tasks, or
// PriorityNormal if the session has none left.
func (s *session) priority() Priority {
	if len(s.tasks) == 0 {
		return PriorityNormal
	}
	max := PriorityVeryLow
	for _, t := range s.tasks {
		if t.request.Priority > max {
			max = t.request.Priority
		}
	}
	return max
}
