package pipeline

// cancellationTokenSource produces a one-shot cancellation signal with
// callback registration. Every field is touched only on the
// orchestrator's serial context, so no internal locking is needed —
// single-writer state, confined to one goroutine, same as a connect/
// disconnect lifecycle guard.
type cancellationTokenSource struct {
	cancelled bool
	callbacks []func()
}

func newCancellationTokenSource() *cancellationTokenSource {
	return &cancellationTokenSource{}
}

// token returns the read side of this source.
func (s *cancellationTokenSource) token() *cancellationToken {
	return &cancellationToken{source: s}
}

// cancel fires the token. Idempotent: a second call is a no-op. Callbacks
// run in registration order, each exactly once.
func (s *cancellationTokenSource) cancel() {
	if s.cancelled {
		return
	}
	s.cancelled = true
	cbs := s.callbacks
	s.callbacks = nil
	for _, cb := range cbs {
		cb()
	}
}

// cancellationToken is the read-only view of a cancellationTokenSource
// handed to collaborators that only need to observe or react to
// cancellation, never to cause it.
type cancellationToken struct {
	source *cancellationTokenSource
}

// isCancelling reports whether the source has fired.
func (t *cancellationToken) isCancelling() bool {
	return t.source.cancelled
}

// register appends cb to run when cancel() fires. If the token has
// already fired, cb runs inline, synchronously, before register returns.
func (t *cancellationToken) register(cb func()) {
	if t.source.cancelled {
		cb()
		return
	}
	t.source.callbacks = append(t.source.callbacks, cb)
}
