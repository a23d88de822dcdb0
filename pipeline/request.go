package pipeline

import "github.com/gopherimg/pipeline/imageio"

// Priority orders Tasks and the Sessions that host them. Larger values run
// first.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

// Request is an immutable per-submission description of what to load.
// Mutating a Request after submission is not supported; use
// Task.SetPriority to change a Task's effective priority instead.
type Request struct {
	Resource   *imageio.URLRequest
	Processor  imageio.Processor // optional; nil means "no processing"
	Priority   Priority
	CacheRead  bool
	CacheWrite bool
}

// LoadKey is the deduplication key: requests that resolve to an equal
// LoadKey share one Session. Two Requests with equivalent processors (by
// Processor.Identity()) collapse onto the same key.
type LoadKey struct {
	ResourceID        string
	ProcessorIdentity any
}

// Key derives the Request's LoadKey.
func (r *Request) Key() LoadKey {
	return LoadKey{
		ResourceID:        r.Resource.URL,
		ProcessorIdentity: processorIdentity(r.Processor),
	}
}

// CacheKey derives the Request's memory-cache key; identical in structure
// to LoadKey by default.
func (r *Request) CacheKey() imageio.CacheKey {
	return imageio.CacheKey{
		ResourceID:        r.Resource.URL,
		ProcessorIdentity: processorIdentity(r.Processor),
	}
}

func processorIdentity(p imageio.Processor) any {
	if p == nil {
		return nil
	}
	return p.Identity()
}
