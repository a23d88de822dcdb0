package pipeline

import "time"

// TaskMetrics is the passive, timestamped record kept per Task. It is
// written by the orchestrator only; presentation is external to the
// core.
type TaskMetrics struct {
	TimeCreated                 time.Time
	TimeCompleted               time.Time
	IsMemoryCacheHit            bool
	WasSubscribedToExistingTask bool
	Cancelled                   bool
}

// SessionMetrics is the passive record kept per Session.
type SessionMetrics struct {
	TimeStarted             time.Time
	TimeDataLoadingStarted  time.Time
	TimeDataLoadingFinished time.Time
	DownloadedByteCount     int64
}
