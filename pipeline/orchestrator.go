// Package pipeline implements the concurrent image-loading orchestration
// core: deduplicating fetches behind Sessions, fanning results out to
// subscribed Tasks, and running fetch/decode/process work under bounded
// concurrency and a token-bucket rate limiter.
package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gopherimg/pipeline/imageio"
)

// Orchestrator is the pipeline's single entry point. All shared state
// (the session table, the bounded queues, the rate limiter) is touched
// only from one internal goroutine — the "serial context" — so the
// orchestrator needs no locks of its own for that state. Three contexts
// run as dedicated goroutines draining channels of closures:
//
//   - the serial (orchestrator) context: session bookkeeping, queue and
//     rate-limiter decisions, all state transitions.
//   - the delivery context: invokes Task completion/progress/partial
//     callbacks, kept off the serial context so slow caller code can never
//     stall bookkeeping.
//   - the decoding context: runs Decoder.Decode and DataBuffer.Append,
//     kept off the serial context because decoding is CPU work.
type Orchestrator struct {
	cfg Config
	log *zap.SugaredLogger

	commands chan func()
	delivery chan func()
	decodeCh chan func()

	fetchQueue   *boundedQueue
	processQueue *boundedQueue
	limiter      *rateLimiter
	cache        memoryCacheAdapter

	sessions map[any]*session
	byHandle map[uint64]*session

	nextHandle uint64

	taskIDMu sync.Mutex
	nextTask TaskID

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Orchestrator and starts its three context goroutines.
// Call Close when done with it to stop them.
func New(cfg Config) *Orchestrator {
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 6
	}
	if cfg.ProcessingConcurrency <= 0 {
		cfg.ProcessingConcurrency = 2
	}
	o := &Orchestrator{
		cfg:          cfg,
		log:          cfg.logger(),
		commands:     make(chan func(), 256),
		delivery:     make(chan func(), 256),
		decodeCh:     make(chan func(), 256),
		fetchQueue:   newBoundedQueue(cfg.FetchConcurrency),
		processQueue: newBoundedQueue(cfg.ProcessingConcurrency),
		cache:        newMemoryCacheAdapter(cfg.ImageCache),
		sessions:     make(map[any]*session),
		byHandle:     make(map[uint64]*session),
		stopCh:       make(chan struct{}),
	}
	o.limiter = newRateLimiter(cfg.RateLimiterCapacity, cfg.RateLimiterRefillPerSecond, o.postSerial)

	o.wg.Add(3)
	go o.runLoop(o.commands)
	go o.runLoop(o.delivery)
	go o.runLoop(o.decodeCh)
	return o
}

// Close stops all three context goroutines. Safe to call once; pending
// Tasks do not receive a completion callback.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

func (o *Orchestrator) runLoop(ch chan func()) {
	defer o.wg.Done()
	for {
		select {
		case fn := <-ch:
			fn()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) postSerial(fn func()) {
	select {
	case o.commands <- fn:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) postDelivery(fn func()) {
	select {
	case o.delivery <- fn:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) postDecode(fn func()) {
	select {
	case o.decodeCh <- fn:
	case <-o.stopCh:
	}
}

// LoadImage submits a Request and returns a Task immediately; all
// subsequent work happens asynchronously on the orchestrator's contexts.
func (o *Orchestrator) LoadImage(req Request, sinks Sinks) *Task {
	t := &Task{
		id:      o.allocTaskID(),
		orch:    o,
		request: req,
		sinks:   sinks,
	}
	t.metrics.TimeCreated = time.Now()
	o.postSerial(func() { o.resolveSession(t) })
	return t
}

func (o *Orchestrator) allocTaskID() TaskID {
	o.taskIDMu.Lock()
	defer o.taskIDMu.Unlock()
	o.nextTask++
	return o.nextTask
}

// resolveSession runs on the serial context: pre-flight cancel check,
// cache probe, session lookup-or-creation, then task attachment.
func (o *Orchestrator) resolveSession(t *Task) {
	if t.cancelled {
		return
	}

	if img, ok := o.cache.get(t.request); ok {
		t.metrics.IsMemoryCacheHit = true
		o.finishTask(t, img, nil)
		return
	}

	key := o.sessionKey(t.request)
	sess, exists := o.sessions[key]
	if !exists {
		o.nextHandle++
		sess = newSession(o.nextHandle, key, t.request)
		o.sessions[key] = sess
		o.byHandle[sess.handle] = sess
		sess.metrics.TimeStarted = time.Now()
		o.log.Debugw("session started", "resource", sess.request.Resource.URL, "handle", sess.handle)
	} else {
		t.metrics.WasSubscribedToExistingTask = true
	}

	// Attach before starting the fetch: an immediate Load error completes
	// the session synchronously, and the Task must already be subscribed
	// to receive that outcome.
	sess.tasks[t.id] = t
	t.sessionHandle = sess.handle
	if !exists {
		o.startFetch(sess)
	}
	o.updateFetchPriority(sess)
}

func (o *Orchestrator) sessionKey(req Request) any {
	if !o.cfg.DeduplicationEnabled {
		return uuid.NewString()
	}
	return req.Key()
}

// cancelTask detaches a Task from its Session, tearing the Session down
// if it was the last subscriber.
func (o *Orchestrator) cancelTask(t *Task) {
	o.postSerial(func() {
		if t.cancelled {
			return
		}
		t.cancelled = true
		t.metrics.Cancelled = true

		if t.sessionHandle == 0 {
			return
		}
		sess := o.byHandle[t.sessionHandle]
		if sess == nil {
			return
		}
		delete(sess.tasks, t.id)
		if len(sess.tasks) == 0 && !sess.completed {
			sess.tokenSource.cancel()
			o.removeSession(sess)
			return
		}
		o.updateFetchPriority(sess)
	})
}

// setTaskPriority updates a Task's priority and, if it is attached to a
// Session, re-derives that Session's effective fetch priority.
func (o *Orchestrator) setTaskPriority(t *Task, p Priority) {
	o.postSerial(func() {
		if t.cancelled {
			return
		}
		t.request.Priority = p
		if t.sessionHandle == 0 {
			return
		}
		sess := o.byHandle[t.sessionHandle]
		if sess == nil {
			return
		}
		o.updateFetchPriority(sess)
	})
}

func (o *Orchestrator) taskMetrics(t *Task) TaskMetrics {
	result := make(chan TaskMetrics, 1)
	o.postSerial(func() { result <- t.metrics })
	select {
	case m := <-result:
		return m
	case <-o.stopCh:
		return t.metrics
	}
}

func (o *Orchestrator) updateFetchPriority(sess *session) {
	if sess.fetchOp != nil {
		o.fetchQueue.setPriority(sess.fetchOp, sess.priority())
	}
}

func (o *Orchestrator) removeSession(sess *session) {
	if existing, ok := o.sessions[sess.key]; ok && existing == sess {
		delete(o.sessions, sess.key)
	}
	if o.byHandle[sess.handle] == sess {
		delete(o.byHandle, sess.handle)
	}
}

// sessionLive reports whether sess is still the orchestrator's current
// session for its handle. It goes false the moment removeSession runs,
// whether that happened via completion or via the last subscriber
// cancelling — any handler still holding a direct *session pointer past
// that point must check this before acting on it.
func (o *Orchestrator) sessionLive(sess *session) bool {
	return o.byHandle[sess.handle] == sess
}

// startFetch begins the fetch phase: gate submission to the fetch queue
// behind the rate limiter (if enabled), respecting the session's
// cancellation token.
func (o *Orchestrator) startFetch(sess *session) {
	// Stamped at submission, not at actual dequeue/launch — a deliberate
	// approximation kept rather than made more precise.
	sess.metrics.TimeDataLoadingStarted = time.Now()
	submit := func() { o.submitFetchOp(sess) }
	if o.cfg.RateLimiterEnabled {
		o.limiter.execute(sess.tokenSource.token(), submit)
		return
	}
	submit()
}

func (o *Orchestrator) submitFetchOp(sess *session) {
	op := o.fetchQueue.submit(sess.priority(), func(op *queuedOp) {
		o.launchFetch(sess, op)
	})
	sess.fetchOp = op

	sess.tokenSource.token().register(func() {
		if sess.fetchHandle != nil {
			sess.fetchHandle.Cancel()
		}
		o.fetchQueue.cancel(op)
		o.fetchQueue.finish(op)
	})
}

// launchFetch runs on the serial context and must stay non-blocking: it
// hands off to the DataLoader and returns immediately. The fetch queue
// slot op occupies stays held until handleFetchComplete (or an immediate
// Load error here) releases it.
//
// onChunk/onComplete run on the DataLoader's own goroutine and arrive
// back on the serial context asynchronously — by the time they do, the
// session may already have been torn down (cancellation is cooperative,
// not preemptive). They close over the session's handle, not its
// pointer, and re-resolve through byHandle on arrival, dropping the
// message silently if the session is gone.
func (o *Orchestrator) launchFetch(sess *session, op *queuedOp) {
	handle := sess.handle
	onChunk := func(data []byte, resp *http.Response) {
		o.postSerial(func() {
			s := o.byHandle[handle]
			if s == nil {
				return
			}
			o.handleChunk(s, data, resp)
		})
	}
	onComplete := func(err error) {
		o.postSerial(func() {
			s := o.byHandle[handle]
			if s == nil {
				o.fetchQueue.finish(op)
				return
			}
			o.handleFetchComplete(s, op, err)
		})
	}

	h, err := o.cfg.DataLoader.Load(context.Background(), sess.request.Resource, onChunk, onComplete)
	if err != nil {
		o.log.Warnw("data load failed to start", "resource", sess.request.Resource.URL, "error", err)
		o.fetchQueue.finish(op)
		o.completeSession(sess, nil, dataLoadError(err))
		return
	}
	sess.fetchHandle = h
}

// handleChunk runs on the serial context for each arriving chunk of a
// fetch: updates byte counts, broadcasts progress, lazily selects a
// decoder, and hands bytes off to the decoding context.
func (o *Orchestrator) handleChunk(sess *session, data []byte, resp *http.Response) {
	if sess.completed || !o.sessionLive(sess) {
		return
	}

	sess.metrics.DownloadedByteCount += int64(len(data))
	total := int64(-1)
	if resp != nil && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	o.broadcastProgress(sess, sess.metrics.DownloadedByteCount, total)

	if sess.decoder == nil {
		dc := imageio.DecodingContext{Request: sess.request.Resource, Response: resp, FirstChunk: data}
		decoder, err := o.cfg.DecoderRegistry.Select(dc)
		if err != nil || decoder == nil {
			return
		}
		sess.decoder = decoder
		sess.buffer = imageio.NewDataBuffer(o.cfg.ProgressiveDecodingEnabled)
	}

	progressive := o.cfg.ProgressiveDecodingEnabled
	decoder := sess.decoder
	buffer := sess.buffer

	o.postDecode(func() {
		buffer.Append(data)
		if !progressive || total <= 0 || int64(buffer.Len()) >= total {
			return
		}
		img, err := decoder.Decode(buffer, false)
		if err != nil || img == nil {
			return
		}
		o.postSerial(func() { o.handlePartialImage(sess, img) })
	})
}

// handlePartialImage processes a progressively-decoded partial image.
// At most one partial-processing operation runs per session at a time;
// a partial image that arrives while one is in flight is dropped rather
// than queued (back-pressure).
func (o *Orchestrator) handlePartialImage(sess *session, img *imageio.Image) {
	if sess.completed || !o.sessionLive(sess) {
		return
	}

	pc := imageio.ProcessingContext{Image: img, Request: sess.request.Resource, IsFinal: false, ScanNumber: img.ScanNumber}
	proc, err := o.resolveProcessor(sess.request, pc)
	if err != nil || proc == nil {
		o.broadcastPartial(sess, img)
		return
	}
	if sess.partialOpInFlight {
		return
	}
	sess.partialOpInFlight = true

	// ctx is cancelled the moment the session's token fires, so an
	// in-flight partial-processing op is actually interrupted rather
	// than merely having its result discarded.
	ctx, cancel := context.WithCancel(context.Background())
	sess.tokenSource.token().register(cancel)

	o.processQueue.submit(sess.priority(), func(op *queuedOp) {
		go func() {
			result, perr := proc.Process(ctx, pc)
			o.postSerial(func() {
				cancel()
				sess.partialOpInFlight = false
				o.processQueue.finish(op)
				if perr == nil && result != nil && !sess.completed && o.sessionLive(sess) {
					o.broadcastPartial(sess, result)
				}
			})
		}()
	})
}

// handleFetchComplete runs when the DataLoader reports a fetch finished,
// successfully or not, and schedules the final decode.
func (o *Orchestrator) handleFetchComplete(sess *session, op *queuedOp, err error) {
	o.fetchQueue.finish(op)

	if sess.completed || !o.sessionLive(sess) {
		return
	}
	sess.metrics.TimeDataLoadingFinished = time.Now()

	if err != nil {
		o.completeSession(sess, nil, dataLoadError(err))
		return
	}
	if sess.metrics.DownloadedByteCount == 0 || sess.decoder == nil {
		o.completeSession(sess, nil, decodingFailedError())
		return
	}

	decoder := sess.decoder
	buffer := sess.buffer
	o.postDecode(func() {
		img, derr := decoder.Decode(buffer, true)
		o.postSerial(func() { o.handleFinalImage(sess, img, derr) })
	})
}

// handleFinalImage runs once the final decode completes and resolves
// whatever processing step, if any, a fully-decoded image still needs.
func (o *Orchestrator) handleFinalImage(sess *session, img *imageio.Image, err error) {
	if sess.completed || !o.sessionLive(sess) {
		return
	}
	if err != nil || img == nil {
		o.completeSession(sess, nil, decodingFailedError())
		return
	}

	pc := imageio.ProcessingContext{Image: img, Request: sess.request.Resource, IsFinal: true}
	proc, perr := o.resolveProcessor(sess.request, pc)
	if perr != nil {
		o.completeSession(sess, nil, processingFailedError())
		return
	}
	if proc == nil {
		o.completeSession(sess, img, nil)
		return
	}

	// ctx is cancelled the moment the session's token fires, so the final
	// processing step is actually interrupted if every subscriber cancels
	// while it's running, instead of running to completion regardless.
	ctx, cancel := context.WithCancel(context.Background())
	sess.tokenSource.token().register(cancel)

	o.processQueue.submit(sess.priority(), func(op *queuedOp) {
		go func() {
			result, rerr := proc.Process(ctx, pc)
			o.postSerial(func() {
				cancel()
				o.processQueue.finish(op)
				if sess.completed || !o.sessionLive(sess) {
					return
				}
				if rerr != nil || result == nil {
					o.completeSession(sess, nil, processingFailedError())
					return
				}
				o.completeSession(sess, result, nil)
			})
		}()
	})
}

func (o *Orchestrator) resolveProcessor(req Request, pc imageio.ProcessingContext) (imageio.Processor, error) {
	if o.cfg.SelectProcessor != nil {
		return o.cfg.SelectProcessor(pc)
	}
	return req.Processor, nil
}

// completeSession fans a session's outcome out to every subscriber: write
// through to cache, mark the session done, cancel any outstanding partial
// operation, and schedule each subscriber's completion callback on the
// delivery context.
func (o *Orchestrator) completeSession(sess *session, img *imageio.Image, err error) {
	if sess.completed || !o.sessionLive(sess) {
		return
	}
	sess.completed = true

	if err != nil {
		o.log.Debugw("session failed", "resource", sess.request.Resource.URL, "handle", sess.handle, "error", err)
	} else {
		o.cache.put(sess.request, img)
	}
	sess.tokenSource.cancel()

	now := time.Now()
	subscribers := make([]*Task, 0, len(sess.tasks))
	for _, t := range sess.tasks {
		subscribers = append(subscribers, t)
	}
	o.removeSession(sess)

	for _, t := range subscribers {
		t.metrics.TimeCompleted = now
		o.finishTask(t, img, err)
	}
}

// finishTask schedules a single Task's completion (and, for a cache hit,
// its only callback) on the delivery context.
func (o *Orchestrator) finishTask(t *Task, img *imageio.Image, err error) {
	if t.metrics.TimeCompleted.IsZero() {
		t.metrics.TimeCompleted = time.Now()
	}
	completion := t.sinks.OnCompletion
	o.postDelivery(func() {
		if completion != nil {
			completion(img, err)
		}
	})
}

func (o *Orchestrator) broadcastProgress(sess *session, completed, total int64) {
	for _, t := range sess.tasks {
		fn := t.sinks.OnProgress
		if fn == nil {
			continue
		}
		o.postDelivery(func() { fn(completed, total) })
	}
}

func (o *Orchestrator) broadcastPartial(sess *session, img *imageio.Image) {
	for _, t := range sess.tasks {
		fn := t.sinks.OnPartialImage
		if fn == nil {
			continue
		}
		o.postDelivery(func() { fn(img) })
	}
}
