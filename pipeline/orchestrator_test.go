package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopherimg/pipeline/imageio"
	"github.com/gopherimg/pipeline/imageiotest"
)

// ctxAwareProcessor blocks until its context is cancelled, letting a test
// confirm that an in-flight processing operation is actually interrupted
// rather than just having its result discarded after the fact.
type ctxAwareProcessor struct {
	key     string
	started chan struct{}
	gotErr  chan error
}

func (p *ctxAwareProcessor) Identity() any { return p.key }

func (p *ctxAwareProcessor) Process(ctx context.Context, pc imageio.ProcessingContext) (*imageio.Image, error) {
	close(p.started)
	<-ctx.Done()
	err := ctx.Err()
	p.gotErr <- err
	return nil, err
}

func testConfig(t *testing.T, loader *imageiotest.FakeDataLoader, decoder imageio.Decoder, cache imageio.ImageCache) (*Orchestrator, *imageiotest.FakeDecoderRegistry) {
	t.Helper()
	registry := &imageiotest.FakeDecoderRegistry{Decoder: decoder}
	cfg := DefaultConfig()
	cfg.DataLoader = loader
	cfg.DecoderRegistry = registry
	cfg.ImageCache = cache
	cfg.RateLimiterEnabled = false // keep tests deterministic and fast
	o := New(cfg)
	t.Cleanup(o.Close)
	return o, registry
}

func awaitCompletion(t *testing.T, timeout time.Duration) (chan *imageio.Image, chan error, CompletionFunc) {
	t.Helper()
	imgCh := make(chan *imageio.Image, 1)
	errCh := make(chan error, 1)
	return imgCh, errCh, func(img *imageio.Image, err error) {
		imgCh <- img
		errCh <- err
	}
}

func requireResult(t *testing.T, imgCh chan *imageio.Image, errCh chan error) (*imageio.Image, error) {
	t.Helper()
	select {
	case img := <-imgCh:
		return img, <-errCh
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil, nil
	}
}

func TestLoadImage_Success(t *testing.T) {
	final := &imageio.Image{Width: 4, Height: 4, Bytes: []byte("done")}
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("hello")}}, ContentLength: 5}
	decoder := &imageiotest.FakeDecoder{Image: final}
	o, _ := testConfig(t, loader, decoder, nil)

	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	o.LoadImage(Request{Resource: &imageio.URLRequest{URL: "https://example.test/a.jpg"}}, Sinks{OnCompletion: completion})

	img, err := requireResult(t, imgCh, errCh)
	require.NoError(t, err)
	assert.Same(t, final, img)
}

func TestLoadImage_DataLoadError(t *testing.T) {
	boom := assert.AnError
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Err: boom}}}
	decoder := &imageiotest.FakeDecoder{}
	o, _ := testConfig(t, loader, decoder, nil)

	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	o.LoadImage(Request{Resource: &imageio.URLRequest{URL: "https://example.test/b.jpg"}}, Sinks{OnCompletion: completion})

	img, err := requireResult(t, imgCh, errCh)
	assert.Nil(t, img)
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrDataLoad, loadErr.Kind)
}

func TestLoadImage_ZeroBytesIsDecodingFailure(t *testing.T) {
	loader := &imageiotest.FakeDataLoader{Chunks: nil} // completes with no chunks at all
	decoder := &imageiotest.FakeDecoder{}
	o, _ := testConfig(t, loader, decoder, nil)

	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	o.LoadImage(Request{Resource: &imageio.URLRequest{URL: "https://example.test/empty.jpg"}}, Sinks{OnCompletion: completion})

	img, err := requireResult(t, imgCh, errCh)
	assert.Nil(t, img)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrDecodingFailed, loadErr.Kind)
}

func TestLoadImage_CacheHit(t *testing.T) {
	cached := &imageio.Image{Bytes: []byte("cached")}
	cache := imageiotest.NewFakeImageCache()
	loader := &imageiotest.FakeDataLoader{}
	decoder := &imageiotest.FakeDecoder{}
	o, _ := testConfig(t, loader, decoder, cache)

	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/cached.jpg"}, CacheRead: true}
	cache.Set(req.CacheKey(), cached)

	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	task := o.LoadImage(req, Sinks{OnCompletion: completion})

	img, err := requireResult(t, imgCh, errCh)
	require.NoError(t, err)
	assert.Same(t, cached, img)
	assert.Equal(t, 0, loader.LoadCount())
	assert.True(t, task.Metrics().IsMemoryCacheHit)
}

func TestLoadImage_DeduplicatesConcurrentRequests(t *testing.T) {
	final := &imageio.Image{Bytes: []byte("shared")}
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("x")}}, ContentLength: 1}
	decoder := &imageiotest.FakeDecoder{Image: final}
	o, _ := testConfig(t, loader, decoder, nil)

	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/dedup.jpg"}}

	img1Ch, err1Ch, c1 := awaitCompletion(t, time.Second)
	img2Ch, err2Ch, c2 := awaitCompletion(t, time.Second)

	task1 := o.LoadImage(req, Sinks{OnCompletion: c1})
	task2 := o.LoadImage(req, Sinks{OnCompletion: c2})

	img1, e1 := requireResult(t, img1Ch, err1Ch)
	img2, e2 := requireResult(t, img2Ch, err2Ch)

	require.NoError(t, e1)
	require.NoError(t, e2)
	assert.Same(t, final, img1)
	assert.Same(t, final, img2)
	assert.Equal(t, 1, loader.LoadCount(), "two concurrent requests for the same resource should share one fetch")
	assert.False(t, task1.Metrics().WasSubscribedToExistingTask)
	assert.True(t, task2.Metrics().WasSubscribedToExistingTask)
}

func TestLoadImage_CancelOneOfTwoKeepsSessionAlive(t *testing.T) {
	final := &imageio.Image{Bytes: []byte("shared")}
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("x")}}, ContentLength: 1}
	decoder := &imageiotest.FakeDecoder{Image: final}
	o, _ := testConfig(t, loader, decoder, nil)

	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/cancel-one.jpg"}}

	_, _, c1 := awaitCompletion(t, time.Second)
	img2Ch, err2Ch, c2 := awaitCompletion(t, time.Second)

	task1 := o.LoadImage(req, Sinks{OnCompletion: c1})
	_ = o.LoadImage(req, Sinks{OnCompletion: c2})

	task1.Cancel()

	img2, err2 := requireResult(t, img2Ch, err2Ch)
	require.NoError(t, err2)
	assert.Same(t, final, img2)
}

func TestLoadImage_CancelAllDropsSession(t *testing.T) {
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("x")}}, ContentLength: 1}
	decoder := &imageiotest.FakeDecoder{Image: &imageio.Image{}}
	o, _ := testConfig(t, loader, decoder, nil)

	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/cancel-all.jpg"}}

	called := make(chan struct{}, 1)
	task := o.LoadImage(req, Sinks{OnCompletion: func(img *imageio.Image, err error) {
		called <- struct{}{}
	}})
	task.Cancel()

	select {
	case <-called:
		t.Fatal("cancelled task's completion sink must never fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadImage_PriorityEscalation(t *testing.T) {
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("x")}}, ContentLength: 1}
	decoder := &imageiotest.FakeDecoder{Image: &imageio.Image{}}
	o, _ := testConfig(t, loader, decoder, nil)

	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/priority.jpg"}, Priority: PriorityLow}
	task := o.LoadImage(req, Sinks{OnCompletion: completion})
	task.SetPriority(PriorityVeryHigh)

	_, err := requireResult(t, imgCh, errCh)
	require.NoError(t, err)
}

func TestLoadImage_CancelDuringInFlightFetchCompletionDropsCacheWrite(t *testing.T) {
	final := &imageio.Image{Bytes: []byte("late")}
	release := make(chan struct{})
	reachedDelay := make(chan struct{})
	loader := &imageiotest.FakeDataLoader{
		Chunks:        []imageiotest.Chunk{{Data: []byte("x")}},
		ContentLength: 1,
		Delay: func() {
			close(reachedDelay)
			<-release
		},
	}
	decoder := &imageiotest.FakeDecoder{Image: final}
	cache := imageiotest.NewFakeImageCache()
	o, _ := testConfig(t, loader, decoder, cache)

	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/race.jpg"}, CacheWrite: true}
	called := make(chan struct{}, 1)
	task := o.LoadImage(req, Sinks{OnCompletion: func(img *imageio.Image, err error) {
		called <- struct{}{}
	}})

	<-reachedDelay // the fetch has committed to completing but hasn't called onComplete yet
	task.Cancel()
	task.Metrics() // round-trips through the serial context, so cancellation is guaranteed processed by now
	close(release) // let the paused onComplete(nil) fire anyway, against a now-torn-down session

	select {
	case <-called:
		t.Fatal("cancelled task's completion sink must never fire")
	case <-time.After(200 * time.Millisecond):
	}

	_, ok := cache.Get(req.CacheKey())
	assert.False(t, ok, "a late fetch-completion message for a torn-down session must not write through to cache")
}

func TestLoadImage_CancelAllInterruptsInFlightFinalProcessing(t *testing.T) {
	final := &imageio.Image{Bytes: []byte("x")}
	loader := &imageiotest.FakeDataLoader{Chunks: []imageiotest.Chunk{{Data: []byte("x")}}, ContentLength: 1}
	decoder := &imageiotest.FakeDecoder{Image: final}
	o, _ := testConfig(t, loader, decoder, nil)

	proc := &ctxAwareProcessor{key: "p", started: make(chan struct{}), gotErr: make(chan error, 1)}
	req := Request{Resource: &imageio.URLRequest{URL: "https://example.test/interrupt.jpg"}, Processor: proc}

	called := make(chan struct{}, 1)
	task := o.LoadImage(req, Sinks{OnCompletion: func(img *imageio.Image, err error) {
		called <- struct{}{}
	}})

	select {
	case <-proc.started:
	case <-time.After(time.Second):
		t.Fatal("final processing never started")
	}

	task.Cancel()

	select {
	case err := <-proc.gotErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("in-flight final processing was not interrupted by cancellation")
	}

	select {
	case <-called:
		t.Fatal("cancelled task's completion sink must never fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadImage_ProgressiveDelivery(t *testing.T) {
	partial := &imageio.Image{Bytes: []byte("partial"), ScanNumber: 1}
	final := &imageio.Image{Bytes: []byte("final")}
	loader := &imageiotest.FakeDataLoader{
		Chunks: []imageiotest.Chunk{
			{Data: make([]byte, 2)},
			{Data: make([]byte, 8)},
		},
		ContentLength: 10,
	}
	decoder := &imageiotest.FakeDecoder{Image: final, PartialImage: partial}

	cfg := DefaultConfig()
	loaderRegistry := &imageiotest.FakeDecoderRegistry{Decoder: decoder}
	cfg.DataLoader = loader
	cfg.DecoderRegistry = loaderRegistry
	cfg.RateLimiterEnabled = false
	cfg.ProgressiveDecodingEnabled = true
	o := New(cfg)
	t.Cleanup(o.Close)

	partialCh := make(chan *imageio.Image, 4)
	imgCh, errCh, completion := awaitCompletion(t, time.Second)
	o.LoadImage(Request{Resource: &imageio.URLRequest{URL: "https://example.test/progressive.jpg"}}, Sinks{
		OnPartialImage: func(img *imageio.Image) { partialCh <- img },
		OnCompletion:   completion,
	})

	img, err := requireResult(t, imgCh, errCh)
	require.NoError(t, err)
	assert.Same(t, final, img)

	select {
	case p := <-partialCh:
		assert.Same(t, partial, p)
	case <-time.After(time.Second):
		t.Fatal("expected at least one partial image")
	}
}
