// Package imageiotest provides hand-written fakes for the imageio
// interfaces: mutex-guarded state, scriptable test-control knobs, and
// call counters, rather than a generated-mock framework.
package imageiotest

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gopherimg/pipeline/imageio"
)

// Chunk is one scripted delivery for FakeDataLoader: Data is appended to
// the fetch's accumulated bytes, and Err, if non-nil, ends the fetch with
// that error instead of delivering Data.
type Chunk struct {
	Data []byte
	Err  error
}

// FakeDataLoader replays a scripted sequence of chunks for every Load
// call. ContentLength, if non-zero, is attached to every chunk's
// response.
type FakeDataLoader struct {
	mu            sync.Mutex
	Chunks        []Chunk
	ContentLength int64

	// Delay, if set, runs once after the fetch has committed to reporting
	// success but before onComplete is actually called — letting a test
	// pause a fetch mid-flight to race it against a cancellation. Mirrors
	// FetchHandle.Cancel's cooperative-not-preemptive contract: a fetch
	// that already decided to complete keeps going regardless.
	Delay func()

	loadCount int
}

func (f *FakeDataLoader) Load(ctx context.Context, req *imageio.URLRequest, onChunk imageio.ChunkFunc, onComplete imageio.CompleteFunc) (imageio.FetchHandle, error) {
	f.mu.Lock()
	f.loadCount++
	chunks := append([]Chunk(nil), f.Chunks...)
	resp := &http.Response{ContentLength: f.ContentLength}
	delay := f.Delay
	f.mu.Unlock()

	handle := &fakeFetchHandle{}
	go func() {
		for _, c := range chunks {
			if handle.isCancelled() {
				return
			}
			if c.Err != nil {
				onComplete(c.Err)
				return
			}
			onChunk(c.Data, resp)
		}
		if handle.isCancelled() {
			return
		}
		if delay != nil {
			delay()
		}
		onComplete(nil)
	}()
	return handle, nil
}

// LoadCount reports how many times Load has been called.
func (f *FakeDataLoader) LoadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCount
}

type fakeFetchHandle struct {
	mu        sync.Mutex
	cancelled bool
}

func (h *fakeFetchHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *fakeFetchHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// FakeDecoder returns Image on every Decode call where isFinal is true,
// or PartialImage (which may be nil) otherwise. Err, if set, is returned
// instead.
type FakeDecoder struct {
	Image        *imageio.Image
	PartialImage *imageio.Image
	Err          error
}

func (d *FakeDecoder) Decode(buf *imageio.DataBuffer, isFinal bool) (*imageio.Image, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if isFinal {
		return d.Image, nil
	}
	return d.PartialImage, nil
}

// FakeDecoderRegistry always selects Decoder, or fails with Err if set.
type FakeDecoderRegistry struct {
	Decoder imageio.Decoder
	Err     error
}

func (r *FakeDecoderRegistry) Select(dc imageio.DecodingContext) (imageio.Decoder, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Decoder, nil
}

// FakeProcessor is a Processor whose Identity is comparable via Key,
// letting tests construct two equal or distinct processors deliberately.
type FakeProcessor struct {
	Key     string
	Result  *imageio.Image
	Err     error
	Delay   func() // optional hook run before returning, e.g. to block on a channel
	calls   int
	callsMu sync.Mutex
}

func (p *FakeProcessor) Identity() any { return p.Key }

func (p *FakeProcessor) Process(ctx context.Context, pc imageio.ProcessingContext) (*imageio.Image, error) {
	p.callsMu.Lock()
	p.calls++
	p.callsMu.Unlock()
	if p.Delay != nil {
		p.Delay()
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Result, nil
}

// Calls reports how many times Process has been invoked.
func (p *FakeProcessor) Calls() int {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	return p.calls
}

// FakeImageCache is an in-memory imageio.ImageCache.
type FakeImageCache struct {
	mu    sync.Mutex
	items map[imageio.CacheKey]*imageio.Image
}

func NewFakeImageCache() *FakeImageCache {
	return &FakeImageCache{items: make(map[imageio.CacheKey]*imageio.Image)}
}

func (c *FakeImageCache) Get(key imageio.CacheKey) (*imageio.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.items[key]
	return img, ok
}

func (c *FakeImageCache) Set(key imageio.CacheKey, img *imageio.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = img
}

// ErrFakeProcessing is a ready-made sentinel for tests that just need any
// non-nil processing error.
var ErrFakeProcessing = errors.New("imageiotest: fake processing failure")
