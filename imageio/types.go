// Package imageio defines the external collaborators the pipeline consumes
// but never implements: byte-level data loading, image decoding, image
// processing, and memory caching. The orchestration core in package
// pipeline depends only on these interfaces.
package imageio

import (
	"context"
	"net/http"
)

// Image is the in-memory, decoded/processed image object the pipeline
// produces. The pipeline treats it as an opaque payload; only identity
// (pointer equality) matters to the core.
type Image struct {
	// Width and Height are informational; the core never inspects them.
	Width, Height int
	// Bytes is the raw decoded/processed pixel payload.
	Bytes []byte
	// ScanNumber is set by a decoder on progressive partial images when it
	// can report one; zero otherwise. Optional: no invariant depends on it.
	ScanNumber int
}

// URLRequest is the resolved, loader-facing description of what to fetch.
// Construction of this value from a public "load by URL" convenience API
// is outside the core's scope.
type URLRequest struct {
	URL     string
	Headers http.Header
}

// ChunkFunc is invoked zero or more times as bytes arrive. response is
// stable after the first call.
type ChunkFunc func(data []byte, response *http.Response)

// CompleteFunc is invoked exactly once when the fetch finishes, with a
// non-nil error iff the fetch failed.
type CompleteFunc func(err error)

// FetchHandle is returned by DataLoader.Load; Cancel aborts the fetch.
type FetchHandle interface {
	Cancel()
}

// DataLoader performs the byte-level fetch of a remote resource. It must
// accept concurrent calls.
type DataLoader interface {
	Load(ctx context.Context, req *URLRequest, onChunk ChunkFunc, onComplete CompleteFunc) (FetchHandle, error)
}

// DecodingContext carries what a DecoderRegistry needs to pick a Decoder.
type DecodingContext struct {
	Request  *URLRequest
	Response *http.Response
	// FirstChunk holds the chunk whose arrival triggered decoder selection.
	FirstChunk []byte
}

// DataBuffer accumulates downloaded bytes for the decoding context. It is
// only ever touched on the pipeline's decoding context.
type DataBuffer struct {
	Progressive bool
	data        []byte
}

// NewDataBuffer creates an empty buffer; progressive controls whether
// partial decode attempts are meaningful for it.
func NewDataBuffer(progressive bool) *DataBuffer {
	return &DataBuffer{Progressive: progressive}
}

// Append adds newly downloaded bytes.
func (b *DataBuffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
}

// Bytes returns the buffer's current contents. Callers must not retain or
// mutate the returned slice past the decoding context hand-off.
func (b *DataBuffer) Bytes() []byte {
	return b.data
}

// Len reports the number of bytes accumulated so far.
func (b *DataBuffer) Len() int {
	return len(b.data)
}

// Decoder turns accumulated bytes into an Image. Partial (isFinal=false)
// invocations are only meaningful in progressive mode; a decoder that
// cannot produce a useful partial image returns (nil, nil).
type Decoder interface {
	Decode(buf *DataBuffer, isFinal bool) (*Image, error)
}

// DecoderRegistry selects a Decoder for a given decoding context.
type DecoderRegistry interface {
	Select(dc DecodingContext) (Decoder, error)
}

// ProcessingContext carries what a Processor needs to transform an image.
type ProcessingContext struct {
	Image      *Image
	Request    *URLRequest
	IsFinal    bool
	ScanNumber int
}

// Processor transforms a decoded image. Its Identity must be comparable
// with == so two requests with equivalent processors share a LoadKey.
type Processor interface {
	Identity() any
	Process(ctx context.Context, pc ProcessingContext) (*Image, error)
}

// ImageCache is the external, thread-safe memory cache the orchestrator
// reads from and writes to through the memory cache adapter. Implementing
// or backing this cache (disk tiers, eviction policy, peer exchange, ...)
// is explicitly out of the core's scope.
type ImageCache interface {
	Get(key CacheKey) (*Image, bool)
	Set(key CacheKey, img *Image)
}

// CacheKey is equivalent in structure to LoadKey in the default
// configuration.
type CacheKey struct {
	ResourceID        string
	ProcessorIdentity any
}
