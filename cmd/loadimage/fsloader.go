package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/gopherimg/pipeline/imageio"
)

// fsDataLoader is a demo imageio.DataLoader backed by the local
// filesystem: URLRequest.URL is treated as a file path, read and
// delivered in fixed-size chunks so the demo can exercise progress
// reporting and progressive decoding without a real network stack.
type fsDataLoader struct {
	chunkSize int
}

func newFSDataLoader(chunkSize int) *fsDataLoader {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &fsDataLoader{chunkSize: chunkSize}
}

func (l *fsDataLoader) Load(ctx context.Context, req *imageio.URLRequest, onChunk imageio.ChunkFunc, onComplete imageio.CompleteFunc) (imageio.FetchHandle, error) {
	f, err := os.Open(req.URL)
	if err != nil {
		return nil, err
	}
	info, statErr := f.Stat()
	var contentLength int64 = -1
	if statErr == nil {
		contentLength = info.Size()
	}
	resp := &http.Response{ContentLength: contentLength}

	handle := &fsFetchHandle{}
	go func() {
		defer f.Close()
		buf := make([]byte, l.chunkSize)
		for {
			if handle.isCancelled() || ctx.Err() != nil {
				onComplete(ctx.Err())
				return
			}
			n, readErr := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk, resp)
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					onComplete(nil)
				} else {
					onComplete(readErr)
				}
				return
			}
		}
	}()
	return handle, nil
}

type fsFetchHandle struct {
	mu        sync.Mutex
	cancelled bool
}

func (h *fsFetchHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
}

func (h *fsFetchHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}
