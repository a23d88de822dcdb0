package pipeline

import "github.com/gopherimg/pipeline/imageio"

// memoryCacheAdapter wraps an imageio.ImageCache, honoring a Request's
// CacheRead/CacheWrite flags and tolerating a nil cache. Kept as its own
// type, thin as it is, so the orchestrator never has to nil-check
// cfg.ImageCache itself.
type memoryCacheAdapter struct {
	cache imageio.ImageCache
}

func newMemoryCacheAdapter(cache imageio.ImageCache) memoryCacheAdapter {
	return memoryCacheAdapter{cache: cache}
}

func (a memoryCacheAdapter) get(req Request) (*imageio.Image, bool) {
	if a.cache == nil || !req.CacheRead {
		return nil, false
	}
	return a.cache.Get(req.CacheKey())
}

func (a memoryCacheAdapter) put(req Request, img *imageio.Image) {
	if a.cache == nil || !req.CacheWrite || img == nil {
		return
	}
	a.cache.Set(req.CacheKey(), img)
}
