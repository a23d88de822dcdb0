package pipeline

import (
	"go.uber.org/zap"

	"github.com/gopherimg/pipeline/imageio"
	"github.com/gopherimg/pipeline/internal/logging"
)

// Config is the pipeline's configuration surface. It is a plain
// constructor argument; the core never reads a config file or persists
// state itself (only a host application, e.g. cmd/loadimage, might load
// one from JSON).
type Config struct {
	DataLoader imageio.DataLoader `json:"-"`

	// DecoderRegistry selects a Decoder for a download. Required.
	DecoderRegistry imageio.DecoderRegistry `json:"-"`

	// ImageCache is optional; when nil, cache reads always miss and
	// cache writes are no-ops.
	ImageCache imageio.ImageCache `json:"-"`

	// SelectProcessor resolves a Processor for a processing step. When
	// nil, the default is "use the Request's Processor field, if any."
	SelectProcessor func(pc imageio.ProcessingContext) (imageio.Processor, error) `json:"-"`

	FetchConcurrency      int `json:"fetch_concurrency"`
	ProcessingConcurrency int `json:"processing_concurrency"`

	DeduplicationEnabled       bool `json:"deduplication_enabled"`
	RateLimiterEnabled         bool `json:"rate_limiter_enabled"`
	ProgressiveDecodingEnabled bool `json:"progressive_decoding_enabled"`

	// RateLimiterCapacity and RateLimiterRefillPerSecond override the
	// token-bucket defaults (30 tokens, 80/s) when non-zero.
	RateLimiterCapacity        int     `json:"rate_limiter_capacity"`
	RateLimiterRefillPerSecond float64 `json:"rate_limiter_refill_per_second"`

	// Logger receives structured lifecycle events. Defaults to a no-op
	// logger when nil.
	Logger *zap.SugaredLogger `json:"-"`
}

// DefaultConfig returns a Config with reasonable defaults applied;
// DataLoader and DecoderRegistry still must be set by the caller.
func DefaultConfig() Config {
	return Config{
		FetchConcurrency:           6,
		ProcessingConcurrency:      2,
		DeduplicationEnabled:       true,
		RateLimiterEnabled:         true,
		ProgressiveDecodingEnabled: false,
		RateLimiterCapacity:        defaultBucketCapacity,
		RateLimiterRefillPerSecond: defaultRefillRate,
	}
}

func (c *Config) logger() *zap.SugaredLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Nop()
}
