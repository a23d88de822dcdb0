// Command loadimage is a demo CLI exercising the pipeline against the
// local filesystem: every argument is a path loaded as if it were a
// remote image, with a stub decoder standing in for a real image codec.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gopherimg/pipeline/imageio"
	"github.com/gopherimg/pipeline/internal/logging"
	"github.com/gopherimg/pipeline/internal/workerpool"
	"github.com/gopherimg/pipeline/pipeline"
)

func main() {
	concurrency := flag.Int("concurrency", 4, "how many files to submit to the pipeline at once")
	chunkSize := flag.Int("chunk-size", 32*1024, "bytes read per fetch chunk")
	verbose := flag.Bool("v", false, "debug logging")
	configPath := flag.String("config", "", "path to a JSON pipeline.Config file; missing flag or file falls back to defaults")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: loadimage [flags] <path> [path...]")
		os.Exit(2)
	}

	level := logging.InfoLevel
	if *verbose {
		level = logging.DebugLevel
	}
	logger := logging.New(logging.Config{Level: level, Component: "loadimage"})
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Errorw("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg.DataLoader = newFSDataLoader(*chunkSize)
	cfg.DecoderRegistry = passthroughRegistry{}
	cfg.Logger = logger

	orch := pipeline.New(cfg)
	defer orch.Close()

	if err := run(orch, logger, paths, *concurrency); err != nil {
		logger.Errorw("run failed", "error", err)
		os.Exit(1)
	}
}

// fileLoadTask adapts one filesystem path into a workerpool.Task: Execute
// submits it to the orchestrator and blocks until that Task's completion
// sink fires, turning the pipeline's async callback into a synchronous
// result the pool can collect. The workerpool's WorkerCount bounds how
// many files are in flight through the pipeline at once, independent of
// the pipeline's own internal fetch/processing concurrency.
type fileLoadTask struct {
	id   string
	path string
	orch *pipeline.Orchestrator
}

func (t fileLoadTask) ID() string { return t.id }

func (t fileLoadTask) Execute(ctx context.Context) (any, error) {
	type outcome struct {
		img *imageio.Image
		err error
	}
	done := make(chan outcome, 1)

	t.orch.LoadImage(
		pipeline.Request{Resource: &imageio.URLRequest{URL: t.path}, CacheRead: true, CacheWrite: true},
		pipeline.Sinks{OnCompletion: func(img *imageio.Image, err error) {
			done <- outcome{img: img, err: err}
		}},
	)

	select {
	case o := <-done:
		return o.img, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func run(orch *pipeline.Orchestrator, logger *zap.SugaredLogger, paths []string, concurrency int) error {
	pool := workerpool.New(workerpool.Config{WorkerCount: concurrency, BufferSize: len(paths)})
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Shutdown(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	var results []workerpool.Result
	group.Go(func() error {
		tasks := make([]workerpool.Task, 0, len(paths))
		for i, p := range paths {
			tasks = append(tasks, fileLoadTask{id: fmt.Sprintf("load-%d", i), path: p, orch: orch})
		}
		r, err := pool.ExecuteAll(gctx, tasks)
		results = r
		return err
	})

	group.Go(func() error {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := pool.Stats()
				logger.Debugw("pool progress", "completed", stats.Completed, "failed", stats.Failed)
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := group.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if r.Err != nil {
			logger.Warnw("load failed", "task", r.TaskID, "error", r.Err)
			continue
		}
		logger.Infow("loaded", "task", r.TaskID, "duration", r.Duration)
	}
	return nil
}
