package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Failure is one entry of the batch failure ledger.
type Failure struct {
	ID     string
	Stage  Stage
	Reason string
}

// BatchResult is the outcome of a batch run: every successful spectrum
// plus a structured ledger of what failed and where. A batch always
// completes; a failing image never aborts its siblings.
type BatchResult struct {
	Results  []*Result
	Failures []Failure
}

// ProcessBatch fans the items out over a bounded worker pool. Each worker
// owns its frame and buffers exclusively; the only shared state is the
// read-only pipeline itself. An optional per-image timeout bounds how long
// a single frame may stall its worker.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Item) *BatchResult {
	workers := p.cfg.Batch.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	timeout := time.Duration(p.cfg.Batch.ImageTimeoutSec) * time.Second

	out := &BatchResult{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			imgCtx := ctx
			cancel := func() {}
			if timeout > 0 {
				imgCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			defer cancel()

			res, err := p.Process(imgCtx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stage := Stage("unknown")
				if se, ok := err.(*StageError); ok {
					stage = se.Stage
				}
				p.logger.Warnw("image failed", "image", item.ID, "stage", stage, "reason", err)
				out.Failures = append(out.Failures, Failure{
					ID:     item.ID,
					Stage:  stage,
					Reason: err.Error(),
				})
				return nil // one bad image never sinks the batch
			}
			out.Results = append(out.Results, res)
			return nil
		})
	}
	g.Wait()

	p.logger.Infof("batch complete: %d extracted, %d failed", len(out.Results), len(out.Failures))
	return out
}

// Summary renders the failure ledger for logs and reports.
func (b *BatchResult) Summary() string {
	s := fmt.Sprintf("%d extracted, %d failed", len(b.Results), len(b.Failures))
	for _, f := range b.Failures {
		s += fmt.Sprintf("\n  %s: %s: %s", f.ID, f.Stage, f.Reason)
	}
	return s
}
