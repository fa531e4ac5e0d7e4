// Package batch fetches many modules concurrently on top of fetch.Fetcher.
//
// A Fetcher does no coordination between calls, so this package owns the
// policy: concurrent requests for the same module source share one
// in-flight fetch, and the sources of one module are fetched in order.
package batch

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/frederic-klein/srcfetch/internal/fetch"
	"github.com/frederic-klein/srcfetch/internal/logging"
)

// Fetcher fetches one module source.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (string, error)
}

// Job is a module and its sources, fetched in order into the same directory.
type Job struct {
	Module   string
	Requests []fetch.Request
}

// Result is the outcome of a Job.
type Result struct {
	Job Job
	// Dir is the module directory, set once a source succeeded.
	Dir string
	// Completed counts the sources fetched before Error, if any.
	Completed int
	Error     error
}

// Batch runs jobs with a bounded number of workers.
type Batch struct {
	fetcher Fetcher
	workers int
	logger  logging.Logger
	group   singleflight.Group
}

// Option configures a Batch.
type Option func(*Batch)

func WithLogger(l logging.Logger) Option {
	return func(b *Batch) {
		b.logger = l
	}
}

// New creates a batch fetching with the specified number of workers.
func New(f Fetcher, workers int, opts ...Option) *Batch {
	if workers < 1 {
		workers = 1
	}
	b := &Batch{
		fetcher: f,
		workers: workers,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchOne fetches req, joining an identical fetch already in flight.
func (b *Batch) FetchOne(ctx context.Context, req fetch.Request) (string, error) {
	v, err, shared := b.group.Do(key(req), func() (interface{}, error) {
		return b.fetcher.Fetch(ctx, req)
	})
	if shared {
		b.logger.Debug("joined in-flight fetch", "module", req.Module, "url", req.URL)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FetchAll runs jobs concurrently and returns one result per job, in
// input order. A failed job does not stop the others.
func (b *Batch) FetchAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = b.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (b *Batch) run(ctx context.Context, job Job) Result {
	res := Result{Job: job}
	for _, req := range job.Requests {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		dir, err := b.FetchOne(ctx, req)
		if err != nil {
			res.Error = err
			return res
		}
		res.Dir = dir
		res.Completed++
	}
	return res
}

// key identifies a module source. Two requests with the same key write
// the same files.
func key(req fetch.Request) string {
	return filepath.Join(req.DestRoot, req.Module) + "\x00" + req.URL + "\x00" + req.SHA256
}
