package partstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"adsb_pings/internal/models"
	"adsb_pings/internal/retry"

	"golang.org/x/sync/errgroup"
)

// BatchOptions configures Prefetch.
type BatchOptions struct {
	// Concurrency bounds the number of parts fetched at the same time.
	Concurrency int

	// Lookahead limits how far past the part being read fetching may run.
	// Negative means no limit, which is what download-only runs use.
	Lookahead int

	Retry retry.Config

	// OnDone is called once per part that became available.
	OnDone func(Outcome)
}

type batchPart struct {
	asset   models.ReleaseAsset
	done    chan struct{}
	outcome Outcome
	err     error
}

// Batch ensures the parts of one archive are local, in part order and with
// bounded concurrency. It implements splitarchive.Source: Open blocks
// until the requested part has been fetched and verified.
type Batch struct {
	store  *Store
	opts   BatchOptions
	parts  []*batchPart
	cancel context.CancelFunc

	mu      sync.Mutex
	reading int
	advance chan struct{}

	finished chan struct{}
	err      error
}

// Prefetch starts ensuring assets are local. The caller must Close the batch.
func (s *Store) Prefetch(ctx context.Context, assets []models.ReleaseAsset, opts BatchOptions) *Batch {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		store:    s,
		opts:     opts,
		parts:    make([]*batchPart, len(assets)),
		cancel:   cancel,
		advance:  make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	for i, a := range assets {
		b.parts[i] = &batchPart{asset: a, done: make(chan struct{})}
	}
	go b.run(ctx)
	return b
}

func (b *Batch) run(ctx context.Context) {
	defer close(b.finished)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)

	next := 0
	for ; next < len(b.parts); next++ {
		if !b.waitWindow(gctx, next) {
			break
		}
		p := b.parts[next]
		g.Go(func() error {
			return b.fetch(gctx, p)
		})
	}
	for _, p := range b.parts[next:] {
		p.err = fmt.Errorf("part %s not fetched: %w", p.asset.Name, context.Cause(gctx))
		close(p.done)
	}
	b.err = g.Wait()
	if b.err == nil && next < len(b.parts) {
		b.err = b.parts[next].err
	}
}

func (b *Batch) fetch(ctx context.Context, p *batchPart) error {
	defer close(p.done)
	p.outcome, p.err = retry.DoResult(ctx, b.opts.Retry, Retryable, func(int) (Outcome, error) {
		return b.store.EnsureLocal(ctx, p.asset)
	})
	if p.err != nil {
		return p.err
	}
	if b.opts.OnDone != nil {
		b.opts.OnDone(p.outcome)
	}
	return nil
}

// waitWindow blocks until part i may start or ctx is done.
func (b *Batch) waitWindow(ctx context.Context, i int) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		b.mu.Lock()
		ok := b.opts.Lookahead < 0 || i <= b.reading+b.opts.Lookahead
		b.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-b.advance:
		case <-ctx.Done():
			return false
		}
	}
}

// Len returns the number of parts.
func (b *Batch) Len() int {
	return len(b.parts)
}

// Open waits for part i and opens it for reading.
func (b *Batch) Open(ctx context.Context, i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(b.parts) {
		return nil, fmt.Errorf("part %d out of range", i)
	}
	b.mu.Lock()
	if i > b.reading {
		b.reading = i
	}
	b.mu.Unlock()
	select {
	case b.advance <- struct{}{}:
	default:
	}

	p := b.parts[i]
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return os.Open(p.outcome.Part.Path)
}

// Wait blocks until every part is local or the batch failed, and returns
// the outcomes of the parts that were ensured.
func (b *Batch) Wait(ctx context.Context) ([]Outcome, error) {
	b.mu.Lock()
	b.reading = len(b.parts)
	b.mu.Unlock()
	select {
	case b.advance <- struct{}{}:
	default:
	}

	select {
	case <-b.finished:
	case <-ctx.Done():
		return b.outcomes(), ctx.Err()
	}
	return b.outcomes(), b.err
}

func (b *Batch) outcomes() []Outcome {
	var out []Outcome
	for _, p := range b.parts {
		select {
		case <-p.done:
			if p.err == nil {
				out = append(out, p.outcome)
			}
		default:
		}
	}
	return out
}

// Close stops outstanding fetches and waits for them to exit. Interrupted
// downloads leave no file under the part's final name.
func (b *Batch) Close() error {
	b.cancel()
	<-b.finished
	return nil
}
