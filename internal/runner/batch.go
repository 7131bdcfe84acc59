package runner

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Harvey-AU/nectar/internal/config"
	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// RunMany crawls every URL and returns the results in input order. A failed URL
// never stops its siblings.
func (r *Runner) RunMany(ctx context.Context, urls []string, cfg config.RunConfig) []*crawler.CrawlResult {
	results := make([]*crawler.CrawlResult, len(urls))
	r.dispatch(ctx, urls, cfg, func(i int, res *crawler.CrawlResult) {
		results[i] = res
	})
	return results
}

// Stream crawls every URL and yields each result as it completes. The channel is
// closed once all URLs are done.
func (r *Runner) Stream(ctx context.Context, urls []string, cfg config.RunConfig) <-chan *crawler.CrawlResult {
	out := make(chan *crawler.CrawlResult, len(urls))
	go func() {
		defer close(out)
		r.dispatch(ctx, urls, cfg, func(_ int, res *crawler.CrawlResult) {
			out <- res
		})
	}()
	return out
}

// dispatch runs urls with at most SemaphoreCount in flight. Each run waits
// MeanDelay plus a random share of MaxRange before starting.
func (r *Runner) dispatch(ctx context.Context, urls []string, cfg config.RunConfig, emit func(int, *crawler.CrawlResult)) {
	workers := cfg.SemaphoreCount
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	var limiter *RateLimiter
	if cfg.RateLimit != nil {
		limiter = NewRateLimiter(*cfg.RateLimit)
	}

	log.Debug().
		Int("urls", len(urls)).
		Int("concurrency", workers).
		Msg("Dispatching crawl batch")
	observability.RecordBatch(ctx, len(urls), workers)

	var wg sync.WaitGroup
	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			emit(i, crawler.Failed(u, fetchErr(u, "dispatch", err)))
			continue
		}

		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer sem.Release(1)
			observability.RunStarted(ctx)
			defer observability.RunFinished(ctx)

			if err := r.sleep(ctx, jitter(cfg.MeanDelay, cfg.MaxRange)); err != nil {
				emit(i, crawler.Failed(u, fetchErr(u, "dispatch", err)))
				return
			}
			res, _ := r.run(ctx, u, cfg, limiter)
			emit(i, res)
		}(i, u)
	}
	wg.Wait()
}

// jitter returns mean + U(0, maxRange)
func jitter(mean, maxRange time.Duration) time.Duration {
	if maxRange <= 0 {
		return mean
	}
	return mean + time.Duration(rand.Int64N(int64(maxRange)+1))
}
