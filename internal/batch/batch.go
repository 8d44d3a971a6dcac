// Package batch fans a list of chat requests out across the Dispatcher
// with bounded concurrency, preserving each request's input position in
// the aggregated result.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/trainforge/conductor/internal/domain"
)

// Dispatcher is the subset of dispatcher.Dispatcher the Coordinator needs,
// kept as an interface so batch can be tested without a live HTTP server.
type Dispatcher interface {
	Handle(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// Coordinator runs batches of chat requests with a concurrency ceiling
// proportional to the total number of configured keys.
type Coordinator struct {
	dispatcher Dispatcher
	totalKeys  int
}

// New builds a Coordinator. totalKeys is the count of every configured key
// across every provider — the concurrency ceiling is totalKeys*2, a slight
// oversubscription against the combined RPM capacity.
func New(d Dispatcher, totalKeys int) *Coordinator {
	if totalKeys < 1 {
		totalKeys = 1
	}
	return &Coordinator{dispatcher: d, totalKeys: totalKeys}
}

type result struct {
	index int
	resp  *domain.ChatResponse
	err   error
}

// Handle dispatches every request in reqs concurrently, bounded by
// totalKeys*2 in-flight calls. When waitForAll is false, it returns as
// soon as a strict majority (>50%) of requests have completed and cancels
// the rest.
func (c *Coordinator) Handle(ctx context.Context, reqs []domain.ChatRequest, waitForAll bool) *domain.BatchResult {
	start := time.Now()
	n := len(reqs)

	res := &domain.BatchResult{
		Responses: make([]*domain.ChatResponse, n),
	}
	if n == 0 {
		return res
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, c.totalKeys*2)
	results := make(chan result, n)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.ChatRequest) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- result{index: i, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			resp, err := c.dispatcher.Handle(ctx, req)
			results <- result{index: i, resp: resp, err: err}
		}(i, req)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	majority := n/2 + 1
	completed := 0

	for r := range results {
		completed++
		if r.err != nil {
			res.Failed = append(res.Failed, domain.BatchFailure{Index: r.index, ErrorMessage: r.err.Error()})
		} else {
			res.Responses[r.index] = r.resp
		}

		if !waitForAll && completed >= majority {
			cancel()
			// Drain the rest in the background so goroutines holding sem
			// slots and writing to results don't leak; the caller already
			// has what it needs.
			go func() {
				for range results {
				}
			}()
			break
		}
	}

	res.TotalTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	return res
}
