// Package push defines the push-provider boundary and a bounded-concurrency
// enqueue pool for fanning notifications out to device tokens.
package push

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/louisbranch/courier/internal/platform/timeouts"
)

// Notification is the payload delivered to devices without a live
// connection.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Result reports the outcome for one token. A per-token failure is carried
// here, never as a call error.
type Result struct {
	Token string
	Err   error
}

// Provider sends a notification to a batch of device tokens. The returned
// error covers provider-level failures only; individual token failures are
// reported per Result.
type Provider interface {
	Send(ctx context.Context, tokens []string, notification Notification) ([]Result, error)
}

// DefaultConcurrency caps in-flight provider calls when no explicit bound
// is configured.
const DefaultConcurrency = 8

// Pool enqueues provider sends with a concurrency bound so a large
// conversation cannot produce unbounded parallel outbound calls. Enqueue
// failures are logged and never fail the triggering action.
type Pool struct {
	provider Provider
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewPool creates a push pool. A non-positive bound falls back to
// DefaultConcurrency.
func NewPool(provider Provider, maxConcurrent int64) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrency
	}
	return &Pool{
		provider: provider,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
}

// Enqueue schedules one provider send for a recipient's tokens. The send
// runs detached from the caller's context: the triggering action has
// already completed by the time pushes go out.
func (p *Pool) Enqueue(tokens []string, notification Notification) {
	if p == nil || p.provider == nil || len(tokens) == 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), timeouts.PushSend)
		defer cancel()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			log.Printf("push: acquire slot: %v", err)
			return
		}
		defer p.sem.Release(1)

		results, err := p.provider.Send(ctx, tokens, notification)
		if err != nil {
			log.Printf("push: send %d tokens: %v", len(tokens), err)
			return
		}
		for _, result := range results {
			if result.Err != nil {
				log.Printf("push: token %s: %v", result.Token, result.Err)
			}
		}
	}()
}

// Wait blocks until all enqueued sends finish. Used on shutdown and in
// tests.
func (p *Pool) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
