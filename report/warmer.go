/*
warmer.go - Keeps today's daily report in the cache

PURPOSE:
  Money writes invalidate every cached report. The front desk polls
  today's report all day, so the first poll after each write would pay for
  a full rebuild. The warmer rebuilds it in the background instead.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each tick builds today's all-branch report through Aggregator.Daily,
    which is a cache hit unless something invalidated it
  - Only useful with a Cache configured

USAGE:
  w := report.NewWarmer(aggregator, time.Minute, log)
  w.Start()
  // ... later
  w.Stop()
*/
package report

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Warmer periodically rebuilds today's report.
type Warmer struct {
	Aggregator *Aggregator
	Interval   time.Duration
	Log        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWarmer(g *Aggregator, interval time.Duration, log zerolog.Logger) *Warmer {
	return &Warmer{Aggregator: g, Interval: interval, Log: log}
}

// Start begins warming. A non-positive interval leaves the warmer idle.
func (w *Warmer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Interval <= 0 || w.ticker != nil {
		return
	}
	w.ticker = time.NewTicker(w.Interval)
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run()

	w.Log.Info().Dur("interval", w.Interval).Msg("report warmer started")
}

// Stop halts the warmer and waits for an in-flight rebuild.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.wg.Wait()
	w.ticker = nil
	w.Log.Info().Msg("report warmer stopped")
}

func (w *Warmer) run() {
	defer w.wg.Done()

	w.RunNow(context.Background())
	for {
		select {
		case <-w.ticker.C:
			w.RunNow(context.Background())
		case <-w.stop:
			return
		}
	}
}

// RunNow builds today's report once.
func (w *Warmer) RunNow(ctx context.Context) {
	g := w.Aggregator
	today := g.now().In(g.Location).Format("2006-01-02")
	if _, err := g.Daily(ctx, today); err != nil {
		w.Log.Warn().Err(err).Str("date", today).Msg("report warm-up failed")
	}
}
