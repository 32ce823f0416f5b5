package recorder

import (
	"context"
	"sync"
	"time"
)

// HistoryPruner deletes history older than a retention window.
// Satisfied by *machine.SQLiteStore.
type HistoryPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pruner runs history retention on a fixed interval.
type Pruner struct {
	store     HistoryPruner
	retention time.Duration
	interval  time.Duration
	timeout   time.Duration
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPruner creates a pruner. A zero retention disables it: Start returns
// immediately and nothing is deleted.
func NewPruner(store HistoryPruner, retention, interval time.Duration, logger Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		timeout:   30 * time.Second,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Enabled reports whether a retention window is configured.
func (p *Pruner) Enabled() bool {
	return p.retention > 0
}

// Start prunes once, then on every interval until ctx is cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop waits for the pruning loop to exit. Safe to call multiple times.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneNow(ctx) //nolint:errcheck // logged

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.PruneNow(ctx) //nolint:errcheck // logged
		}
	}
}

// PruneNow runs one pruning pass and returns the number of rows deleted.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	deleted, err := p.store.PruneHistory(ctx, p.retention)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("history pruning failed", "retention", p.retention, "error", err)
		}
		return 0, err
	}

	if deleted > 0 && p.logger != nil {
		p.logger.Info("pruned machine history", "deleted", deleted, "retention", p.retention)
	}
	return deleted, nil
}
