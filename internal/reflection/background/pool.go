package background

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Pool runs post-persistence work (memory indexing, decision logging) off the
// request path with a bounded number of workers. Submit blocks once all
// workers are busy, which keeps producers naturally paced instead of growing
// an unbounded queue. Task errors are logged, never propagated: everything
// submitted here is best-effort by contract.
type Pool struct {
	group   *errgroup.Group
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewPool(cfg model.BackgroundConfig) *Pool {
	g := &errgroup.Group{}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)
	return &Pool{group: g, timeout: cfg.TaskTimeoutDuration()}
}

// Submit schedules fn on the pool. It blocks while all workers are busy and
// reports whether the task was accepted (false after Close).
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		logx.Warn().Str("task", name).Msg("background pool closed, task dropped")
		return false
	}
	p.mu.Unlock()

	p.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			logx.Error().Err(err).Str("task", name).
				Dur("elapsed", time.Since(start)).Msg("background task failed")
			return nil
		}
		logx.Debug().Str("task", name).Dur("elapsed", time.Since(start)).
			Msg("background task done")
		return nil
	})
	return true
}

// Close stops accepting tasks and waits for in-flight ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.group.Wait()
}
