package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("gateway: closed")

// scheduler runs the gateway's fire-and-forget tasks. At most limit tasks
// run at once; the rest wait their turn without blocking whoever spawned them.
type scheduler struct {
	log    *zap.Logger
	group  *errgroup.Group
	mu     sync.Mutex     // orders queued.Add against close
	queued sync.WaitGroup // spawns waiting for a free slot

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newScheduler(limit int, log *zap.Logger) *scheduler {
	g := &errgroup.Group{}
	g.SetLimit(limit)
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{log: log, group: g, ctx: ctx, cancel: cancel}
}

// spawn schedules fn and returns at once. A task error is logged and goes
// nowhere else.
func (s *scheduler) spawn(op string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	task := func() error {
		if err := fn(s.ctx); err != nil {
			s.log.Warn("background task failed", zap.String("op", op), zap.Error(err))
		}
		return nil
	}
	if s.group.TryGo(task) {
		return nil
	}
	s.queued.Add(1)
	go func() {
		defer s.queued.Done()
		s.group.Go(task)
	}()
	return nil
}

// blockOn runs one call to completion on the calling goroutine. It never
// goes through the task queue, so a blocking call cannot be starved by, or
// deadlock behind, the tasks it waits with.
func blockOn[T any](s *scheduler, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if s.closed.Load() {
		return zero, ErrClosed
	}
	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()
	return fn(ctx)
}

// mergeCancel returns ctx that is also cancelled when other is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// close waits for every spawned task. Tasks still queued run too; each is
// bounded by the client's call timeout.
func (s *scheduler) close() {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()
	if already {
		return
	}
	s.queued.Wait()
	s.group.Wait()
	s.cancel()
}
