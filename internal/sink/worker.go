package sink

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the background batch worker and, when configured, the
// periodic flush ticker. It returns immediately; Close stops the worker. A
// sink runs at most one worker over its lifetime.
func (s *Sink) Start(ctx context.Context) {
	s.dispatchMu.Lock()
	if s.started {
		s.dispatchMu.Unlock()
		return
	}
	s.started = true
	s.running = true
	s.dispatchMu.Unlock()

	go s.run(ctx)
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.flushInterval > 0 {
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	persistCtx := context.WithoutCancel(ctx)
	for {
		select {
		case b := <-s.jobs:
			_ = s.persist(persistCtx, b)
		case <-tick:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("periodic flush failed", slog.Any("error", err))
			}
		case <-s.stop:
			s.drain(persistCtx)
			return
		case <-ctx.Done():
			s.drain(persistCtx)
			return
		}
	}
}

// drain stops accepting queued work and persists whatever is already queued.
func (s *Sink) drain(ctx context.Context) {
	s.dispatchMu.Lock()
	s.running = false
	s.dispatchMu.Unlock()

	for {
		select {
		case b := <-s.jobs:
			_ = s.persist(ctx, b)
		default:
			return
		}
	}
}

// Close flushes the buffers and waits for the worker to drain its queue or
// for ctx to expire.
func (s *Sink) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)

	s.dispatchMu.RLock()
	running := s.running
	s.dispatchMu.RUnlock()
	s.stopOnce.Do(func() { close(s.stop) })

	if running {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return flushErr
}
