package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-sync-service/internal/logger"
)

// Worker runs automatic drains one at a time. Requests that arrive while a
// drain is running collapse into a single follow-up run.
type Worker struct {
	requests chan struct{}
	debounce time.Duration
	drain    func(ctx context.Context)

	timerMu sync.Mutex
	timer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorker(debounce time.Duration, drain func(ctx context.Context)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		requests: make(chan struct{}, 1),
		debounce: debounce,
		drain:    drain,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Worker) Start() {
	logger.Log.Info("Starting sync worker", zap.Duration("debounce", w.debounce))
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) Stop() {
	w.cancel()

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	w.wg.Wait()
	logger.Log.Info("Stopped sync worker")
}

// Request asks for a drain as soon as the worker is free.
func (w *Worker) Request() {
	select {
	case w.requests <- struct{}{}:
	default:
	}
}

// RequestDebounced asks for a drain once no further request has come in for
// the debounce window.
func (w *Worker) RequestDebounced() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.Request)
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.requests:
			w.drain(w.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}
