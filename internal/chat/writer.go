package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suPer8Hu/ivochat/internal/common"
)

const appendTimeout = 5 * time.Second

type appendJob struct {
	room string
	msg  Message
}

type appendFunc func(ctx context.Context, room string, msg Message) error

// writer persists history off the connection's read path. Jobs are sharded by
// room so one worker owns each room and appends land in enqueue order.
type writer struct {
	appendFn appendFunc
	obs      Observer
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan appendJob
	wg     sync.WaitGroup
}

func newWriter(fn appendFunc, workers, queueLen int, obs Observer, log *slog.Logger) *writer {
	if workers <= 0 {
		workers = 1
	}
	if queueLen <= 0 {
		queueLen = 1
	}
	w := &writer{appendFn: fn, obs: obs, log: log, shards: make([]chan appendJob, workers)}
	w.wg.Add(workers)
	for i := range workers {
		w.shards[i] = make(chan appendJob, queueLen)
		go w.run(i, w.shards[i])
	}
	return w
}

func (w *writer) run(workerID int, jobs <-chan appendJob) {
	defer w.wg.Done()
	for j := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := w.appendFn(ctx, j.room, j.msg)
		cancel()
		if err != nil {
			w.obs.HistoryWriteFailed(j.room)
			w.log.Error("history append failed", "worker", workerID, "room", j.room, "err", err)
		}
	}
}

// enqueue never blocks. A full shard drops the write and reports false.
func (w *writer) enqueue(room string, msg Message) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.shards[common.ShardForKey(room, len(w.shards))] <- appendJob{room: room, msg: msg}:
		return true
	default:
		return false
	}
}

// close stops intake and waits for queued appends to drain, or for ctx.
func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for _, ch := range w.shards {
			close(ch)
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
