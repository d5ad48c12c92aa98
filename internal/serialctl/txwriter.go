package serialctl

import (
	"log/slog"
	"sync"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

// txWriter funnels all port writes through one goroutine. Frames are
// perishable: when the board falls behind, the OLDEST queued batch is
// discarded so the wall always renders the freshest frames, rather than
// rejecting new work behind a stale backlog.
type txWriter struct {
	mu     sync.Mutex
	queue  []buffer.Batch
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	port   Port
	depth  int
	closed bool
	logger *slog.Logger
}

func newTXWriter(port Port, depth int, logger *slog.Logger) *txWriter {
	if depth <= 0 {
		depth = txQueueSize
	}
	w := &txWriter{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		port:   port,
		depth:  depth,
		logger: logger,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// enqueue never blocks and never fails: a full queue sheds its oldest batch.
func (w *txWriter) enqueue(b buffer.Batch) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.queue) >= w.depth {
		stale := w.queue[0]
		w.queue = append(w.queue[:0:0], w.queue[1:]...)
		metrics.IncError(metrics.ErrSerialOverflow)
		metrics.AddDropped(stale.FrameCount)
		w.logger.Debug("serial_backlog_shed", "sequence", stale.Sequence, "frames", stale.FrameCount)
	}
	w.queue = append(w.queue, b)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *txWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			b := w.queue[0]
			w.queue = append(w.queue[:0:0], w.queue[1:]...)
			w.mu.Unlock()
			if _, err := w.port.Write(b.Payload); err != nil {
				metrics.IncError(metrics.ErrSerialWrite)
				w.logger.Error("serial_write_error", "error", err)
				continue
			}
			metrics.IncSerialTx()
			w.logger.Debug("serial_batch_tx", "sequence", b.Sequence, "frames", b.FrameCount)
		}
	}
}

// close stops the worker; anything still queued is abandoned (perishable).
func (w *txWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
}
