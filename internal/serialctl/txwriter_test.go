package serialctl

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/logging"
)

// seqPort records the batch sequence of every write, optionally blocking
// until released.
type seqPort struct {
	mu    sync.Mutex
	seqs  []uint32
	block chan struct{}
}

func (p *seqPort) Read([]byte) (int, error) { return 0, nil }

func (p *seqPort) Write(b []byte) (int, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.seqs = append(p.seqs, binary.LittleEndian.Uint32(b))
	p.mu.Unlock()
	return len(b), nil
}

func (p *seqPort) Close() error { return nil }

func (p *seqPort) written() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.seqs...)
}

func seqBatch(seq uint32) buffer.Batch {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, seq)
	return buffer.Batch{Sequence: seq, Payload: payload, FrameCount: 1}
}

func TestTXWriter_WritesInOrder(t *testing.T) {
	port := &seqPort{}
	w := newTXWriter(port, 8, logging.L())
	for i := 1; i <= 5; i++ {
		w.enqueue(seqBatch(uint32(i)))
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(port.written()) == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.close()
	got := port.written()
	if len(got) != 5 {
		t.Fatalf("wrote %d batches, want 5", len(got))
	}
	for i, s := range got {
		if s != uint32(i+1) {
			t.Fatalf("out of order at %d: %d", i, s)
		}
	}
}

func TestTXWriter_BacklogShedsOldest(t *testing.T) {
	block := make(chan struct{})
	port := &seqPort{block: block}
	w := newTXWriter(port, 2, logging.L())

	// Worker picks up batch 1 and blocks inside Write; 2 and 3 fill the
	// queue; 4 must push out 2, the stalest queued batch.
	w.enqueue(seqBatch(1))
	time.Sleep(20 * time.Millisecond)
	w.enqueue(seqBatch(2))
	w.enqueue(seqBatch(3))
	w.enqueue(seqBatch(4))
	close(block)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(port.written()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.close()
	got := port.written()
	want := []uint32{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("wrote %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrote %v, want %v (freshest batches win)", got, want)
		}
	}
}

func TestTXWriter_EnqueueAfterCloseIsNoop(t *testing.T) {
	port := &seqPort{}
	w := newTXWriter(port, 4, logging.L())
	w.close()
	w.enqueue(seqBatch(9))
	w.close() // idempotent
	time.Sleep(20 * time.Millisecond)
	if n := len(port.written()); n != 0 {
		t.Fatalf("wrote %d batches after close", n)
	}
}
