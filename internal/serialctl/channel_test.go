package serialctl

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/codec"
	"github.com/safierinx-a/led-grid-server/internal/frame"
)

type fakePort struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	reads  io.Reader
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.reads == nil {
		return 0, io.EOF
	}
	return p.reads.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.wrote.Bytes()...)
}

func TestChannel_DeliversBatchesToPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf := buffer.New(buffer.Config{})
	port := &fakePort{}
	ch := New("ttyTEST", port, buf, WithPollInterval(10*time.Millisecond), WithSpace(10))
	go ch.Run(ctx)

	for i := 0; i < 6; i++ {
		f := frame.Frame{ID: uint32(i + 1), Width: 1, Height: 1, Pixels: make([]byte, 3)}
		if err := buf.AddFrame(f, "A", false); err != nil {
			t.Fatalf("AddFrame: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(port.written()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	wire := port.written()
	if len(wire) == 0 {
		t.Fatalf("no batch written to port")
	}
	var c codec.Codec
	env, err := c.DecodeBatch(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("decode written batch: %v", err)
	}
	if env.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", env.Sequence)
	}
	if len(env.Frames) != 6 {
		t.Fatalf("frames = %d, want 6", len(env.Frames))
	}
}

func TestChannel_StatusLinesFeedFlowControl(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf := buffer.New(buffer.Config{})
	port := &fakePort{reads: strings.NewReader(
		"garbage line\n" +
			`{"fullness":0.9,"fps":29.7,"seq":0}` + "\n",
	)}
	ch := New("ttyTEST", port, buf, WithPollInterval(time.Hour))
	go ch.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf.Status().DynamicBatchSize == 30 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dynamic batch size = %d, want 30 after fullness report", buf.Status().DynamicBatchSize)
}

func TestChannel_DetachesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	buf := buffer.New(buffer.Config{})
	port := &fakePort{}
	ch := New("ttyTEST", port, buf, WithPollInterval(10*time.Millisecond))
	done := make(chan struct{})
	go func() { ch.Run(ctx); close(done) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit on cancel")
	}
	if _, ok := buf.Status().Controllers[ch.ID]; ok {
		t.Fatalf("record still attached after cancel")
	}
}
