// Package serialctl delivers batches to a controller attached over a serial
// line (bench bring-up: a board on USB before it has a network). The binary
// batch envelope goes onto the wire as-is; the board answers with
// newline-delimited JSON status lines that feed flow control.
package serialctl

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/logging"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

const (
	defaultPollInterval = 33 * time.Millisecond
	defaultSpace        = 30
	txQueueSize         = 8
	maxStatusLine       = 512
)

// statusLine is what the board reports between batches.
type statusLine struct {
	Fullness   float64 `json:"fullness"`
	FPS        float64 `json:"fps"`
	Seq        uint32  `json:"seq"`
	CanReceive *bool   `json:"can_receive"`
}

// Channel is one serial-attached controller. It self-clocks pull requests
// (there is no request path on the wire) and mirrors the board's status lines
// into controller reports.
type Channel struct {
	ID           string
	port         Port
	buf          *buffer.Buffer
	tx           *txWriter
	mailbox      chan buffer.Delivery
	pollInterval time.Duration
	space        int
	logger       *slog.Logger
}

type Option func(*Channel)

// WithPollInterval overrides the self-clock cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithSpace overrides space_available reported on self-clocked requests.
func WithSpace(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.space = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// New attaches a serial controller channel to the buffer under id
// "serial:<device>".
func New(device string, port Port, buf *buffer.Buffer, opts ...Option) *Channel {
	c := &Channel{
		ID:           "serial:" + device,
		port:         port,
		buf:          buf,
		mailbox:      make(chan buffer.Delivery, txQueueSize),
		pollInterval: defaultPollInterval,
		space:        defaultSpace,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("controller", c.ID)
	c.tx = newTXWriter(port, txQueueSize, c.logger)
	buf.Attach(c.ID, c.mailbox)
	return c
}

// Run pumps batches and the self-clock until ctx is cancelled. The read side
// runs on its own goroutine for the same lifetime.
func (c *Channel) Run(ctx context.Context) {
	go c.readLoop(ctx)
	// Urgent first request so the board lights up without waiting a full
	// poll interval.
	c.buf.BatchRequest(c.ID, 0, c.space, true)
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.buf.Detach(c.ID)
			c.tx.close()
			_ = c.port.Close()
			return
		case d := <-c.mailbox:
			// The serial wire has no pattern_changed event; notices carry no
			// payload for the board.
			if d.Batch != nil {
				c.tx.enqueue(*d.Batch)
			}
		case <-t.C:
			c.buf.BatchRequest(c.ID, 0, c.space, false)
		}
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	sc := bufio.NewScanner(c.port)
	sc.Buffer(make([]byte, maxStatusLine), maxStatusLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var st statusLine
		if err := json.Unmarshal(line, &st); err != nil {
			metrics.IncMalformed()
			continue
		}
		canReceive := true
		if st.CanReceive != nil {
			canReceive = *st.CanReceive
		}
		c.buf.ControllerReport(c.ID, st.Fullness, canReceive, st.Seq, st.FPS)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		metrics.IncError(metrics.ErrSerialRead)
		c.logger.Warn("serial_read_error", "error", err)
	}
}
