// Package controllers supervises the set of attached controllers and routes
// producer frames into the frame buffer with their pattern context.
package controllers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/safierinx-a/led-grid-server/internal/buffer"
	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/logging"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
	"github.com/safierinx-a/led-grid-server/internal/producer"
)

// Joined is published on bus.TopicEvents when a controller completes its join.
type Joined struct {
	ID string
}

// Left is published on bus.TopicEvents when a controller session closes.
type Left struct {
	ID string
}

// Stats carries periodic controller-side telemetry.
type Stats struct {
	ID      string
	Payload map[string]any
}

// DetailedStats carries operator-requested deep telemetry.
type DetailedStats struct {
	ID      string
	Payload map[string]any
}

// Interface subscribes to producer and controller events, feeds the buffer,
// and keeps the live-controller registry for telemetry clients.
type Interface struct {
	bus    *bus.Bus
	buf    *buffer.Buffer
	logger *slog.Logger

	mu           sync.RWMutex
	lastPattern  string
	live         map[string]map[string]any // id -> last seen stats
	lastDetailed map[string]any
}

func New(b *bus.Bus, buf *buffer.Buffer, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = logging.L()
	}
	return &Interface{
		bus:    b,
		buf:    buf,
		logger: logger,
		live:   make(map[string]map[string]any),
	}
}

// Run consumes producer frames and controller events until ctx is cancelled.
// Producer events are handled in arrival order; frames are never reordered.
func (i *Interface) Run(ctx context.Context) {
	frames := i.bus.Subscribe(bus.TopicFrames)
	defer frames.Cancel()
	events := i.bus.Subscribe(bus.TopicEvents)
	defer events.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-frames.C:
			i.handleFrameEvent(msg)
		case msg := <-events.C:
			i.handleControllerEvent(msg)
		}
	}
}

func (i *Interface) handleFrameEvent(msg any) {
	switch m := msg.(type) {
	case producer.FrameEvent:
		i.mu.Lock()
		first := m.PatternID != i.lastPattern
		i.lastPattern = m.PatternID
		i.mu.Unlock()
		_ = i.buf.AddFrame(m.Frame, m.PatternID, first)
	case producer.PatternChanged:
		// The announcement goes through the buffer's per-controller
		// mailboxes so it reaches each wire before the pattern's frames.
		i.logger.Info("pattern_changed", "pattern", m.PatternID)
		i.buf.AnnouncePattern(m.PatternID)
	default:
		i.logger.Warn("unknown_frame_event", "type", fmt.Sprintf("%T", msg))
	}
}

func (i *Interface) handleControllerEvent(msg any) {
	switch m := msg.(type) {
	case Joined:
		i.mu.Lock()
		if _, ok := i.live[m.ID]; !ok {
			i.live[m.ID] = map[string]any{}
		}
		n := len(i.live)
		i.mu.Unlock()
		metrics.SetActiveControllers(n)
		i.logger.Info("controller_joined", "controller", m.ID, "count", n)
	case Left:
		i.mu.Lock()
		delete(i.live, m.ID)
		n := len(i.live)
		i.mu.Unlock()
		metrics.SetActiveControllers(n)
		i.logger.Info("controller_left", "controller", m.ID, "count", n)
	case Stats:
		i.mu.Lock()
		i.live[m.ID] = m.Payload
		i.mu.Unlock()
	case DetailedStats:
		i.mu.Lock()
		i.lastDetailed = m.Payload
		i.mu.Unlock()
	default:
		i.logger.Warn("unknown_controller_event", "type", fmt.Sprintf("%T", msg))
	}
}

// Status is the telemetry snapshot served to operators.
type Status struct {
	Connected         bool                      `json:"connected"`
	Count             int                       `json:"count"`
	Controllers       map[string]map[string]any `json:"controllers"`
	BufferStatus      buffer.Snapshot           `json:"buffer_status"`
	LastDetailedStats map[string]any            `json:"last_detailed_stats,omitempty"`
}

func (i *Interface) Status() Status {
	i.mu.RLock()
	ctrls := make(map[string]map[string]any, len(i.live))
	for id, st := range i.live {
		ctrls[id] = st
	}
	detailed := i.lastDetailed
	i.mu.RUnlock()
	return Status{
		Connected:         len(ctrls) > 0,
		Count:             len(ctrls),
		Controllers:       ctrls,
		BufferStatus:      i.buf.Status(),
		LastDetailedStats: detailed,
	}
}
