package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/frame"
	"github.com/safierinx-a/led-grid-server/internal/logging"
)

// Generator is a built-in pattern source for bring-up and end-to-end tests.
// It publishes on bus.TopicFrames at a fixed rate; real pattern engines
// replace it by publishing the same messages.
type Generator struct {
	Bus     *bus.Bus
	Pattern string // "sweep" or "solid"
	Width   uint16
	Height  uint16
	FPS     int

	nextID uint32
}

// Run publishes a PatternChanged followed by frames until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	switch g.Pattern {
	case "sweep", "solid":
	default:
		return fmt.Errorf("generator: unknown pattern %q", g.Pattern)
	}
	fps := g.FPS
	if fps <= 0 {
		fps = 30
	}
	g.Bus.Publish(bus.TopicFrames, PatternChanged{PatternID: g.Pattern})
	logging.L().Info("generator_started", "pattern", g.Pattern, "fps", fps, "size", fmt.Sprintf("%dx%d", g.Width, g.Height))
	t := time.NewTicker(time.Second / time.Duration(fps))
	defer t.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			g.Bus.Publish(bus.TopicFrames, FrameEvent{Frame: g.render(tick), PatternID: g.Pattern})
			tick++
		}
	}
}

func (g *Generator) render(tick int) frame.Frame {
	w, h := int(g.Width), int(g.Height)
	px := make([]byte, 3*w*h)
	switch g.Pattern {
	case "solid":
		c := byte(tick % 256)
		for i := 0; i < len(px); i += 3 {
			px[i], px[i+1], px[i+2] = c, 255-c, 64
		}
	case "sweep":
		col := tick % w
		for y := 0; y < h; y++ {
			o := 3 * (y*w + col)
			px[o] = 255
		}
	}
	g.nextID++
	return frame.Frame{ID: g.nextID, Width: g.Width, Height: g.Height, Pixels: px}
}
