// Package producer defines the contract pattern runners satisfy: publish
// FrameEvent and PatternChanged messages on the frames topic. The delivery
// core consumes these through the Controller Interface and is otherwise
// agnostic to how patterns are generated.
package producer

import (
	"context"

	"github.com/safierinx-a/led-grid-server/internal/frame"
)

// FrameEvent is a steady-state frame tagged with the pattern that produced it.
type FrameEvent struct {
	Frame     frame.Frame
	PatternID string
}

// PatternChanged announces a new pattern; emitted before its first frame.
type PatternChanged struct {
	PatternID string
	Params    map[string]any
}

// Source is a pattern runner. Run blocks publishing events until ctx is
// cancelled or the source fails.
type Source interface {
	Run(ctx context.Context) error
}
