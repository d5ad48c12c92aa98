package transport

import (
	"io"

	"github.com/safierinx-a/led-grid-server/internal/codec"
	"github.com/safierinx-a/led-grid-server/internal/frame"
)

// BatchDecoder decodes a single batch envelope from a stream.
type BatchDecoder interface {
	DecodeBatch(r io.Reader) (codec.Envelope, error)
}

// FrameDecoder decodes a single frame binary from a stream.
type FrameDecoder interface {
	DecodeFrame(r io.Reader) (frame.Frame, error)
}

// BatchEncoder can encode envelopes efficiently (either to bytes or directly to writer).
type BatchEncoder interface {
	EncodeBatch(frames []frame.Frame, priority bool, sequence uint32, timestampMS uint64) ([]byte, error)
	EncodeBatchTo(w io.Writer, frames []frame.Frame, priority bool, sequence uint32, timestampMS uint64) (int, error)
}

// Compile-time assertions that *codec.Codec satisfies the capabilities.
var (
	_ BatchDecoder = (*codec.Codec)(nil)
	_ FrameDecoder = (*codec.Codec)(nil)
	_ BatchEncoder = (*codec.Codec)(nil)
)
