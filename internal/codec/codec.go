package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/safierinx-a/led-grid-server/internal/frame"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
)

// Wire constants for the batch envelope and frame binary. All multi-byte
// integers are little-endian, no padding.
const (
	Marker    = 0x0B // batch envelope sentinel
	Version   = 1
	TypeFull  = 1 // full-frame payload
	frameHdr  = 10
	batchHdr  = 18
	maxFrames = 1 << 16 // sanity bound on frame_count during decode
)

// Codec encodes/decodes batch envelopes. Stateless and safe for concurrent use.
type Codec struct{}

// ErrTruncated is returned when the input ends mid-envelope or mid-frame.
var ErrTruncated = errors.New("codec: truncated")

// ErrBadMarker is returned when the envelope does not start with the marker byte.
var ErrBadMarker = errors.New("codec: bad marker")

// ErrVersionMismatch is returned for an unsupported frame version byte.
var ErrVersionMismatch = errors.New("codec: version mismatch")

// Envelope is a decoded batch: header fields plus the carried frames.
type Envelope struct {
	Priority    bool
	Sequence    uint32
	TimestampMS uint64
	Frames      []frame.Frame
}

// EncodeFrame produces the 10-byte frame header followed by the pixel payload.
func (c *Codec) EncodeFrame(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, frameHdr+len(f.Pixels))
	buf[0] = Version
	buf[1] = TypeFull
	binary.LittleEndian.PutUint32(buf[2:6], f.ID)
	binary.LittleEndian.PutUint16(buf[6:8], f.Width)
	binary.LittleEndian.PutUint16(buf[8:10], f.Height)
	copy(buf[frameHdr:], f.Pixels)
	return buf, nil
}

// EncodeBatch packs frames into a single envelope.
func (c *Codec) EncodeBatch(frames []frame.Frame, priority bool, sequence uint32, timestampMS uint64) ([]byte, error) {
	var buf bytes.Buffer
	// Pre-size: header + per frame len prefix, header and payload.
	n := batchHdr
	for i := range frames {
		n += 4 + frameHdr + len(frames[i].Pixels)
	}
	buf.Grow(n)
	if _, err := c.EncodeBatchTo(&buf, frames, priority, sequence, timestampMS); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBatchTo writes the wire representation of an envelope to w and
// returns bytes written. Envelope: marker, frame_count u32, priority u8,
// sequence u32, timestamp_ms u64, then frame_count length-prefixed frames.
func (c *Codec) EncodeBatchTo(w io.Writer, frames []frame.Frame, priority bool, sequence uint32, timestampMS uint64) (int, error) {
	var hdr [batchHdr]byte
	hdr[0] = Marker
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(frames)))
	if priority {
		hdr[5] = 1
	}
	binary.LittleEndian.PutUint32(hdr[6:10], sequence)
	binary.LittleEndian.PutUint64(hdr[10:18], timestampMS)
	total, err := w.Write(hdr[:])
	if err != nil {
		return total, fmt.Errorf("batch encode header: %w", err)
	}
	var lenb [4]byte
	for i := range frames {
		fb, err := c.EncodeFrame(frames[i])
		if err != nil {
			return total, fmt.Errorf("batch encode frame %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(lenb[:], uint32(len(fb)))
		n, err := w.Write(lenb[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("batch encode frame len: %w", err)
		}
		n, err = w.Write(fb)
		total += n
		if err != nil {
			return total, fmt.Errorf("batch encode frame body: %w", err)
		}
	}
	return total, nil
}

// DecodeFrame reads exactly one frame binary from r.
// It returns io.EOF if called at a clean boundary and no more data is available.
func (c *Codec) DecodeFrame(r io.Reader) (frame.Frame, error) {
	var f frame.Frame
	var hdr [frameHdr]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return f, err
	}
	if hdr[0] != Version {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode: %w (%d)", ErrVersionMismatch, hdr[0])
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode header: %w", ErrTruncated)
	}
	f.ID = binary.LittleEndian.Uint32(hdr[2:6])
	f.Width = binary.LittleEndian.Uint16(hdr[6:8])
	f.Height = binary.LittleEndian.Uint16(hdr[8:10])
	if f.Width < frame.MinDim || f.Width > frame.MaxDim || f.Height < frame.MinDim || f.Height > frame.MaxDim {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode: %w: %dx%d", frame.ErrInvalidDimensions, f.Width, f.Height)
	}
	f.Pixels = make([]byte, 3*int(f.Width)*int(f.Height))
	if _, err := io.ReadFull(r, f.Pixels); err != nil {
		metrics.IncMalformed()
		return f, fmt.Errorf("frame decode pixels: %w", ErrTruncated)
	}
	return f, nil
}

// DecodeBatch verifies the marker and walks the length-prefixed frames.
func (c *Codec) DecodeBatch(r io.Reader) (Envelope, error) {
	var env Envelope
	var hdr [batchHdr]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return env, fmt.Errorf("batch decode header: %w", ErrTruncated)
		}
		return env, err
	}
	if hdr[0] != Marker {
		metrics.IncMalformed()
		return env, fmt.Errorf("batch decode: %w (0x%02X)", ErrBadMarker, hdr[0])
	}
	count := binary.LittleEndian.Uint32(hdr[1:5])
	if count > maxFrames {
		metrics.IncMalformed()
		return env, fmt.Errorf("batch decode: %w: frame count %d", ErrTruncated, count)
	}
	env.Priority = hdr[5] != 0
	env.Sequence = binary.LittleEndian.Uint32(hdr[6:10])
	env.TimestampMS = binary.LittleEndian.Uint64(hdr[10:18])
	env.Frames = make([]frame.Frame, 0, count)
	var lenb [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, lenb[:]); err != nil {
			metrics.IncMalformed()
			return env, fmt.Errorf("batch decode frame %d len: %w", i, ErrTruncated)
		}
		flen := binary.LittleEndian.Uint32(lenb[:])
		lr := io.LimitReader(r, int64(flen))
		f, err := c.DecodeFrame(lr)
		if err != nil {
			return env, fmt.Errorf("batch decode frame %d: %w", i, err)
		}
		if frameHdr+len(f.Pixels) != int(flen) {
			metrics.IncMalformed()
			return env, fmt.Errorf("batch decode frame %d: %w: length prefix %d", i, ErrTruncated, flen)
		}
		env.Frames = append(env.Frames, f)
	}
	return env, nil
}
