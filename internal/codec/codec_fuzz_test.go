package codec

import (
	"bytes"
	"testing"

	"github.com/safierinx-a/led-grid-server/internal/frame"
)

// FuzzDecodeBatch ensures the decoder never panics on arbitrary input.
func FuzzDecodeBatch(f *testing.F) {
	c := Codec{}
	seeds := [][]frame.Frame{
		{mkFrame(1, 1, 1)},
		{mkFrame(2, 2, 1), mkFrame(3, 4, 4)},
	}
	for _, s := range seeds {
		wire, _ := c.EncodeBatch(s, true, 9, 1234)
		f.Add(wire)
	}
	f.Add([]byte{0x0B})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeBatch(bytes.NewReader(data))
	})
}

// FuzzDecodeFrame ensures the frame decoder never panics on random input.
func FuzzDecodeFrame(f *testing.F) {
	c := Codec{}
	wire, _ := c.EncodeFrame(mkFrame(7, 2, 2))
	f.Add(wire)
	f.Add([]byte{1, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeFrame(bytes.NewReader(data))
	})
}
