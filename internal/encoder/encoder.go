// Package encoder writes raw 16-bit little-endian PCM out as WAV or FLAC.
// Encoders are streaming: audio is handed over in arbitrary chunks while a
// recording is in progress and the container is finalized on Close.
package encoder

import (
	"fmt"
	"io"
)

const (
	// BlockSize is the FLAC frame size in samples.
	BlockSize = 4096

	bytesPerSample = 2
)

// Params describes the PCM stream handed to an encoder.
type Params struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultParams matches the resampled recording stream.
func DefaultParams() Params {
	return Params{SampleRate: 48000, Channels: 1, BitsPerSample: 16}
}

func (p Params) bytesPerSecond() int {
	return p.SampleRate * p.Channels * bytesPerSample
}

// Format selects the output container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
)

// Ext is the file extension for the format, without the dot.
func (f Format) Ext() string { return string(f) }

func (f Format) Valid() bool { return f == FormatWAV || f == FormatFLAC }

// Encoder consumes raw PCM and produces a finished audio file on Close.
type Encoder interface {
	// Write consumes raw 16-bit little-endian PCM bytes.
	Write(pcm []byte) error
	// Close flushes buffered samples and finalizes the container header.
	Close() error
	// BytesIn reports the raw PCM bytes consumed so far.
	BytesIn() uint64
}

// New returns an encoder for the format writing to w. The writer must be
// seekable so the container header can be patched with final sizes.
func New(format Format, w io.WriteSeeker, p Params) (Encoder, error) {
	switch format {
	case FormatWAV:
		return NewWAV(w, p)
	case FormatFLAC:
		return NewFLAC(w, p)
	default:
		return nil, fmt.Errorf("unknown audio format %q", format)
	}
}
