package encoder

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FLACEncoder streams mono PCM into a FLAC file. Incoming bytes are
// accumulated into fixed-size blocks; the trailing partial block is
// flushed on Close. The seekable writer lets the flac library patch the
// stream info with the final sample count.
type FLACEncoder struct {
	enc     *flac.Encoder
	params  Params
	block   []int16
	carry   byte // leftover byte of a split 16-bit sample
	hasCar  bool
	bytesIn uint64
	closed  bool
}

func NewFLAC(w io.WriteSeeker, p Params) (*FLACEncoder, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(p.SampleRate),
		NChannels:     uint8(p.Channels),
		BitsPerSample: uint8(p.BitsPerSample),
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	return &FLACEncoder{
		enc:    enc,
		params: p,
		block:  make([]int16, 0, BlockSize),
	}, nil
}

func (e *FLACEncoder) Write(pcm []byte) error {
	if e.closed {
		return fmt.Errorf("write on closed flac encoder")
	}
	e.bytesIn += uint64(len(pcm))
	if e.hasCar && len(pcm) > 0 {
		s := int16(uint16(e.carry) | uint16(pcm[0])<<8)
		e.hasCar = false
		pcm = pcm[1:]
		if err := e.push(s); err != nil {
			return err
		}
	}
	for len(pcm) >= 2 {
		s := int16(binary.LittleEndian.Uint16(pcm))
		pcm = pcm[2:]
		if err := e.push(s); err != nil {
			return err
		}
	}
	if len(pcm) == 1 {
		e.carry = pcm[0]
		e.hasCar = true
	}
	return nil
}

func (e *FLACEncoder) push(s int16) error {
	e.block = append(e.block, s)
	if len(e.block) == BlockSize {
		return e.flushBlock()
	}
	return nil
}

func (e *FLACEncoder) flushBlock() error {
	if len(e.block) == 0 {
		return nil
	}
	samples := make([]int32, len(e.block))
	for i, s := range e.block {
		samples[i] = int32(s)
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(e.block)),
			SampleRate:    uint32(e.params.SampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: uint8(e.params.BitsPerSample),
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  len(samples),
		}},
	}
	e.block = e.block[:0]
	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	return nil
}

func (e *FLACEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.flushBlock(); err != nil {
		return err
	}
	if err := e.enc.Close(); err != nil {
		return fmt.Errorf("closing flac encoder: %w", err)
	}
	return nil
}

func (e *FLACEncoder) BytesIn() uint64 { return e.bytesIn }
