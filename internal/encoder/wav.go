package encoder

import (
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// WAVEncoder streams PCM into a canonical 44-byte-header WAV file. The
// RIFF and data chunk sizes are written as placeholders up front and
// patched on Close, so the writer must support seeking.
type WAVEncoder struct {
	w       io.WriteSeeker
	params  Params
	dataLen uint64
	closed  bool
}

func NewWAV(w io.WriteSeeker, p Params) (*WAVEncoder, error) {
	e := &WAVEncoder{w: w, params: p}
	if err := e.writeHeader(0); err != nil {
		return nil, fmt.Errorf("writing wav header: %w", err)
	}
	return e, nil
}

func (e *WAVEncoder) writeHeader(dataLen uint32) error {
	var hdr [wavHeaderSize]byte
	le := binary.LittleEndian

	copy(hdr[0:4], "RIFF")
	le.PutUint32(hdr[4:8], 36+dataLen)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	le.PutUint32(hdr[16:20], 16)
	le.PutUint16(hdr[20:22], 1) // PCM
	le.PutUint16(hdr[22:24], uint16(e.params.Channels))
	le.PutUint32(hdr[24:28], uint32(e.params.SampleRate))
	le.PutUint32(hdr[28:32], uint32(e.params.bytesPerSecond()))
	le.PutUint16(hdr[32:34], uint16(e.params.Channels*bytesPerSample))
	le.PutUint16(hdr[34:36], uint16(e.params.BitsPerSample))

	copy(hdr[36:40], "data")
	le.PutUint32(hdr[40:44], dataLen)

	_, err := e.w.Write(hdr[:])
	return err
}

func (e *WAVEncoder) Write(pcm []byte) error {
	if e.closed {
		return fmt.Errorf("write on closed wav encoder")
	}
	n, err := e.w.Write(pcm)
	e.dataLen += uint64(n)
	if err != nil {
		return fmt.Errorf("writing wav data: %w", err)
	}
	return nil
}

func (e *WAVEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if _, err := e.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to wav header: %w", err)
	}
	if err := e.writeHeader(uint32(e.dataLen)); err != nil {
		return fmt.Errorf("patching wav header: %w", err)
	}
	return nil
}

func (e *WAVEncoder) BytesIn() uint64 { return e.dataLen }
