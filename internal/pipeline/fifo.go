package pipeline

import (
	"fmt"
	"os"
	"syscall"
)

// fifo is a named pipe used as a tap point between an external stage and
// an in-process consumer loop. The supervisor holds an O_RDWR anchor so
// the pipe survives stage restarts without the reader seeing EOF; closing
// the anchor during shutdown is what releases blocked readers.
type fifo struct {
	path   string
	anchor *os.File
}

func newFifo(path string) (*fifo, error) {
	_ = os.Remove(path)
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("creating fifo %s: %w", path, err)
	}
	// O_RDWR never blocks on open and keeps a writer reference alive.
	anchor, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return &fifo{path: path, anchor: anchor}, nil
}

// WriteEnd is the file handed to a stage as its output.
func (f *fifo) WriteEnd() *os.File { return f.anchor }

// OpenReader opens the consuming end. It does not block because the
// anchor already holds the write side open.
func (f *fifo) OpenReader() (*os.File, error) {
	r, err := os.OpenFile(f.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo reader %s: %w", f.path, err)
	}
	return r, nil
}

func (f *fifo) Close() error {
	var err error
	if f.anchor != nil {
		err = f.anchor.Close()
		f.anchor = nil
	}
	os.Remove(f.path)
	return err
}
