package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/qsimlab/beopt/internal/optimization"
)

// TraceWriter appends optimization steps to a JSON-lines trace file, one
// object per evaluation, so long runs can be inspected while in flight.
type TraceWriter struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewTraceWriter opens path for appending.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open trace %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	return &TraceWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write appends one step and flushes it to disk.
func (w *TraceWriter) Write(step optimization.Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(step); err != nil {
		return fmt.Errorf("store: write trace: %w", err)
	}
	return w.buf.Flush()
}

// Close flushes buffered steps and closes the file.
func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("store: flush trace: %w", err)
	}
	return w.f.Close()
}
