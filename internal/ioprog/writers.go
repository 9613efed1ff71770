package ioprog

import (
	"hash"
	"io"
	"time"
)

// ProgressWriter reports write progress to a callback at most once per
// cadence. An expected size of <= 0 disables the ratio (reported as 0).
type ProgressWriter struct {
	bytesWritten  int64
	bytesExpected int64

	callback   func(progress float64, written int64, expected int64)
	cadence    time.Duration
	lastUpdate time.Time
}

func NewProgressWriter(callback func(progress float64, written int64, expected int64), cadence time.Duration, expected int64) *ProgressWriter {
	return &ProgressWriter{
		bytesExpected: expected,
		callback:      callback,
		cadence:       cadence,
	}
}

func (w *ProgressWriter) Write(b []byte) (int, error) {
	w.bytesWritten += int64(len(b))

	if w.lastUpdate.IsZero() || time.Since(w.lastUpdate) >= w.cadence {
		progress := 0.0
		if w.bytesExpected > 0 {
			progress = float64(w.bytesWritten) / float64(w.bytesExpected)
		}

		w.callback(progress, w.bytesWritten, w.bytesExpected)
		w.lastUpdate = time.Now()
	}

	return len(b), nil
}

func (w *ProgressWriter) BytesWritten() int64 {
	return w.bytesWritten
}

type CountingWriter struct {
	Writer       io.Writer
	bytesWritten int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	written, err := c.Writer.Write(p)
	c.bytesWritten += int64(written)

	return written, err
}

func (c *CountingWriter) BytesWritten() int64 {
	return c.bytesWritten
}

// HashingWriter tees everything written into a hash, so that a stream can be
// checksummed while it is being written out.
type HashingWriter struct {
	Writer io.Writer
	Hash   hash.Hash
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	written, err := h.Writer.Write(p)

	// Hash only what actually made it to the underlying writer; hash.Hash
	// writes never fail.
	h.Hash.Write(p[:written]) //nolint:errcheck

	return written, err
}

func (h *HashingWriter) Sum() []byte {
	return h.Hash.Sum(nil)
}
