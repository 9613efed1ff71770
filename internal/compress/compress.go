// Package compress holds the stream codecs used by the build: xz for the
// distributed base images, zstd for the final artifact.
package compress

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/sdforge/sdforge/internal/ioprog"
	"github.com/ulikunitz/xz"
)

// DecompressXZ streams the xz-compressed src into dst, returning the number
// of decompressed bytes written.
func DecompressXZ(dst io.Writer, src io.Reader) (int64, error) {
	reader, err := xz.NewReader(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open xz stream: %w", err)
	}

	written, err := io.Copy(dst, reader)
	if err != nil {
		return written, fmt.Errorf("failed to decompress xz stream: %w", err)
	}

	return written, nil
}

// CompressZstd streams src into dst as a zstd frame, returning the number of
// bytes read and the number of compressed bytes written. The level follows
// the zstd CLI scale; the encoder uses all CPUs by default.
func CompressZstd(dst io.Writer, src io.Reader, level int) (int64, int64, error) {
	counting := &ioprog.CountingWriter{Writer: dst}

	encoder, err := zstd.NewWriter(counting, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	read, err := io.Copy(encoder, src)
	if err != nil {
		encoder.Close() //nolint:errcheck
		return read, counting.BytesWritten(), fmt.Errorf("failed to compress stream: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return read, counting.BytesWritten(), fmt.Errorf("failed to flush zstd stream: %w", err)
	}

	return read, counting.BytesWritten(), nil
}
