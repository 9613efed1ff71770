package ioprog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressWriterReportsRatio(t *testing.T) {
	var lastProgress float64
	var lastWritten int64
	calls := 0

	// Zero cadence: report on every write
	w := NewProgressWriter(func(progress float64, written, expected int64) {
		lastProgress = progress
		lastWritten = written
		calls++

		assert.Equal(t, int64(100), expected)
	}, 0, 100)

	n, err := w.Write(make([]byte, 25))
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 0.25, lastProgress)

	_, err = w.Write(make([]byte, 75))
	require.NoError(t, err)
	assert.Equal(t, 1.0, lastProgress)
	assert.Equal(t, int64(100), lastWritten)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(100), w.BytesWritten())
}

func TestProgressWriterUnknownSize(t *testing.T) {
	var lastProgress float64

	w := NewProgressWriter(func(progress float64, _, _ int64) {
		lastProgress = progress
	}, 0, -1)

	_, err := w.Write(make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 0.0, lastProgress)
}

func TestCountingWriter(t *testing.T) {
	buff := &bytes.Buffer{}
	w := &CountingWriter{Writer: buff}

	_, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), w.BytesWritten())
	assert.Equal(t, "hello world", buff.String())
}

func TestHashingWriter(t *testing.T) {
	buff := &bytes.Buffer{}
	w := &HashingWriter{Writer: buff, Hash: sha256.New()}

	_, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	expected := sha256.Sum256([]byte("hello world"))
	assert.Equal(t, hex.EncodeToString(expected[:]), hex.EncodeToString(w.Sum()))
	assert.Equal(t, "hello world", buff.String())
}
