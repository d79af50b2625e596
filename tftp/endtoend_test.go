package tftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memHandler is an in-memory Handler for end-to-end Client/Server tests,
// standing in for a real filesystem the way the teacher's tests would stub
// FileHandler against an in-memory map rather than touching disk.
type memHandler struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemHandler() *memHandler { return &memHandler{files: make(map[string][]byte)} }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (h *memHandler) OnRead(ctx context.Context, remoteAddr net.Addr, filename string) (Producer, io.Closer, error) {
	h.mu.Lock()
	data, ok := h.files[filename]
	h.mu.Unlock()
	if !ok {
		return nil, nil, &PeerError{Code: ErrCodeFileNotFound, Message: "File not found"}
	}
	offset := 0
	producer := func(buf []byte) (int, error) {
		n := copy(buf, data[offset:])
		offset += n
		return n, nil
	}
	return producer, nopCloser{}, nil
}

func (h *memHandler) OnWrite(ctx context.Context, remoteAddr net.Addr, filename string) (Consumer, io.Closer, error) {
	h.mu.Lock()
	_, exists := h.files[filename]
	h.mu.Unlock()
	if exists {
		return nil, nil, &PeerError{Code: ErrCodeFileExists, Message: "File already exists"}
	}
	var buf bytes.Buffer
	consumer := func(payload []byte) error {
		buf.Write(payload)
		return nil
	}
	return consumer, closerFunc(func() error {
		h.mu.Lock()
		h.files[filename] = append([]byte(nil), buf.Bytes()...)
		h.mu.Unlock()
		return nil
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func startTestServer(t *testing.T, handler Handler) (addr string, stop func()) {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", handler, Config{TimeoutMs: 200, Retries: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()

	return srv.listener.LocalAddr().String(), func() {
		cancel()
		_ = srv.Close()
	}
}

func TestEndToEndPlainGet(t *testing.T) {
	handler := newMemHandler()
	handler.files["readme.txt"] = []byte("the quick brown fox")
	addr, stop := startTestServer(t, handler)
	defer stop()

	client, err := NewClient(addr, Config{})
	require.NoError(t, err)

	var got bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := client.Get(ctx, "readme.txt", ModeOctet, func(p []byte) error {
		got.Write(p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)
	assert.Equal(t, "the quick brown fox", got.String())
}

func TestEndToEndGetWithBlksizeOack(t *testing.T) {
	handler := newMemHandler()
	payload := bytes.Repeat([]byte("ab"), 600) // 1200 bytes, exercises blksize=1024
	handler.files["big.bin"] = payload
	addr, stop := startTestServer(t, handler)
	defer stop()

	client, err := NewClient(addr, Config{BlockSize: 1024})
	require.NoError(t, err)

	var got bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := client.Get(ctx, "big.bin", ModeOctet, func(p []byte) error {
		got.Write(p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, got.Bytes())
}

func TestEndToEndPutEmptyFile(t *testing.T) {
	handler := newMemHandler()
	addr, stop := startTestServer(t, handler)
	defer stop()

	client, err := NewClient(addr, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := client.Put(ctx, "empty.bin", ModeOctet, func(buf []byte) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	handler.mu.Lock()
	stored, ok := handler.files["empty.bin"]
	handler.mu.Unlock()
	assert.True(t, ok)
	assert.Empty(t, stored)
}

func TestEndToEndWriteRejectsExistingFile(t *testing.T) {
	handler := newMemHandler()
	handler.files["taken.bin"] = []byte("already here")
	addr, stop := startTestServer(t, handler)
	defer stop()

	client, err := NewClient(addr, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = client.Put(ctx, "taken.bin", ModeOctet, func(buf []byte) (int, error) {
		return 0, nil
	})
	require.Error(t, err)
	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeFileExists, pe.Code)
}
