package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Reader is implemented by characteristics that can return bytes the printer
// sends back, such as the status byte answering a DLE EOT query.
type Reader interface {
	Read(ctx context.Context) ([]byte, error)
}

// Stream adapts a byte stream (a serial port, an RFCOMM socket, a file) to
// Conn, Service and Characteristic. A stream has a single endpoint, so every
// service and characteristic UUID resolves to the stream itself.
//
// A failed write means the stream is gone: the disconnect observer fires and
// later writes fail.
type Stream struct {
	name string
	w    io.WriteCloser

	mu     sync.Mutex
	onDrop func()
	done   bool
}

var (
	_ Conn           = (*Stream)(nil)
	_ Characteristic = (*Stream)(nil)
	_ Reader         = (*Stream)(nil)
)

// NewStream wraps w. If w also implements io.Reader, the stream implements
// Reader.
func NewStream(name string, w io.WriteCloser) *Stream {
	return &Stream{name: name, w: w}
}

func (s *Stream) Service(ctx context.Context, uuid string) (Service, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return streamService{s}, nil
}

func (s *Stream) OnDisconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

func (s *Stream) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.live(); err != nil {
		return err
	}
	n, err := s.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		log.Warn().Err(err).Str("stream", s.name).Msg("write failed, dropping link")
		s.drop()
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

// Read waits for the next bytes from the stream, at most 128, or until ctx
// is done.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	r, ok := s.w.(io.Reader)
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, errors.ErrUnsupported)
	}
	type res struct {
		data []byte
		err  error
	}
	done := make(chan res, 1)
	go func() {
		buf := make([]byte, 128)
		n, err := r.Read(buf)
		done <- res{buf[:n], err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the stream without running the disconnect observer.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.onDrop = nil
	s.mu.Unlock()
	return s.w.Close()
}

func (s *Stream) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("%s: %w", s.name, io.ErrClosedPipe)
	}
	return nil
}

func (s *Stream) drop() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	fn := s.onDrop
	s.onDrop = nil
	s.mu.Unlock()

	_ = s.w.Close()
	if fn != nil {
		fn()
	}
}

type streamService struct{ s *Stream }

func (ss streamService) Characteristic(ctx context.Context, uuid string) (Characteristic, error) {
	if err := ss.s.live(); err != nil {
		return nil, err
	}
	return ss.s, nil
}
