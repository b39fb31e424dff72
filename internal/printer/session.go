// Package printer drives a G5 label printer over a link: connection
// lifecycle, serialized paced writes, and the full label print sequence.
package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alonch/redirect-qr/internal/chunk"
	"github.com/alonch/redirect-qr/internal/link"
	"github.com/alonch/redirect-qr/internal/queue"
)

// State of a Session's connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session owns one printer connection. All writes go through a queue so
// the characteristic never sees two writes at once.
type Session struct {
	central link.Central
	opts    Options

	mu     sync.Mutex
	state  State
	status string
	gen    uint64 // bumped on every teardown; stale observers compare it
	name   string
	conn   link.Conn
	char   link.Characteristic
	q      *queue.Queue

	jobMu sync.Mutex
}

// New returns a disconnected session that will find its printer through c.
// Identifiers and limits left zero in opts take their defaults; zero delays
// mean no delay.
func New(c link.Central, opts Options) *Session {
	return &Session{
		central: c,
		opts:    opts.withDefaults(),
		status:  "Disconnected",
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a human-readable line describing the connection.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Name of the connected printer, or "".
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// setLocked updates state and returns the notification to deliver once
// s.mu is released.
func (s *Session) setLocked(st State, status string) func() {
	s.state = st
	s.status = status
	cb := s.opts.OnStatus
	if cb == nil {
		return func() {}
	}
	return func() { cb(st, status) }
}

// Connect discovers the printer, opens the link and resolves the writable
// characteristic. Any failure leaves the session Disconnected with no
// handles kept. Connect on a connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrBusy
	}
	gen := s.gen
	notify := s.setLocked(Connecting, "Connecting...")
	s.mu.Unlock()
	notify()

	var conn link.Conn
	fail := func(step string, err error) error {
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				log.Debug().Err(cerr).Msg("closing failed link")
			}
		}
		cerr := &ConnectionError{Step: step, Err: err}
		s.mu.Lock()
		notify := func() {}
		if s.gen == gen {
			s.gen++
			notify = s.setLocked(Disconnected, "Connection failed: "+err.Error())
		}
		s.mu.Unlock()
		notify()
		log.Error().Err(err).Str("step", step).Msg("printer connection failed")
		return cerr
	}

	log.Info().Str("prefix", s.opts.NamePrefix).Str("service", s.opts.ServiceUUID).Msg("looking for printer")
	p, err := s.central.Discover(ctx, link.Filter{NamePrefix: s.opts.NamePrefix, ServiceUUID: s.opts.ServiceUUID})
	if err != nil {
		return fail("discover", err)
	}
	conn, err = p.Connect(ctx)
	if err != nil {
		return fail("connect", err)
	}
	svc, err := conn.Service(ctx, s.opts.ServiceUUID)
	if err != nil {
		return fail("service", err)
	}
	char, err := svc.Characteristic(ctx, s.opts.CharacteristicUUID)
	if err != nil {
		return fail("characteristic", err)
	}

	conn.OnDisconnect(func() { s.lost(gen) })

	s.mu.Lock()
	if s.gen != gen || s.state != Connecting {
		// Disconnect was called, or the link dropped, while connecting
		s.mu.Unlock()
		return fail("register", ErrNotConnected)
	}
	s.conn = conn
	s.char = char
	s.name = p.Name()
	s.q = queue.New(s.opts.QueuePace)
	notify = s.setLocked(Connected, "Connected to "+p.Name())
	s.mu.Unlock()
	notify()

	log.Info().Str("name", p.Name()).Str("address", p.Address()).Msg("printer connected")
	return nil
}

// Disconnect closes the link. Queued writes fail; the session can connect
// again afterwards.
func (s *Session) Disconnect() error {
	conn := s.teardown(nil, "Disconnected")
	if conn == nil {
		return nil
	}
	log.Info().Msg("printer disconnected")
	return conn.Close()
}

// lost handles a link drop reported by the backend for connection gen.
func (s *Session) lost(gen uint64) {
	if s.teardown(&gen, "Printer disconnected") != nil {
		log.Warn().Msg("printer link lost")
	}
}

// teardown moves to Disconnected and clears the handles, returning the
// conn that was live. With gen set it only acts if gen is still current.
func (s *Session) teardown(gen *uint64, status string) link.Conn {
	s.mu.Lock()
	if gen != nil && *gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	conn, q := s.conn, s.q
	s.conn, s.char, s.q, s.name = nil, nil, nil, ""
	notify := func() {}
	if s.state != Disconnected || conn != nil {
		notify = s.setLocked(Disconnected, status)
	}
	s.mu.Unlock()

	if q != nil {
		q.Close()
	}
	notify()
	return conn
}

// SendData writes payload to the printer as one queued operation. Payloads
// longer than the write limit are split and written piece by piece with a
// short pause after each; the first failed piece aborts the rest. Shorter
// payloads are written whole, followed by a settle pause. An empty payload
// writes nothing.
func (s *Session) SendData(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	s.mu.Lock()
	st, q, char, gen := s.state, s.q, s.char, s.gen
	s.mu.Unlock()
	if st != Connected || q == nil {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}

	err := q.Submit(ctx, func(ctx context.Context) error {
		return s.send(ctx, gen, char, payload)
	})
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, queue.ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return &TransportError{Op: "send", Err: err}
}

func (s *Session) send(ctx context.Context, gen uint64, char link.Characteristic, payload []byte) error {
	head := payload
	if len(head) > 10 {
		head = head[:10]
	}
	log.Debug().Int("len", len(payload)).Hex("head", head).Msg("sending")

	if len(payload) <= s.opts.WriteLimit {
		if err := s.write(ctx, gen, char, payload); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		return sleep(ctx, s.opts.SettleDelay)
	}

	parts := chunk.Bytes(payload, s.opts.WriteLimit)
	for i, part := range parts {
		if err := s.write(ctx, gen, char, part); err != nil {
			return &TransportError{Op: fmt.Sprintf("write sub-chunk %d/%d", i+1, len(parts)), Err: err}
		}
		if err := sleep(ctx, s.opts.SubChunkDelay); err != nil {
			return err
		}
	}
	log.Debug().Int("parts", len(parts)).Msg("sub-chunks sent")
	return nil
}

// write bounds one characteristic write by WriteTimeout. A write abandoned
// on timeout or cancellation drops the link: it may still be in flight and
// must not overlap the next one.
func (s *Session) write(ctx context.Context, gen uint64, char link.Characteristic, p []byte) error {
	if s.opts.WriteTimeout <= 0 {
		return char.Write(ctx, p)
	}
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- char.Write(wctx, p) }()
	select {
	case err := <-done:
		return err
	case <-wctx.Done():
	}
	select {
	case err := <-done:
		return err
	default:
	}

	err := wctx.Err()
	log.Error().Err(err).Int("len", len(p)).Msg("write did not complete, dropping link")
	if conn := s.teardown(&gen, "Write timed out"); conn != nil {
		if cerr := conn.Close(); cerr != nil {
			log.Debug().Err(cerr).Msg("closing stalled link")
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
