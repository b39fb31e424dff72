package printer

import (
	"context"
	"sync"

	"github.com/alonch/redirect-qr/internal/link"
)

type fakeCentral struct {
	err    error
	periph *fakePeripheral
	// gate, when set, blocks Discover until closed.
	gate chan struct{}

	mu        sync.Mutex
	discovers int
	filter    link.Filter
}

func (c *fakeCentral) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	c.mu.Lock()
	c.discovers++
	c.filter = f
	c.mu.Unlock()
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.periph, nil
}

type fakePeripheral struct {
	name string
	err  error
	conn *fakeConn
}

func (p *fakePeripheral) Name() string    { return p.name }
func (p *fakePeripheral) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (p *fakePeripheral) Connect(ctx context.Context) (link.Conn, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

type fakeConn struct {
	serviceErr error
	charErr    error
	char       *fakeChar
	// reader, when set, is handed out instead of char.
	reader link.Characteristic

	mu        sync.Mutex
	observers []func()
	closed    int
	uuids     []string
}

func (c *fakeConn) Service(ctx context.Context, uuid string) (link.Service, error) {
	c.mu.Lock()
	c.uuids = append(c.uuids, uuid)
	c.mu.Unlock()
	if c.serviceErr != nil {
		return nil, c.serviceErr
	}
	return fakeService{c}, nil
}

func (c *fakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// drop fires the most recently registered observer, as a backend does when
// the link goes away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	fn := c.observers[len(c.observers)-1]
	c.mu.Unlock()
	fn()
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeService struct{ c *fakeConn }

func (s fakeService) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	s.c.mu.Lock()
	s.c.uuids = append(s.c.uuids, uuid)
	s.c.mu.Unlock()
	if s.c.charErr != nil {
		return nil, s.c.charErr
	}
	if s.c.reader != nil {
		return s.c.reader, nil
	}
	return s.c.char, nil
}

type fakeChar struct {
	failAt  int // 1-based attempt that fails; 0 never fails
	failErr error
	// stall, when set, holds every write until closed, ignoring ctx.
	stall chan struct{}

	mu       sync.Mutex
	attempts int
	writes   [][]byte
	active   int
	overlap  bool
}

func (c *fakeChar) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if c.stall != nil {
		<-c.stall
	}
	if n == c.failAt {
		return c.failErr
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

// readingChar answers every read with answer, as a stream link does.
type readingChar struct {
	*fakeChar
	answer []byte
}

func (c readingChar) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.overlap = true
	}
	return c.answer, nil
}

func (c *fakeChar) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeChar) tries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

type rig struct {
	central *fakeCentral
	conn    *fakeConn
	char    *fakeChar
}

func newRig() *rig {
	ch := &fakeChar{}
	conn := &fakeConn{char: ch}
	return &rig{
		central: &fakeCentral{periph: &fakePeripheral{name: "G5-40A1", conn: conn}},
		conn:    conn,
		char:    ch,
	}
}

// fastOptions keeps the G5 identifiers and limits but drops every delay.
func fastOptions() Options {
	o := DefaultOptions()
	o.SubChunkDelay = 0
	o.SettleDelay = 0
	o.RasterChunkDelay = 0
	o.CopyDelay = 0
	o.QueuePace = 0
	o.WriteTimeout = 0
	return o
}
