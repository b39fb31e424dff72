// Package tinyble reaches the printer over BLE with tinygo.org/x/bluetooth,
// which runs on Linux (BlueZ), macOS (CoreBluetooth) and Windows (WinRT).
package tinyble

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/alonch/redirect-qr/internal/link"
)

// Central scans with one adapter. Address, when set, pins discovery to that
// device regardless of the filter.
type Central struct {
	Adapter *bluetooth.Adapter
	Address string

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	conns map[string]*conn
}

func (c *Central) adapter() *bluetooth.Adapter {
	if c.Adapter == nil {
		c.Adapter = bluetooth.DefaultAdapter
	}
	return c.Adapter
}

func (c *Central) enable() error {
	c.enableOnce.Do(func() {
		a := c.adapter()
		if err := a.Enable(); err != nil {
			c.enableErr = fmt.Errorf("tinyble: enable adapter: %w", err)
			return
		}
		a.SetConnectHandler(c.connectEvent)
	})
	return c.enableErr
}

func (c *Central) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}
	a := c.adapter()

	svc, svcErr := bluetooth.ParseUUID(f.ServiceUUID)
	match := func(r bluetooth.ScanResult) bool {
		if c.Address != "" {
			return strings.EqualFold(r.Address.String(), c.Address)
		}
		if f.Match(r.LocalName(), nil) {
			return true
		}
		return svcErr == nil && r.HasServiceUUID(svc)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)
	log.Debug().Str("prefix", f.NamePrefix).Str("service", f.ServiceUUID).Msg("scanning")
	go func() {
		scanErr <- a.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !match(r) {
				return
			}
			select {
			case found <- r:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		<-scanErr
		log.Info().Str("name", r.LocalName()).Str("address", r.Address.String()).Int16("rssi", r.RSSI).Msg("printer found")
		return &peripheral{c: c, name: r.LocalName(), addr: r.Address}, nil
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("tinyble: scan: %w", err)
		}
		return nil, fmt.Errorf("tinyble: scan ended: %w", link.ErrNotFound)
	case <-ctx.Done():
		stopScan(a.StopScan, scanErr, stopRetry)
		return nil, ctx.Err()
	}
}

// stopRetry spaces StopScan calls while a cancelled scan has not started yet.
const stopRetry = 50 * time.Millisecond

// stopScan calls stop until the scan reports that it returned. A stop issued
// before the scan is running has no effect, so one call is not enough.
func stopScan(stop func() error, scanErr <-chan error, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		stop()
		select {
		case <-scanErr:
			return
		case <-t.C:
		}
	}
}

// connectCtx runs dial but returns as soon as ctx is done. A connection that
// completes after that is handed to abandon.
func connectCtx[T any](ctx context.Context, dial func() (T, error), abandon func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := dial()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				abandon(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// connectEvent routes adapter-wide connection events to the matching conn.
func (c *Central) connectEvent(d bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := d.Address.String()
	c.mu.Lock()
	cn := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if cn != nil {
		log.Warn().Str("address", key).Msg("printer disconnected")
		cn.drop()
	}
}

func (c *Central) track(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		c.conns = make(map[string]*conn)
	}
	c.conns[cn.key] = cn
}

func (c *Central) untrack(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[cn.key] == cn {
		delete(c.conns, cn.key)
	}
}

type peripheral struct {
	c    *Central
	name string
	addr bluetooth.Address
}

func (p *peripheral) Name() string    { return p.name }
func (p *peripheral) Address() string { return p.addr.String() }

func (p *peripheral) Connect(ctx context.Context) (link.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := p.c.adapter()
	dev, err := connectCtx(ctx, func() (bluetooth.Device, error) {
		return a.Connect(p.addr, bluetooth.ConnectionParams{})
	}, func(d bluetooth.Device) {
		log.Debug().Str("address", p.addr.String()).Msg("dropping connection finished after cancel")
		d.Disconnect()
	})
	if err != nil {
		return nil, fmt.Errorf("tinyble: connect %s: %w", p.addr.String(), err)
	}
	cn := &conn{c: p.c, dev: dev, key: p.addr.String()}
	p.c.track(cn)
	return cn, nil
}

type conn struct {
	c   *Central
	dev bluetooth.Device
	key string

	mu     sync.Mutex
	onDrop func()
	done   bool
}

func (cn *conn) Service(ctx context.Context, uuid string) (link.Service, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("tinyble: service uuid %q: %w", uuid, err)
	}
	svcs, err := cn.dev.DiscoverServices([]bluetooth.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("tinyble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("tinyble: service %s: %w", uuid, link.ErrNotFound)
	}
	return service{svcs[0]}, nil
}

func (cn *conn) OnDisconnect(fn func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.onDrop = fn
}

func (cn *conn) Close() error {
	cn.mu.Lock()
	if cn.done {
		cn.mu.Unlock()
		return nil
	}
	cn.done = true
	cn.onDrop = nil
	cn.mu.Unlock()

	cn.c.untrack(cn)
	return cn.dev.Disconnect()
}

func (cn *conn) drop() {
	cn.mu.Lock()
	if cn.done {
		cn.mu.Unlock()
		return
	}
	cn.done = true
	fn := cn.onDrop
	cn.onDrop = nil
	cn.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type service struct {
	svc bluetooth.DeviceService
}

func (s service) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("tinyble: characteristic uuid %q: %w", uuid, err)
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("tinyble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("tinyble: characteristic %s: %w", uuid, link.ErrNotFound)
	}
	return characteristic{chars[0]}, nil
}

type characteristic struct {
	ch bluetooth.DeviceCharacteristic
}

func (c characteristic) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := c.ch.WriteWithoutResponse(p)
	if err != nil {
		return fmt.Errorf("tinyble: write: %w", err)
	}
	if n < len(p) {
		return fmt.Errorf("tinyble: wrote %d of %d bytes: %w", n, len(p), io.ErrShortWrite)
	}
	return nil
}
