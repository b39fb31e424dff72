// Package bluez reaches the printer over BLE through the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/rs/zerolog/log"

	"github.com/alonch/redirect-qr/internal/link"
)

// DefaultResolveTimeout bounds the wait for BlueZ to resolve GATT services
// after a connect.
const DefaultResolveTimeout = 10 * time.Second

const DefaultAdapter = "hci0"

var errUnresolved = errors.New("bluez: services not resolved yet")

// Central discovers through one adapter (hci0 when AdapterID is empty).
// Address, when set, pins discovery to that device.
type Central struct {
	AdapterID      string
	Address        string
	ResolveTimeout time.Duration
}

func (c *Central) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	id := c.AdapterID
	if id == "" {
		id = DefaultAdapter
	}
	a, err := adapter.GetAdapter(id)
	if err != nil {
		return nil, fmt.Errorf("bluez: adapter %s: %w", id, err)
	}

	match := func(dev *device.Device1) bool {
		if dev == nil || dev.Properties == nil {
			return false
		}
		if c.Address != "" {
			return strings.EqualFold(dev.Properties.Address, c.Address)
		}
		return f.Match(dev.Properties.Name, dev.Properties.UUIDs)
	}

	// BlueZ keeps recently seen devices; try those before scanning
	known, err := a.GetDevices()
	if err != nil {
		log.Debug().Err(err).Msg("bluez: listing known devices")
	}
	for _, dev := range known {
		if match(dev) {
			log.Debug().Str("address", dev.Properties.Address).Msg("using known device")
			return c.peripheral(dev), nil
		}
	}

	filter := adapter.NewDiscoveryFilter()
	filter.Transport = "le"
	events, cancel, err := api.Discover(a, &filter)
	if err != nil {
		return nil, fmt.Errorf("bluez: start discovery: %w", err)
	}
	defer cancel()
	log.Debug().Str("adapter", id).Str("prefix", f.NamePrefix).Msg("scanning")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("bluez: discovery ended: %w", link.ErrNotFound)
			}
			if ev == nil || ev.Type == adapter.DeviceRemoved {
				continue
			}
			dev, err := device.NewDevice1(ev.Path)
			if err != nil {
				log.Debug().Err(err).Str("path", string(ev.Path)).Msg("bluez: skipping device")
				continue
			}
			if match(dev) {
				log.Info().Str("name", dev.Properties.Name).Str("address", dev.Properties.Address).Msg("printer found")
				return c.peripheral(dev), nil
			}
		}
	}
}

func (c *Central) peripheral(dev *device.Device1) *peripheral {
	timeout := c.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &peripheral{dev: dev, resolveTimeout: timeout}
}

type peripheral struct {
	dev            *device.Device1
	resolveTimeout time.Duration
}

func (p *peripheral) Name() string    { return p.dev.Properties.Name }
func (p *peripheral) Address() string { return p.dev.Properties.Address }

func (p *peripheral) Connect(ctx context.Context) (link.Conn, error) {
	done := make(chan error, 1)
	go func() { done <- p.dev.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("bluez: connect %s: %w", p.Address(), err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = p.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}

	cn := &conn{dev: p.dev, resolveTimeout: p.resolveTimeout}
	if err := cn.watch(); err != nil {
		_ = p.dev.Disconnect()
		return nil, err
	}
	return cn, nil
}

type conn struct {
	dev            *device.Device1
	resolveTimeout time.Duration

	mu      sync.Mutex
	onDrop  func()
	done    bool
	changes chan struct{}
}

// watch follows the device's Connected property and drops the conn when it
// goes false.
func (cn *conn) watch() error {
	ch, err := cn.dev.WatchProperties()
	if err != nil {
		return fmt.Errorf("bluez: watch properties: %w", err)
	}
	cn.changes = make(chan struct{})
	go func() {
		defer func() { _ = cn.dev.UnwatchProperties(ch) }()
		for {
			select {
			case <-cn.changes:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev == nil || ev.Interface != device.Device1Interface || ev.Name != "Connected" {
					continue
				}
				if up, _ := ev.Value.(bool); !up {
					log.Warn().Str("address", cn.dev.Properties.Address).Msg("printer disconnected")
					cn.drop()
					return
				}
			}
		}
	}()
	return nil
}

func (cn *conn) Service(ctx context.Context, uuid string) (link.Service, error) {
	err := waitResolved(ctx, cn.resolveTimeout, func() (bool, error) {
		props, err := cn.dev.GetProperties()
		if err != nil {
			return false, err
		}
		return props.ServicesResolved, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bluez: resolve services: %w", err)
	}

	chars, err := cn.dev.GetCharacteristics()
	if err != nil {
		return nil, fmt.Errorf("bluez: list characteristics: %w", err)
	}
	svcUUIDs := map[string]string{}
	var inService []*gatt.GattCharacteristic1
	for _, c := range chars {
		path := string(c.Properties.Service)
		u, ok := svcUUIDs[path]
		if !ok {
			svc, err := gatt.NewGattService1(c.Properties.Service)
			if err != nil {
				log.Debug().Err(err).Str("path", path).Msg("bluez: skipping service")
				continue
			}
			u = svc.Properties.UUID
			svcUUIDs[path] = u
		}
		if strings.EqualFold(u, uuid) {
			inService = append(inService, c)
		}
	}
	if len(inService) == 0 {
		return nil, fmt.Errorf("bluez: service %s: %w", uuid, link.ErrNotFound)
	}
	return service{chars: inService}, nil
}

// waitResolved polls resolved with exponential backoff until it reports
// true, it fails, or timeout passes.
func waitResolved(ctx context.Context, timeout time.Duration, resolved func() (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		ok, err := resolved()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errUnresolved
		}
		return nil
	}, backoff.WithContext(b, ctx))
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
	close(cn.changes)
	cn.mu.Unlock()
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
	close(cn.changes)
	cn.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type service struct {
	chars []*gatt.GattCharacteristic1
}

func (s service) Characteristic(ctx context.Context, uuid string) (link.Characteristic, error) {
	for _, c := range s.chars {
		if strings.EqualFold(c.Properties.UUID, uuid) {
			return characteristic{c}, nil
		}
	}
	return nil, fmt.Errorf("bluez: characteristic %s: %w", uuid, link.ErrNotFound)
}

type characteristic struct {
	c *gatt.GattCharacteristic1
}

func (c characteristic) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.c.WriteValue(p, map[string]interface{}{}); err != nil {
		return fmt.Errorf("bluez: write: %w", err)
	}
	return nil
}
