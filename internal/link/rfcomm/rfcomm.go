// Package rfcomm opens a raw Bluetooth RFCOMM socket to the printer's
// classic SPP channel, without binding a tty first.
package rfcomm

import (
	"context"
	"fmt"

	"github.com/alonch/redirect-qr/internal/link"
)

// DefaultChannel is the SPP channel printers listen on.
const DefaultChannel = 1

// Central connects to a known MAC address; classic inquiry is not supported,
// so the address must be configured.
type Central struct {
	Address string
	Channel int
}

func (c *Central) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	if c.Address == "" {
		return nil, fmt.Errorf("rfcomm: no printer address configured: %w", link.ErrNotFound)
	}
	ch := c.Channel
	if ch <= 0 {
		ch = DefaultChannel
	}
	return &peripheral{addr: c.Address, channel: ch}, nil
}

type peripheral struct {
	addr    string
	channel int
}

func (p *peripheral) Name() string    { return fmt.Sprintf("rfcomm:%s/%d", p.addr, p.channel) }
func (p *peripheral) Address() string { return p.addr }

func (p *peripheral) Connect(ctx context.Context) (link.Conn, error) {
	f, err := dial(ctx, p.addr, p.channel)
	if err != nil {
		return nil, err
	}
	return link.NewStream(p.Name(), f), nil
}
