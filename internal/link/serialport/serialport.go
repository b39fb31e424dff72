// Package serialport reaches the printer through a serial device: a bound
// Bluetooth SPP tty such as /dev/rfcomm0, a USB-serial adapter, or a COM
// port on Windows.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/alonch/redirect-qr/internal/link"
)

// DefaultBaud suits the printer's SPP profile; the rate is ignored by
// rfcomm ttys but required by USB-serial adapters.
const DefaultBaud = 115200

// Central picks the serial port to open. Port names the device; when empty,
// Discover takes the first port that looks like a printer link.
type Central struct {
	Port string
	Baud int

	// listPorts is replaced in tests.
	listPorts func() ([]string, error)
}

func (c *Central) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	baud := c.Baud
	if baud <= 0 {
		baud = DefaultBaud
	}
	if c.Port != "" {
		return &peripheral{port: c.Port, baud: baud}, nil
	}

	list := c.listPorts
	if list == nil {
		list = serial.GetPortsList
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("serialport: listing ports: %w", err)
	}
	port := pickPort(ports)
	if port == "" {
		return nil, fmt.Errorf("serialport: no candidate among %v: %w", ports, link.ErrNotFound)
	}
	log.Debug().Str("port", port).Strs("ports", ports).Msg("serial port discovered")
	return &peripheral{port: port, baud: baud}, nil
}

var portHints = []string{"rfcomm", "ttyUSB", "tty.G5", "COM"}

// pickPort returns the first port whose name contains a hint, preferring
// earlier hints.
func pickPort(ports []string) string {
	for _, hint := range portHints {
		for _, p := range ports {
			if strings.Contains(p, hint) {
				return p
			}
		}
	}
	return ""
}

type peripheral struct {
	port string
	baud int
}

func (p *peripheral) Name() string    { return p.port }
func (p *peripheral) Address() string { return p.port }

func (p *peripheral) Connect(ctx context.Context) (link.Conn, error) {
	mode := &serial.Mode{
		BaudRate: p.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	log.Info().Str("port", p.port).Int("baud", p.baud).Msg("opening serial port")
	sp, err := serial.Open(p.port, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", p.port, describe(err))
	}
	return link.NewStream(p.port, &port{Port: sp}), nil
}

// port drains the output buffer before closing so the tail of a job is not
// lost.
type port struct {
	serial.Port
}

func (p *port) Close() error {
	if err := p.Drain(); err != nil {
		log.Debug().Err(err).Msg("serial drain")
	}
	return p.Port.Close()
}

// describe maps serial port errors onto link errors where one fits.
func describe(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortNotFound {
		return fmt.Errorf("%w: %w", link.ErrNotFound, err)
	}
	return err
}
