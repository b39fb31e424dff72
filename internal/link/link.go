// Package link defines the transport primitives the printer session drives:
// discovering a peripheral, opening a link to it, resolving the vendor
// service and its writable characteristic, and observing disconnects.
//
// Backends live in sub-packages, one per way of reaching the printer.
package link

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when discovery, or service and characteristic
// resolution, finds nothing matching.
var ErrNotFound = errors.New("link: not found")

// Filter selects the peripheral to connect to. A peripheral matches when its
// name starts with NamePrefix or it advertises ServiceUUID. Empty fields
// never match.
type Filter struct {
	NamePrefix  string
	ServiceUUID string
}

// Match reports whether a peripheral with the given name and advertised
// service UUIDs passes the filter.
func (f Filter) Match(name string, uuids []string) bool {
	if f.NamePrefix != "" && strings.HasPrefix(name, f.NamePrefix) {
		return true
	}
	if f.ServiceUUID == "" {
		return false
	}
	for _, u := range uuids {
		if strings.EqualFold(u, f.ServiceUUID) {
			return true
		}
	}
	return false
}

// Central finds peripherals.
type Central interface {
	Discover(ctx context.Context, f Filter) (Peripheral, error)
}

// Peripheral is a discovered device that is not yet connected.
type Peripheral interface {
	Name() string
	Address() string
	Connect(ctx context.Context) (Conn, error)
}

// Conn is an open link to a peripheral.
type Conn interface {
	Service(ctx context.Context, uuid string) (Service, error)
	// OnDisconnect registers fn to run once when the link drops without
	// Close being called. fn must not block.
	OnDisconnect(fn func())
	Close() error
}

// Service is a resolved vendor service.
type Service interface {
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic is the writable endpoint. Write sends all of p or returns
// an error; it never truncates silently.
type Characteristic interface {
	Write(ctx context.Context, p []byte) error
}
