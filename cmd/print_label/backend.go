package main

import (
	"fmt"

	"github.com/alonch/redirect-qr/internal/config"
	"github.com/alonch/redirect-qr/internal/link"
	"github.com/alonch/redirect-qr/internal/link/bluez"
	"github.com/alonch/redirect-qr/internal/link/dump"
	"github.com/alonch/redirect-qr/internal/link/rfcomm"
	"github.com/alonch/redirect-qr/internal/link/serialport"
	"github.com/alonch/redirect-qr/internal/link/tinyble"
)

func newCentral(cfg config.Config) (link.Central, error) {
	switch cfg.Backend {
	case config.BackendBlueZ:
		return &bluez.Central{AdapterID: cfg.Adapter, Address: cfg.Address}, nil
	case config.BackendTinyBLE:
		return &tinyble.Central{Address: cfg.Address}, nil
	case config.BackendSerial:
		return &serialport.Central{Port: cfg.Port, Baud: cfg.Baud}, nil
	case config.BackendRFCOMM:
		return &rfcomm.Central{Address: cfg.Address, Channel: cfg.Channel}, nil
	case config.BackendFile:
		return &dump.Central{Path: cfg.OutputFile}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
