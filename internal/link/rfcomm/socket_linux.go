//go:build linux

package rfcomm

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// sockaddr builds the RFCOMM address for mac. The kernel expects the
// address bytes in little-endian order.
func sockaddr(mac string, channel int) (*unix.SockaddrRFCOMM, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: invalid MAC address %s: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("rfcomm: MAC address must be 6 bytes, got %d", len(hw))
	}
	if channel < 1 || channel > 30 {
		return nil, fmt.Errorf("rfcomm: channel %d out of range 1-30", channel)
	}
	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)}
	for i := 0; i < 6; i++ {
		sa.Addr[i] = hw[5-i]
	}
	return sa, nil
}

func dial(ctx context.Context, mac string, channel int) (io.ReadWriteCloser, error) {
	sa, err := sockaddr(mac, channel)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: create socket: %w", err)
	}

	// connect(2) blocks; closing the fd is the only way to abort it
	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		unix.Close(fd)
		<-done
		return nil, fmt.Errorf("rfcomm: connect %s: %w", mac, ctx.Err())
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm: connect %s: %w", mac, err)
	}

	log.Info().Str("mac", mac).Int("channel", channel).Int("fd", fd).Msg("bluetooth socket connected")
	return os.NewFile(uintptr(fd), "rfcomm:"+mac), nil
}
