//go:build !linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

func dial(ctx context.Context, mac string, channel int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("rfcomm: raw sockets need linux: %w", errors.ErrUnsupported)
}
