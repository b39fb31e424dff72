// Package dump is a dry-run link: every write lands in a file instead of a
// printer, so the exact wire bytes of a job can be inspected or replayed.
package dump

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/alonch/redirect-qr/internal/link"
)

// Central always "discovers" the file at Path.
type Central struct {
	Path string
}

func (c *Central) Discover(ctx context.Context, f link.Filter) (link.Peripheral, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("dump: no output file: %w", link.ErrNotFound)
	}
	return &peripheral{path: c.Path}, nil
}

type peripheral struct {
	path string
}

func (p *peripheral) Name() string    { return "dump:" + p.path }
func (p *peripheral) Address() string { return p.path }

// Connect truncates the file; one connection produces one dump.
func (p *peripheral) Connect(ctx context.Context) (link.Conn, error) {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	log.Info().Str("file", p.path).Msg("dry-run: writing commands to file")
	return link.NewStream(p.Name(), &syncFile{File: f}), nil
}

// syncFile logs each frame and syncs the file before closing it.
type syncFile struct {
	*os.File
	total int
}

func (s *syncFile) Write(p []byte) (int, error) {
	head := p
	if len(head) > 16 {
		head = head[:16]
	}
	log.Debug().Int("len", len(p)).Hex("head", head).Msg("dump write")
	n, err := s.File.Write(p)
	s.total += n
	return n, err
}

func (s *syncFile) Close() error {
	_ = s.Sync()
	log.Info().Int("bytes", s.total).Str("file", s.Name()).Msg("dry-run complete")
	return s.File.Close()
}
