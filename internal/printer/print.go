package printer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/alonch/redirect-qr/internal/bitmap"
	"github.com/alonch/redirect-qr/internal/chunk"
	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/link"
	"github.com/alonch/redirect-qr/internal/queue"
)

// Job is one print request.
type Job struct {
	// Bitmap to print; nil prints the fallback pattern at the session's
	// label size.
	Bitmap *bitmap.Packed
	// Header is printed above the image as text; empty skips it.
	Header string
	Copies int
	// FeedLines before the cut; 0 uses the session default.
	FeedLines int
}

// PrintLabel prints copies of bm with header text above it.
func (s *Session) PrintLabel(ctx context.Context, bm *bitmap.Packed, header string, copies int) error {
	return s.Print(ctx, Job{Bitmap: bm, Header: header, Copies: copies})
}

// Print runs a job: for each copy it sends init, the header, the raster in
// chunks, a feed and a cut, pausing between copies. The first failure
// aborts the job and is returned; the session stays connected unless the
// link itself failed. Jobs on one session never interleave.
func (s *Session) Print(ctx context.Context, job Job) error {
	if job.Copies < 1 {
		return fmt.Errorf("printer: copies must be at least 1, got %d", job.Copies)
	}
	bm := job.Bitmap
	if bm == nil {
		log.Warn().Int("width", s.opts.LabelWidth).Int("height", s.opts.LabelHeight).Msg("no bitmap, printing fallback pattern")
		bm = bitmap.Fallback(s.opts.LabelWidth, s.opts.LabelHeight)
	}
	feed := job.FeedLines
	if feed <= 0 {
		feed = s.opts.FeedLines
	}
	if feed > 255 {
		return fmt.Errorf("printer: feed of %d lines exceeds 255", feed)
	}

	chunks, err := chunk.Raster(bm.Data, bm.WidthBytes(), bm.Height, s.opts.RasterBudget)
	if err != nil {
		return fmt.Errorf("printer: %w", err)
	}
	var header []byte
	if job.Header != "" {
		if header, err = escpos.EncodeText(job.Header, s.opts.Charset); err != nil {
			return fmt.Errorf("printer: %w", err)
		}
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.State() != Connected {
		return &TransportError{Op: "print", Err: ErrNotConnected}
	}

	log.Info().Int("copies", job.Copies).Int("chunks", len(chunks)).Int("width", bm.Width).Int("height", bm.Height).Msg("printing")
	for n := 1; n <= job.Copies; n++ {
		if n > 1 {
			if err := sleep(ctx, s.opts.CopyDelay); err != nil {
				return err
			}
		}
		if err := s.printCopy(ctx, chunks, header, byte(feed)); err != nil {
			return fmt.Errorf("copy %d of %d: %w", n, job.Copies, err)
		}
		log.Info().Int("copy", n).Int("of", job.Copies).Msg("copy printed")
	}
	return nil
}

func (s *Session) printCopy(ctx context.Context, chunks []chunk.RasterChunk, header []byte, feed byte) error {
	if err := s.SendData(ctx, escpos.Init()); err != nil {
		return err
	}
	if err := s.SendData(ctx, header); err != nil {
		return err
	}
	for i, c := range chunks {
		log.Debug().Int("chunk", i+1).Int("first_row", c.FirstRow).Int("rows", c.Rows).Msg("raster chunk")
		if err := s.SendData(ctx, c.Frame()); err != nil {
			return err
		}
		if err := sleep(ctx, s.opts.RasterChunkDelay); err != nil {
			return err
		}
	}
	if err := s.SendData(ctx, escpos.Feed(feed)); err != nil {
		return err
	}
	return s.SendData(ctx, escpos.Cut())
}

// SendFrames sends each frame in order through SendData, stopping at the
// first failure.
func (s *Session) SendFrames(ctx context.Context, frames ...[]byte) error {
	for i, f := range frames {
		if err := s.SendData(ctx, f); err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
	}
	return nil
}

// ReadResponse waits up to the context deadline for bytes sent back by the
// printer. The read is queued behind any pending writes. Only stream links
// can read.
func (s *Session) ReadResponse(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	st, q, char := s.state, s.q, s.char
	s.mu.Unlock()
	if st != Connected || q == nil {
		return nil, &TransportError{Op: "read", Err: ErrNotConnected}
	}
	r, ok := char.(link.Reader)
	if !ok {
		return nil, &TransportError{Op: "read", Err: errors.ErrUnsupported}
	}

	data, err := queue.Do(ctx, q, func(ctx context.Context) ([]byte, error) {
		return r.Read(ctx)
	})
	if err == nil {
		return data, nil
	}
	if errors.Is(err, queue.ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil, &TransportError{Op: "read", Err: err}
}
