package printer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alonch/redirect-qr/internal/bitmap"
	"github.com/alonch/redirect-qr/internal/chunk"
	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/link/dump"
)

// labelStream is the byte stream one copy of bm with header puts on the
// wire.
func labelStream(t *testing.T, bm *bitmap.Packed, header string) []byte {
	t.Helper()
	chunks, err := chunk.Raster(bm.Data, bm.WidthBytes(), bm.Height, chunk.MaxWireBytes)
	if err != nil {
		t.Fatal(err)
	}
	out := append([]byte(nil), escpos.Init()...)
	out = append(out, header...)
	for _, c := range chunks {
		out = append(out, c.Frame()...)
	}
	out = append(out, escpos.Feed(escpos.DefaultFeedLines)...)
	return append(out, escpos.Cut()...)
}

func TestPrintLabelSequence(t *testing.T) {
	r := newRig()
	s := connected(t, r, fastOptions())

	bm := bitmap.Fallback(bitmap.LabelWidth, bitmap.LabelHeight)
	if err := s.PrintLabel(context.Background(), bm, "\n\nCode: X1\n\n", 2); err != nil {
		t.Fatalf("PrintLabel: %v", err)
	}

	writes := r.char.written()
	// per copy: init, header, 33 full chunks in 3 writes each, last chunk
	// in one, feed, cut
	if want := 2 * (1 + 1 + 33*3 + 1 + 1 + 1); len(writes) != want {
		t.Errorf("%d writes, want %d", len(writes), want)
	}
	for i, w := range writes {
		if len(w) > chunk.WriteLimit {
			t.Fatalf("write %d is %d bytes, above the %d limit", i, len(w), chunk.WriteLimit)
		}
	}
	one := labelStream(t, bm, "\n\nCode: X1\n\n")
	if got, want := bytes.Join(writes, nil), append(append([]byte(nil), one...), one...); !bytes.Equal(got, want) {
		t.Errorf("wire stream differs: got %d bytes, want %d", len(got), len(want))
	}
	if !bytes.Equal(writes[0], []byte{0x1B, 0x40}) {
		t.Errorf("first write % X, want init", writes[0])
	}
	if last := writes[len(writes)-1]; !bytes.Equal(last, []byte{0x1D, 0x56, 0x00}) {
		t.Errorf("last write % X, want cut", last)
	}
}

func TestPrintNilBitmapUsesFallback(t *testing.T) {
	r := newRig()
	s := connected(t, r, fastOptions())

	if err := s.Print(context.Background(), Job{Copies: 1}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	want := labelStream(t, bitmap.Fallback(bitmap.LabelWidth, bitmap.LabelHeight), "")
	if got := bytes.Join(r.char.written(), nil); !bytes.Equal(got, want) {
		t.Error("nil bitmap did not print the fallback pattern")
	}
}

func TestPrintHeaderCharset(t *testing.T) {
	r := newRig()
	opts := fastOptions()
	opts.Charset = "cp437"
	s := connected(t, r, opts)

	bm := bitmap.Fallback(8, 1)
	if err := s.Print(context.Background(), Job{Bitmap: bm, Header: "Größe", Copies: 1, FeedLines: 2}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	writes := r.char.written()
	if got, want := writes[1], []byte{'G', 'r', 0x94, 0xE1, 'e'}; !bytes.Equal(got, want) {
		t.Errorf("header % X, want % X", got, want)
	}
	if got := writes[len(writes)-2]; !bytes.Equal(got, []byte{0x1B, 0x64, 0x02}) {
		t.Errorf("feed % X, want 1B 64 02", got)
	}
}

func TestPrintRejects(t *testing.T) {
	r := newRig()
	s := New(r.central, fastOptions())

	if err := s.PrintLabel(context.Background(), nil, "", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: err = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, copies := range []int{0, -1} {
		if err := s.PrintLabel(context.Background(), nil, "", copies); err == nil {
			t.Errorf("copies=%d: expected error", copies)
		}
	}
	if err := s.Print(context.Background(), Job{Copies: 1, FeedLines: 256}); err == nil {
		t.Error("feed of 256 lines: expected error")
	}
	if r.char.tries() != 0 {
		t.Errorf("%d writes for rejected jobs", r.char.tries())
	}
}

func TestPrintAbortsOnFailure(t *testing.T) {
	r := newRig()
	boom := errors.New("write rejected")
	r.char.failAt = 5 // last piece of the first raster chunk
	r.char.failErr = boom
	s := connected(t, r, fastOptions())

	err := s.PrintLabel(context.Background(), nil, "hdr", 3)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if n := r.char.tries(); n != 5 {
		t.Errorf("%d write attempts, want 5", n)
	}
	if s.State() != Connected {
		t.Errorf("State() = %v, job failure must not disconnect", s.State())
	}
}

func TestPrintPacing(t *testing.T) {
	r := newRig()
	opts := fastOptions()
	opts.RasterChunkDelay = 10 * time.Millisecond
	opts.CopyDelay = 40 * time.Millisecond
	s := connected(t, r, opts)

	// 8x12 at 1 byte per row fits in one raster chunk
	bm := bitmap.Fallback(8, 12)
	start := time.Now()
	if err := s.PrintLabel(context.Background(), bm, "", 2); err != nil {
		t.Fatalf("PrintLabel: %v", err)
	}
	want := 2*opts.RasterChunkDelay + opts.CopyDelay
	if elapsed := time.Since(start); elapsed < want {
		t.Errorf("job took %v, want at least %v", elapsed, want)
	}
}

func TestPrintToDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label.bin")
	s := New(&dump.Central{Path: path}, fastOptions())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	bm := bitmap.Fallback(bitmap.LabelWidth, bitmap.LabelHeight)
	if err := s.PrintLabel(context.Background(), bm, "hello\n", 1); err != nil {
		t.Fatalf("PrintLabel: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := labelStream(t, bm, "hello\n"); !bytes.Equal(got, want) {
		t.Errorf("dump holds %d bytes, want %d", len(got), len(want))
	}
}
