package main

import (
	"bytes"
	"context"
	"flag"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/alonch/redirect-qr/internal/bitmap"
	"github.com/alonch/redirect-qr/internal/config"
	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/link/bluez"
	"github.com/alonch/redirect-qr/internal/link/dump"
	"github.com/alonch/redirect-qr/internal/link/rfcomm"
	"github.com/alonch/redirect-qr/internal/link/serialport"
	"github.com/alonch/redirect-qr/internal/link/tinyble"
)

func parse(t *testing.T, args ...string) (*flag.FlagSet, *flags) {
	t.Helper()
	fs := flag.NewFlagSet("print_label", flag.ContinueOnError)
	f := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return fs, f
}

// quiet drops every firmware delay so tests run fast.
func quiet(c config.Config) config.Config {
	c.SubChunkDelayMs = 0
	c.SettleDelayMs = 0
	c.RasterChunkDelayMs = 0
	c.CopyDelayMs = 0
	c.QueuePaceMs = 0
	return c
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	c := config.Default()
	c.Copies = 4
	c.Port = "/dev/rfcomm2"

	fs, f := parse(t, "-backend", "serial", "-header", `Code\nX1`, "-verbose")
	f.apply(fs, &c)

	if c.Backend != config.BackendSerial || c.Header != `Code\nX1` || c.LogLevel != "debug" {
		t.Errorf("set flags not applied: %+v", c)
	}
	if c.Copies != 4 || c.Port != "/dev/rfcomm2" {
		t.Errorf("unset flags overrode config: copies %d, port %q", c.Copies, c.Port)
	}

	fs, f = parse(t, "-dry-run", "-backend", "bluez")
	f.apply(fs, &c)
	if c.Backend != config.BackendFile {
		t.Errorf("-dry-run: backend %q, want file", c.Backend)
	}
}

func TestNewCentral(t *testing.T) {
	c := config.Default()
	tests := []struct {
		backend string
		check   func(any) bool
	}{
		{config.BackendBlueZ, func(v any) bool { _, ok := v.(*bluez.Central); return ok }},
		{config.BackendTinyBLE, func(v any) bool { _, ok := v.(*tinyble.Central); return ok }},
		{config.BackendSerial, func(v any) bool { _, ok := v.(*serialport.Central); return ok }},
		{config.BackendRFCOMM, func(v any) bool { _, ok := v.(*rfcomm.Central); return ok }},
		{config.BackendFile, func(v any) bool { d, ok := v.(*dump.Central); return ok && d.Path == c.OutputFile }},
	}
	for _, tt := range tests {
		c.Backend = tt.backend
		got, err := newCentral(c)
		if err != nil {
			t.Errorf("%s: %v", tt.backend, err)
			continue
		}
		if !tt.check(got) {
			t.Errorf("%s: got %T", tt.backend, got)
		}
	}
	c.Backend = "usb"
	if _, err := newCentral(c); err == nil {
		t.Error("unknown backend: expected error")
	}
}

func TestDiagnosticFrames(t *testing.T) {
	_, f := parse(t, "-test", "-beep", "-query")
	got := bytes.Join(diagnosticFrames(f), nil)

	var want []byte
	for _, fr := range [][]byte{escpos.Init(), []byte("TEST OK\n"), escpos.Feed(4), escpos.Cut(), {0x1B, 0x42, 0x03, 0x03}, {0x10, 0x04, 0x02}} {
		want = append(want, fr...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("frames % X, want % X", got, want)
	}
	if !f.diagnostic() {
		t.Error("diagnostic() = false")
	}
}

func TestUnescape(t *testing.T) {
	if got := unescape(`Code: 7\nCreated by\tme`); got != "Code: 7\nCreated by\tme" {
		t.Errorf("unescape = %q", got)
	}
}

func TestLoadBitmap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "label.png")
	img := image.NewNRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.Black)
		}
	}
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(out, img)
	out.Close()

	cfg := config.Default()
	_, f := parse(t, "-image", path)
	bm, err := loadBitmap(f, cfg)
	if err != nil {
		t.Fatalf("loadBitmap: %v", err)
	}
	if bm.Width != cfg.LabelWidth || bm.Height != cfg.LabelHeight || len(bm.Data) != 10000 {
		t.Fatalf("bitmap %v", bm)
	}
	// a 2:1 image scales to fill the 2:1 label
	if !bm.Dark(0, 0) || !bm.Dark(399, 199) {
		t.Error("scaled image does not cover the label")
	}

	_, f = parse(t, "-image", path, "-dither")
	if bm, err := loadBitmap(f, cfg); err != nil || !bm.Dark(200, 100) {
		t.Errorf("-dither: %v, %v", bm, err)
	}

	_, f = parse(t, "-fallback")
	if bm, err := loadBitmap(f, cfg); bm != nil || err != nil {
		t.Errorf("-fallback: %v, %v", bm, err)
	}
	_, f = parse(t, "-image", path, "-pdf", "x.pdf")
	if _, err := loadBitmap(f, cfg); err == nil {
		t.Error("-image with -pdf: expected error")
	}
}

func TestRunDryRun(t *testing.T) {
	out := filepath.Join(t.TempDir(), "commands.bin")
	cfg := quiet(config.Default())
	cfg.Backend = config.BackendFile
	cfg.OutputFile = out
	cfg.Header = `Hi\n`
	cfg.Copies = 2

	_, f := parse(t, "-fallback")
	if err := run(context.Background(), cfg, f); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	bm := bitmap.Fallback(bitmap.LabelWidth, bitmap.LabelHeight)
	// init + header + 200 rows of 50 bytes with 34 raster headers + feed + cut
	perCopy := 2 + 3 + 200*50 + 34*escpos.RasterHeaderSize + 3 + 3
	if len(got) != 2*perCopy {
		t.Errorf("wrote %d bytes, want %d", len(got), 2*perCopy)
	}
	if !bytes.HasPrefix(got, []byte{0x1B, 0x40, 'H', 'i', '\n', 0x1D, 0x76, 0x30, 0x00, 50, 0, 6, 0}) {
		t.Errorf("stream starts % X", got[:16])
	}
	if !bytes.Contains(got, bm.Rows(0, 6)) {
		t.Error("first raster rows missing from the stream")
	}
}

func TestRunPreview(t *testing.T) {
	out := filepath.Join(t.TempDir(), "preview.png")
	_, f := parse(t, "-fallback", "-preview", out)
	if err := run(context.Background(), quiet(config.Default()), f); err != nil {
		t.Fatalf("run: %v", err)
	}
	in, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	img, err := png.Decode(in)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Errorf("preview is %v", b)
	}
}
