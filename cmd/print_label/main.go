// Command print_label prints a label image on a NETUM G5 thermal printer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alonch/redirect-qr/internal/bitmap"
	"github.com/alonch/redirect-qr/internal/config"
	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/printer"
)

// flags holds the command line. Flags that are set override the config
// file and environment; unset ones leave them alone.
type flags struct {
	configPath string
	saveConfig string

	image    string
	pdf      string
	dpi      int
	rotate   int
	dither   bool
	fallback bool
	preview  string

	header     string
	copies     int
	charset    string
	backend    string
	address    string
	adapter    string
	port       string
	baud       int
	channel    int
	outputFile string
	dryRun     bool

	test     bool
	selfTest bool
	beep     bool
	query    bool
	verbose  bool
}

func bindFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "", "Path to JSON config file")
	fs.StringVar(&f.saveConfig, "save-config", "", "Write the effective config to this file and exit")

	fs.StringVar(&f.image, "image", "", "Image to print (PNG, JPEG, GIF or BMP)")
	fs.StringVar(&f.pdf, "pdf", "", "PDF to print (first page, needs pdftoppm)")
	fs.IntVar(&f.dpi, "dpi", 203, "Resolution used to rasterise the PDF")
	fs.IntVar(&f.rotate, "rotate", 0, "Rotate the image clockwise (0, 90, 180, 270)")
	fs.BoolVar(&f.dither, "dither", false, "Use Floyd-Steinberg dithering instead of a plain threshold")
	fs.BoolVar(&f.fallback, "fallback", false, "Print the checkerboard test pattern instead of an image")
	fs.StringVar(&f.preview, "preview", "", "Write the packed bitmap as PNG to this file and exit")

	fs.StringVar(&f.header, "header", "", `Header text printed above the image ("\n" starts a new line)`)
	fs.IntVar(&f.copies, "copies", 1, "Number of copies")
	fs.StringVar(&f.charset, "charset", "utf-8", "Header code page (utf-8, cp437, cp850, cp1252, latin1)")
	fs.StringVar(&f.backend, "backend", config.DefaultBackend(), "Link: bluez, tinyble, serial, rfcomm or file")
	fs.StringVar(&f.address, "address", "", "Printer MAC address (pins discovery; required for rfcomm)")
	fs.StringVar(&f.adapter, "adapter", "hci0", "BlueZ adapter")
	fs.StringVar(&f.port, "port", "", "Serial port, e.g. /dev/rfcomm0 (default: first likely port)")
	fs.IntVar(&f.baud, "baud", 115200, "Baud rate for serial port")
	fs.IntVar(&f.channel, "channel", 1, "RFCOMM channel")
	fs.StringVar(&f.outputFile, "output-file", "commands.bin", "File written by the file backend")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Write commands to -output-file instead of a printer")

	fs.BoolVar(&f.test, "test", false, "Print TEST OK and cut, then exit")
	fs.BoolVar(&f.selfTest, "self-test", false, "Send the self-test command (US vt eot)")
	fs.BoolVar(&f.beep, "beep", false, "Send the beep command (ESC B 3 3)")
	fs.BoolVar(&f.query, "query", false, "Send the detection query (DLE EOT STX) and read the answer")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
	return f
}

// apply copies flags that were set on the command line into c.
func (f *flags) apply(fs *flag.FlagSet, c *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "header":
			c.Header = f.header
		case "copies":
			c.Copies = f.copies
		case "charset":
			c.Charset = f.charset
		case "backend":
			c.Backend = f.backend
		case "address":
			c.Address = f.address
		case "adapter":
			c.Adapter = f.adapter
		case "port":
			c.Port = f.port
		case "baud":
			c.Baud = f.baud
		case "channel":
			c.Channel = f.channel
		case "output-file":
			c.OutputFile = f.outputFile
		case "verbose":
			if f.verbose {
				c.LogLevel = zerolog.LevelDebugValue
			}
		}
	})
	if f.dryRun {
		c.Backend = config.BackendFile
	}
}

func (f *flags) diagnostic() bool {
	return f.test || f.selfTest || f.beep || f.query
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	fs := flag.NewFlagSet("print_label", flag.ExitOnError)
	f := bindFlags(fs)
	fs.Parse(os.Args[1:])

	setupLogging(os.Getenv(config.EnvPrefix + "LOG_LEVEL"))

	cfg, err := config.Load(f.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fatalProblems(err, "reading environment")
	}
	f.apply(fs, &cfg)
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		fatalProblems(err, "invalid configuration")
	}

	if f.saveConfig != "" {
		if err := cfg.Save(f.saveConfig); err != nil {
			log.Fatal().Err(err).Msg("saving config")
		}
		log.Info().Str("file", f.saveConfig).Msg("config written")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, f); err != nil {
		log.Fatal().Err(err).Msg("print_label failed")
	}
}

// fatalProblems logs each part of a config error on its own line and exits.
func fatalProblems(err error, msg string) {
	for _, e := range config.Errors(err) {
		log.Error().Msg(e.Error())
	}
	log.Fatal().Msg(msg)
}

func run(ctx context.Context, cfg config.Config, f *flags) error {
	var bm *bitmap.Packed
	if !f.diagnostic() {
		var err error
		if bm, err = loadBitmap(f, cfg); err != nil {
			return err
		}
	}
	if f.preview != "" {
		if bm == nil {
			bm = bitmap.Fallback(cfg.LabelWidth, cfg.LabelHeight)
		}
		return writePreview(f.preview, bm)
	}

	central, err := newCentral(cfg)
	if err != nil {
		return err
	}
	opts := cfg.PrinterOptions()
	opts.OnStatus = func(st printer.State, status string) {
		log.Info().Str("state", st.String()).Msg(status)
	}
	s := printer.New(central, opts)

	cctx := ctx
	if d := cfg.ConnectTimeout(); d > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := s.Connect(cctx); err != nil {
		return err
	}
	log.Info().Str("printer", s.Name()).Str("backend", cfg.Backend).Msg("connected")
	defer func() {
		if err := s.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("disconnect")
		}
	}()

	if f.diagnostic() {
		return runDiagnostics(ctx, s, f)
	}

	start := time.Now()
	job := printer.Job{Bitmap: bm, Header: unescape(cfg.Header), Copies: cfg.Copies}
	if err := s.Print(ctx, job); err != nil {
		return err
	}
	log.Info().Dur("took", time.Since(start)).Int("copies", cfg.Copies).Msg("print job completed")
	return nil
}

// loadBitmap prepares the label image named by the flags. It returns nil
// when no image is given, which prints the fallback pattern.
func loadBitmap(f *flags, cfg config.Config) (*bitmap.Packed, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case f.fallback:
		return nil, nil
	case f.image != "" && f.pdf != "":
		return nil, errors.New("use -image or -pdf, not both")
	case f.image != "":
		img, err = bitmap.Load(f.image)
	case f.pdf != "":
		log.Info().Str("pdf", f.pdf).Int("dpi", f.dpi).Msg("converting PDF")
		if img, err = bitmap.LoadPDF(f.pdf, f.dpi); err != nil {
			err = fmt.Errorf("PDF conversion failed: %w", err)
		}
	default:
		log.Warn().Msg("no -image or -pdf given, printing the fallback pattern")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	img = bitmap.Fit(img, cfg.LabelWidth, cfg.LabelHeight, f.rotate)
	if f.dither {
		img = bitmap.Dither(img)
	}
	return bitmap.EncodeImage(img)
}

func writePreview(path string, bm *bitmap.Packed) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, bm.Preview()); err != nil {
		out.Close()
		return err
	}
	log.Info().Str("file", path).Stringer("bitmap", bm).Msg("preview written")
	return out.Close()
}

// diagnosticFrames lists the frames the diagnostic flags ask for, in a fixed
// order.
func diagnosticFrames(f *flags) [][]byte {
	var frames [][]byte
	if f.test {
		frames = append(frames, escpos.Init(), escpos.Text("TEST OK\n"), escpos.Feed(escpos.DefaultFeedLines), escpos.Cut())
	}
	if f.selfTest {
		frames = append(frames, escpos.SelfTest())
	}
	if f.beep {
		frames = append(frames, escpos.Beep(3, 3))
	}
	if f.query {
		frames = append(frames, escpos.Query())
	}
	return frames
}

func runDiagnostics(ctx context.Context, s *printer.Session, f *flags) error {
	frames := diagnosticFrames(f)
	for _, fr := range frames {
		log.Debug().Hex("frame", fr).Msg("diagnostic command")
	}
	if err := s.SendFrames(ctx, frames...); err != nil {
		return err
	}
	log.Info().Int("frames", len(frames)).Msg("diagnostic commands sent")

	if !f.query {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := s.ReadResponse(rctx)
	switch {
	case errors.Is(err, errors.ErrUnsupported):
		log.Info().Msg("this backend cannot read printer responses")
	case errors.Is(err, context.DeadlineExceeded):
		log.Info().Msg("no response received within 2 seconds")
	case err != nil:
		log.Warn().Err(err).Msg("read error")
	default:
		log.Info().Hex("status", data).Int("bytes", len(data)).Msg("printer responded")
	}
	return nil
}

var headerEscapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t")

func unescape(s string) string {
	return headerEscapes.Replace(s)
}
