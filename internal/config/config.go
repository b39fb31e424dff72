// Package config holds the printer driver settings: defaults, an optional
// JSON file, and PRINT_LABEL_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/printer"
)

// Backends.
const (
	BackendBlueZ   = "bluez"
	BackendTinyBLE = "tinyble"
	BackendSerial  = "serial"
	BackendRFCOMM  = "rfcomm"
	BackendFile    = "file"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "PRINT_LABEL_"

// Config is the full driver configuration. Durations are milliseconds.
type Config struct {
	Backend    string `json:"backend"`
	Adapter    string `json:"adapter"`
	Address    string `json:"address"`
	Port       string `json:"port"`
	Baud       int    `json:"baud"`
	Channel    int    `json:"channel"`
	OutputFile string `json:"outputFile"`

	NamePrefix         string `json:"namePrefix"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`

	LabelWidth  int    `json:"labelWidth"`
	LabelHeight int    `json:"labelHeight"`
	Charset     string `json:"charset"`
	FeedLines   int    `json:"feedLines"`
	Copies      int    `json:"copies"`
	Header      string `json:"header"`

	WriteLimit   int `json:"writeLimit"`
	RasterBudget int `json:"rasterBudget"`

	SubChunkDelayMs    int `json:"subChunkDelayMs"`
	SettleDelayMs      int `json:"settleDelayMs"`
	RasterChunkDelayMs int `json:"rasterChunkDelayMs"`
	CopyDelayMs        int `json:"copyDelayMs"`
	QueuePaceMs        int `json:"queuePaceMs"`
	WriteTimeoutMs     int `json:"writeTimeoutMs"`
	ConnectTimeoutMs   int `json:"connectTimeoutMs"`

	LogLevel string `json:"logLevel"`
}

// DefaultBackend is bluez on Linux and tinyble elsewhere.
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return BackendBlueZ
	}
	return BackendTinyBLE
}

// Default returns the configuration the G5 works with out of the box.
func Default() Config {
	o := printer.DefaultOptions()
	return Config{
		Backend:    DefaultBackend(),
		Adapter:    "hci0",
		Baud:       115200,
		Channel:    1,
		OutputFile: "commands.bin",

		NamePrefix:         o.NamePrefix,
		ServiceUUID:        o.ServiceUUID,
		CharacteristicUUID: o.CharacteristicUUID,

		LabelWidth:  o.LabelWidth,
		LabelHeight: o.LabelHeight,
		Charset:     o.Charset,
		FeedLines:   o.FeedLines,
		Copies:      1,

		WriteLimit:   o.WriteLimit,
		RasterBudget: o.RasterBudget,

		SubChunkDelayMs:    ms(o.SubChunkDelay),
		SettleDelayMs:      ms(o.SettleDelay),
		RasterChunkDelayMs: ms(o.RasterChunkDelay),
		CopyDelayMs:        ms(o.CopyDelay),
		QueuePaceMs:        ms(o.QueuePace),
		WriteTimeoutMs:     ms(o.WriteTimeout),
		ConnectTimeoutMs:   30000,

		LogLevel: "info",
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path as indented JSON, replacing the file atomically.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.Rename(tmp, path)
}

// ApplyEnv overrides fields from PRINT_LABEL_* variables read through
// getenv. Unset or empty variables leave the field alone; numbers that do
// not parse are reported and skipped.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"BACKEND":     &c.Backend,
		"ADAPTER":     &c.Adapter,
		"ADDRESS":     &c.Address,
		"PORT":        &c.Port,
		"OUTPUT_FILE": &c.OutputFile,
		"NAME_PREFIX": &c.NamePrefix,
		"CHARSET":     &c.Charset,
		"HEADER":      &c.Header,
		"LOG_LEVEL":   &c.LogLevel,
	}
	ints := map[string]*int{
		"BAUD":                  &c.Baud,
		"CHANNEL":               &c.Channel,
		"COPIES":                &c.Copies,
		"FEED_LINES":            &c.FeedLines,
		"WRITE_LIMIT":           &c.WriteLimit,
		"RASTER_BUDGET":         &c.RasterBudget,
		"SUB_CHUNK_DELAY_MS":    &c.SubChunkDelayMs,
		"SETTLE_DELAY_MS":       &c.SettleDelayMs,
		"RASTER_CHUNK_DELAY_MS": &c.RasterChunkDelayMs,
		"COPY_DELAY_MS":         &c.CopyDelayMs,
		"QUEUE_PACE_MS":         &c.QueuePaceMs,
		"WRITE_TIMEOUT_MS":      &c.WriteTimeoutMs,
		"CONNECT_TIMEOUT_MS":    &c.ConnectTimeoutMs,
	}

	for key, dst := range strs {
		*dst = envStr(getenv, EnvPrefix+key, *dst)
	}
	var result error
	for key, dst := range ints {
		n, err := envInt(getenv, EnvPrefix+key, *dst)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		*dst = n
	}
	return result
}

func envStr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return n, nil
}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	var result error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Backend {
	case BackendBlueZ, BackendTinyBLE:
	case BackendSerial:
		if c.Baud <= 0 {
			add("baud must be positive, got %d", c.Baud)
		}
	case BackendRFCOMM:
		if c.Address == "" {
			add("rfcomm backend needs an address")
		}
		if c.Channel < 1 || c.Channel > 30 {
			add("channel must be 1-30, got %d", c.Channel)
		}
	case BackendFile:
		if c.OutputFile == "" {
			add("file backend needs an output file")
		}
	default:
		add("unknown backend %q", c.Backend)
	}

	if c.NamePrefix == "" && c.ServiceUUID == "" {
		add("namePrefix and serviceUuid cannot both be empty")
	}
	if c.CharacteristicUUID == "" {
		add("characteristicUuid is required")
	}
	if c.LabelWidth <= 0 || c.LabelHeight <= 0 {
		add("label size must be positive, got %dx%d", c.LabelWidth, c.LabelHeight)
	}
	if !escpos.ValidCharset(c.Charset) {
		add("unknown charset %q", c.Charset)
	}
	if c.FeedLines < 0 || c.FeedLines > 255 {
		add("feedLines must be 0-255, got %d", c.FeedLines)
	}
	if c.Copies < 1 {
		add("copies must be at least 1, got %d", c.Copies)
	}
	if c.WriteLimit <= 0 {
		add("writeLimit must be positive, got %d", c.WriteLimit)
	}
	if c.RasterBudget <= escpos.RasterHeaderSize {
		add("rasterBudget must exceed the %d-byte raster header, got %d", escpos.RasterHeaderSize, c.RasterBudget)
	}
	for name, v := range map[string]int{
		"subChunkDelayMs":    c.SubChunkDelayMs,
		"settleDelayMs":      c.SettleDelayMs,
		"rasterChunkDelayMs": c.RasterChunkDelayMs,
		"copyDelayMs":        c.CopyDelayMs,
		"queuePaceMs":        c.QueuePaceMs,
		"writeTimeoutMs":     c.WriteTimeoutMs,
		"connectTimeoutMs":   c.ConnectTimeoutMs,
	} {
		if v < 0 {
			add("%s must not be negative, got %d", name, v)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("logLevel: %w", err)
	}

	if result != nil {
		return fmt.Errorf("config: %w", result)
	}
	return nil
}

// ConnectTimeout bounds discovery and connect; zero means no bound.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// PrinterOptions maps c onto session options.
func (c Config) PrinterOptions() printer.Options {
	return printer.Options{
		ServiceUUID:        c.ServiceUUID,
		CharacteristicUUID: c.CharacteristicUUID,
		NamePrefix:         c.NamePrefix,
		LabelWidth:         c.LabelWidth,
		LabelHeight:        c.LabelHeight,
		FeedLines:          c.FeedLines,
		Charset:            c.Charset,
		WriteLimit:         c.WriteLimit,
		RasterBudget:       c.RasterBudget,
		SubChunkDelay:      time.Duration(c.SubChunkDelayMs) * time.Millisecond,
		SettleDelay:        time.Duration(c.SettleDelayMs) * time.Millisecond,
		RasterChunkDelay:   time.Duration(c.RasterChunkDelayMs) * time.Millisecond,
		CopyDelay:          time.Duration(c.CopyDelayMs) * time.Millisecond,
		QueuePace:          time.Duration(c.QueuePaceMs) * time.Millisecond,
		WriteTimeout:       time.Duration(c.WriteTimeoutMs) * time.Millisecond,
	}
}

// Errors unpacks a Validate or ApplyEnv error into its parts.
func Errors(err error) []error {
	var me *multierror.Error
	if errors.As(err, &me) {
		return me.Errors
	}
	if err == nil {
		return nil
	}
	return []error{err}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}
