package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alonch/redirect-qr/internal/printer"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	o := c.PrinterOptions()
	d := printer.DefaultOptions()
	if o.WriteLimit != 120 || o.RasterBudget != 350 {
		t.Errorf("limits = %d/%d, want 120/350", o.WriteLimit, o.RasterBudget)
	}
	if o.SettleDelay != d.SettleDelay || o.RasterChunkDelay != d.RasterChunkDelay ||
		o.CopyDelay != d.CopyDelay || o.SubChunkDelay != d.SubChunkDelay ||
		o.QueuePace != d.QueuePace || o.WriteTimeout != d.WriteTimeout {
		t.Errorf("delays %+v differ from printer defaults", o)
	}
	if o.ServiceUUID != printer.ServiceUUID || o.NamePrefix != "G5-" {
		t.Errorf("identifiers = %q %q", o.ServiceUUID, o.NamePrefix)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "print_label.json")
	body := `{"backend": "serial", "port": "/dev/rfcomm1", "copies": 3, "copyDelayMs": 800}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Backend != BackendSerial || c.Port != "/dev/rfcomm1" || c.Copies != 3 {
		t.Errorf("loaded %+v", c)
	}
	if c.PrinterOptions().CopyDelay != 800*time.Millisecond {
		t.Errorf("CopyDelay = %v", c.PrinterOptions().CopyDelay)
	}
	if c.Baud != 115200 || c.RasterBudget != 350 {
		t.Error("keys missing from the file lost their defaults")
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file: expected error")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("malformed file: expected error")
	}
	if c, err := Load(""); err != nil || c != Default() {
		t.Errorf("empty path: %+v, %v", c, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	c := Default()
	c.Backend = BackendRFCOMM
	c.Address = "DD:0D:30:02:63:42"
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != c {
		t.Errorf("loaded %+v, want %+v", got, c)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PRINT_LABEL_BACKEND":          "file",
		"PRINT_LABEL_OUTPUT_FILE":      "/tmp/out.bin",
		"PRINT_LABEL_COPIES":           "2",
		"PRINT_LABEL_WRITE_TIMEOUT_MS": "2500",
		"PRINT_LABEL_HEADER":           "",
	}
	c := Default()
	c.Header = "kept"
	if err := c.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.Backend != BackendFile || c.OutputFile != "/tmp/out.bin" || c.Copies != 2 || c.WriteTimeoutMs != 2500 {
		t.Errorf("after env: %+v", c)
	}
	if c.Header != "kept" {
		t.Errorf("empty variable overrode Header: %q", c.Header)
	}
}

func TestApplyEnvBadNumbers(t *testing.T) {
	env := map[string]string{
		"PRINT_LABEL_BAUD":   "fast",
		"PRINT_LABEL_COPIES": "two",
	}
	c := Default()
	err := c.ApplyEnv(func(k string) string { return env[k] })
	if got := len(Errors(err)); got != 2 {
		t.Fatalf("%d errors (%v), want 2", got, err)
	}
	if c.Baud != 115200 || c.Copies != 1 {
		t.Error("unparsable values replaced the fields")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "usb" }, []string{`unknown backend "usb"`}},
		{"rfcomm", func(c *Config) { c.Backend = BackendRFCOMM; c.Channel = 0 }, []string{"needs an address", "channel must be 1-30"}},
		{"file", func(c *Config) { c.Backend = BackendFile; c.OutputFile = "" }, []string{"needs an output file"}},
		{"serial", func(c *Config) { c.Backend = BackendSerial; c.Baud = 0 }, []string{"baud must be positive"}},
		{"many", func(c *Config) {
			c.Copies = 0
			c.Charset = "ebcdic"
			c.RasterBudget = 8
			c.SettleDelayMs = -1
			c.LogLevel = "loud"
		}, []string{"copies", "charset", "rasterBudget", "settleDelayMs", "logLevel"}},
		{"no discovery key", func(c *Config) { c.NamePrefix, c.ServiceUUID = "", "" }, []string{"cannot both be empty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if got := len(Errors(err)); got != len(tt.want) {
				t.Errorf("%d problems, want %d: %v", got, len(tt.want), err)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestServiceOnlyDiscovery(t *testing.T) {
	c := Default()
	c.NamePrefix = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o := c.PrinterOptions(); o.NamePrefix != "" || o.ServiceUUID != printer.ServiceUUID {
		t.Errorf("options prefix %q service %q", o.NamePrefix, o.ServiceUUID)
	}
}
