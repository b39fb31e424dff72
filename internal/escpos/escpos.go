// Package escpos builds the ESC/POS command frames understood by the G5
// label printer. Byte values are fixed by the firmware.
package escpos

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Control characters.
const (
	DLE = 0x10
	ESC = 0x1B
	GS  = 0x1D
	US  = 0x1F
)

// RasterHeaderSize is the length of a GS v 0 header.
const RasterHeaderSize = 8

// DefaultFeedLines is the feed issued before the cut.
const DefaultFeedLines = 4

const maxDimension = 0xFFFF

// InvalidDimensionError reports a raster size that does not fit the 16-bit
// header fields.
type InvalidDimensionError struct {
	Field string
	Value int
}

func (e *InvalidDimensionError) Error() string {
	return fmt.Sprintf("escpos: raster %s %d out of range 0..%d", e.Field, e.Value, maxDimension)
}

// Init returns ESC @ (reset printer state).
func Init() []byte {
	return []byte{ESC, 0x40}
}

// RasterHeader returns GS v 0 in normal mode for a block of heightRows rows,
// widthBytes bytes each. Both values are little-endian on the wire.
func RasterHeader(widthBytes, heightRows int) ([]byte, error) {
	if widthBytes < 0 || widthBytes > maxDimension {
		return nil, &InvalidDimensionError{Field: "width", Value: widthBytes}
	}
	if heightRows < 0 || heightRows > maxDimension {
		return nil, &InvalidDimensionError{Field: "height", Value: heightRows}
	}
	return []byte{
		GS, 0x76, 0x30, // GS v 0
		0x00, // mode: normal
		byte(widthBytes), byte(widthBytes >> 8),
		byte(heightRows), byte(heightRows >> 8),
	}, nil
}

// Feed returns ESC d n (print and feed n lines).
func Feed(lines byte) []byte {
	return []byte{ESC, 0x64, lines}
}

// Cut returns GS V 0 (full cut).
func Cut() []byte {
	return []byte{GS, 0x56, 0x00}
}

// Text returns s as UTF-8 bytes.
func Text(s string) []byte {
	return []byte(s)
}

var charsets = map[string]encoding.Encoding{
	"cp437":  charmap.CodePage437,
	"cp850":  charmap.CodePage850,
	"cp1252": charmap.Windows1252,
	"latin1": charmap.ISO8859_1,
}

// EncodeText converts s to the named printer code page. An empty name or
// "utf-8" returns Text(s) unchanged.
func EncodeText(s, charset string) ([]byte, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return Text(s), nil
	}
	enc, ok := charsets[name]
	if !ok {
		return nil, fmt.Errorf("escpos: unknown charset %q", charset)
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("escpos: encode text as %s: %w", name, err)
	}
	return out, nil
}

// ValidCharset reports whether EncodeText accepts the name.
func ValidCharset(charset string) bool {
	_, err := EncodeText("", charset)
	return err == nil
}

// Query returns DLE EOT STX, the printer detection query.
func Query() []byte {
	return []byte{DLE, 0x04, 0x02}
}

// SelfTest returns US vt eot, which prints the firmware self-test page.
func SelfTest() []byte {
	return []byte{US, 0x11, 0x04}
}

// Beep returns ESC B n t: n beeps of t x 50ms.
func Beep(times, duration byte) []byte {
	return []byte{ESC, 0x42, times, duration}
}
