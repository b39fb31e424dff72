// Package chunk splits frames into pieces the wireless link accepts.
//
// Two independent layers exist. Raster splits a packed bitmap into row-aligned
// GS v 0 blocks, each with its own header. Bytes splits any frame into
// fixed-size pieces for the link's single-write ceiling, and is applied again
// to raster blocks that still exceed it.
package chunk

import (
	"fmt"

	"github.com/alonch/redirect-qr/internal/escpos"
)

// Reference transport limits.
const (
	// MaxWireBytes is the raster block budget tuned for the G5 firmware.
	MaxWireBytes = 350
	// HeaderReserve is subtracted from MaxWireBytes before dividing into rows.
	HeaderReserve = 7
	// WriteLimit is the largest payload written in one link operation.
	WriteLimit = 120
)

// RasterChunk is one GS v 0 block: a header for Rows rows followed by their
// bitmap bytes.
type RasterChunk struct {
	Header   []byte
	FirstRow int
	Rows     int
	Body     []byte
}

// Frame returns header and body as one frame.
func (c RasterChunk) Frame() []byte {
	out := make([]byte, 0, len(c.Header)+len(c.Body))
	out = append(out, c.Header...)
	return append(out, c.Body...)
}

// RowsPerChunk returns how many rows of widthBytes fit in one raster block.
// It is never less than one.
func RowsPerChunk(widthBytes, maxWireBytes int) int {
	rows := (maxWireBytes - HeaderReserve) / widthBytes
	if rows < 1 {
		return 1
	}
	return rows
}

// Raster splits the first totalRows rows of data into blocks in row order.
// Bodies share memory with data.
func Raster(data []byte, widthBytes, totalRows, maxWireBytes int) ([]RasterChunk, error) {
	if widthBytes <= 0 {
		return nil, fmt.Errorf("chunk: width %d bytes must be positive", widthBytes)
	}
	if totalRows < 0 {
		return nil, fmt.Errorf("chunk: negative row count %d", totalRows)
	}
	if need := widthBytes * totalRows; len(data) < need {
		return nil, fmt.Errorf("chunk: bitmap has %d bytes, %d rows of %d need %d", len(data), totalRows, widthBytes, need)
	}

	perChunk := RowsPerChunk(widthBytes, maxWireBytes)
	chunks := make([]RasterChunk, 0, (totalRows+perChunk-1)/perChunk)
	for start := 0; start < totalRows; start += perChunk {
		rows := perChunk
		if start+rows > totalRows {
			rows = totalRows - start
		}
		header, err := escpos.RasterHeader(widthBytes, rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, RasterChunk{
			Header:   header,
			FirstRow: start,
			Rows:     rows,
			Body:     data[start*widthBytes : (start+rows)*widthBytes],
		})
	}
	return chunks, nil
}

// Bytes splits data into consecutive pieces of at most maxChunkSize bytes.
// Pieces share memory with data.
func Bytes(data []byte, maxChunkSize int) [][]byte {
	if maxChunkSize <= 0 {
		maxChunkSize = len(data)
	}
	var out [][]byte
	for i := 0; i < len(data); i += maxChunkSize {
		end := i + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}
