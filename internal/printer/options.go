package printer

import (
	"time"

	"github.com/alonch/redirect-qr/internal/bitmap"
	"github.com/alonch/redirect-qr/internal/chunk"
	"github.com/alonch/redirect-qr/internal/escpos"
	"github.com/alonch/redirect-qr/internal/queue"
)

// G5 identifiers.
const (
	ServiceUUID        = "49535343-fe7d-4ae5-8fa9-9fafd205e455"
	CharacteristicUUID = "49535343-8841-43f4-a8d4-ecbe34729bb3"
	NamePrefix         = "G5-"
)

// Options tunes a Session. The delays are firmware-tuned; lowering them
// risks dropped rows on the device.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	NamePrefix         string

	LabelWidth  int
	LabelHeight int
	FeedLines   int
	Charset     string

	WriteLimit   int // largest single characteristic write
	RasterBudget int // wire budget for one raster chunk

	SubChunkDelay    time.Duration // after each piece of a split write
	SettleDelay      time.Duration // after an unsplit write
	RasterChunkDelay time.Duration // after each raster chunk of a job
	CopyDelay        time.Duration // between copies
	QueuePace        time.Duration // between queued operations
	WriteTimeout     time.Duration // per characteristic write; 0 waits forever

	// OnStatus, when set, observes every state change. It runs on the
	// goroutine making the change and must not call back into the Session.
	OnStatus func(State, string)
}

// DefaultOptions returns the values the G5 is known to work with.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		NamePrefix:         NamePrefix,
		LabelWidth:         bitmap.LabelWidth,
		LabelHeight:        bitmap.LabelHeight,
		FeedLines:          escpos.DefaultFeedLines,
		Charset:            "utf-8",
		WriteLimit:         chunk.WriteLimit,
		RasterBudget:       chunk.MaxWireBytes,
		SubChunkDelay:      time.Millisecond,
		SettleDelay:        300 * time.Millisecond,
		RasterChunkDelay:   300 * time.Millisecond,
		CopyDelay:          500 * time.Millisecond,
		QueuePace:          queue.DefaultPace,
		WriteTimeout:       10 * time.Second,
	}
}

// withDefaults fills identifiers and limits left zero. Zero delays stay
// zero. An empty NamePrefix next to a ServiceUUID is kept, so discovery can
// match on the service alone.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NamePrefix == "" && o.ServiceUUID == "" {
		o.NamePrefix = d.NamePrefix
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = d.CharacteristicUUID
	}
	if o.LabelWidth <= 0 {
		o.LabelWidth = d.LabelWidth
	}
	if o.LabelHeight <= 0 {
		o.LabelHeight = d.LabelHeight
	}
	if o.FeedLines <= 0 {
		o.FeedLines = d.FeedLines
	}
	if o.Charset == "" {
		o.Charset = d.Charset
	}
	if o.WriteLimit <= 0 {
		o.WriteLimit = d.WriteLimit
	}
	if o.RasterBudget <= 0 {
		o.RasterBudget = d.RasterBudget
	}
	return o
}
