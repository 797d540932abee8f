package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"libera/pkg/protocol"
)

// JSONLWriter appends one JSON record per status update, suitable for
// tailing a show run or replaying a session afterwards.
type JSONLWriter struct {
	enc *json.Encoder
}

type jsonRecord struct {
	TS       string `json:"ts"`
	Device   string `json:"device,omitempty"`
	Light    string `json:"light"`
	Playback string `json:"playback"`
	Buffer   uint16 `json:"buffer"`
	Rate     uint32 `json:"rate"`
	Count    uint32 `json:"count"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

// Consume drains status updates until the channel closes or the context is
// cancelled.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan protocol.StatusUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-in:
			if !ok {
				return
			}
			_ = j.enc.Encode(jsonRecord{
				TS:       upd.Time.UTC().Format(time.RFC3339Nano),
				Device:   upd.Device,
				Light:    upd.Status.LightEngine.String(),
				Playback: upd.Status.Playback.String(),
				Buffer:   upd.Status.BufferFullness,
				Rate:     upd.Status.PointRate,
				Count:    upd.Status.PointCount,
			})
		}
	}
}
