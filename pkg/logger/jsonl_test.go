package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"libera/pkg/protocol"
)

func TestJSONLWriterRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	in := make(chan protocol.StatusUpdate, 2)
	in <- protocol.StatusUpdate{
		Device: "etherdream",
		Time:   time.Unix(100, 0),
		Status: protocol.DeviceStatus{
			LightEngine:    protocol.LightEngineReady,
			Playback:       protocol.PlaybackPlaying,
			BufferFullness: 1500,
			PointRate:      30000,
			PointCount:     42,
		},
	}
	close(in)

	w.Consume(context.Background(), in)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["device"] != "etherdream" {
		t.Fatalf("device %v", rec["device"])
	}
	if rec["light"] != "ready" || rec["playback"] != "playing" {
		t.Fatalf("states %v/%v", rec["light"], rec["playback"])
	}
	if rec["buffer"].(float64) != 1500 || rec["rate"].(float64) != 30000 {
		t.Fatalf("numbers %v/%v", rec["buffer"], rec["rate"])
	}
}

func TestJSONLWriterStopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan protocol.StatusUpdate)
	done := make(chan struct{})
	go func() {
		w.Consume(ctx, in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consumer ignored context cancellation")
	}
}
