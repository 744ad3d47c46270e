package encode

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/xtaci/streamgraph/pipeline"
)

func newEncoderElement(t *testing.T, compress bool) *pipeline.Element {
	t.Helper()
	el := pipeline.NewElement(New())
	cfg, err := json.Marshal(map[string]any{
		"id":            1,
		"thread_number": 1,
		"configure":     map[string]any{"compress": compress},
	})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if code := el.Init(cfg); code != pipeline.Success {
		t.Fatalf("init: %v", code)
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return el
}

func TestEncoderUncompressedPayloadShape(t *testing.T) {
	el := newEncoderElement(t, false)
	defer el.Stop()

	out := make(chan *pipeline.ObjectMetadata, 1)
	el.SetDataHandler(0, func(item *pipeline.ObjectMetadata) { out <- item })

	item := &pipeline.ObjectMetadata{
		Frame: &pipeline.Frame{FrameID: 55},
		SubObjects: []*pipeline.ObjectMetadata{
			{DetectionInfo: &pipeline.DetectionInfo{Box: pipeline.Box{X: 1, Y: 2, W: 3, H: 4}, Score: 0.9, ClassID: 2}},
		},
	}
	if ok, err := el.PushInputData(0, item, time.Second); !ok || err != nil {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}

	select {
	case got := <-out:
		if got.Packet == nil {
			t.Fatal("encoder did not attach a Packet")
		}
		frameID := int64(binary.LittleEndian.Uint64(got.Packet.Data[0:8]))
		if frameID != 55 {
			t.Fatalf("encoded frame id %d, want 55", frameID)
		}
		count := binary.LittleEndian.Uint32(got.Packet.Data[8:12])
		if count != 1 {
			t.Fatalf("encoded record count %d, want 1", count)
		}
	case <-time.After(time.Second):
		t.Fatal("encoder never produced output")
	}
}

func TestEncoderCompressionRoundTrips(t *testing.T) {
	el := newEncoderElement(t, true)
	defer el.Stop()

	out := make(chan *pipeline.ObjectMetadata, 1)
	el.SetDataHandler(0, func(item *pipeline.ObjectMetadata) { out <- item })

	item := &pipeline.ObjectMetadata{
		Frame: &pipeline.Frame{FrameID: 9},
		SubObjects: []*pipeline.ObjectMetadata{
			{DetectionInfo: &pipeline.DetectionInfo{Box: pipeline.Box{X: 1, Y: 2, W: 3, H: 4}, Score: 0.5, ClassID: 1}},
		},
	}
	if ok, err := el.PushInputData(0, item, time.Second); !ok || err != nil {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}

	select {
	case got := <-out:
		decoded, err := snappy.Decode(nil, got.Packet.Data)
		if err != nil {
			t.Fatalf("snappy decode: %v", err)
		}
		frameID := int64(binary.LittleEndian.Uint64(decoded[0:8]))
		if frameID != 9 {
			t.Fatalf("decoded frame id %d, want 9", frameID)
		}
	case <-time.After(time.Second):
		t.Fatal("encoder never produced output")
	}
}

func TestEncoderEndOfStreamProducesEmptyEOSPacket(t *testing.T) {
	el := newEncoderElement(t, false)
	defer el.Stop()

	out := make(chan *pipeline.ObjectMetadata, 1)
	el.SetDataHandler(0, func(item *pipeline.ObjectMetadata) { out <- item })

	eos := &pipeline.ObjectMetadata{Frame: &pipeline.Frame{EndOfStream: true}}
	if ok, err := el.PushInputData(0, eos, time.Second); !ok || err != nil {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}

	select {
	case got := <-out:
		if !got.EndOfStream() {
			t.Fatal("EndOfStream marker lost across the encode stage")
		}
		if !got.Packet.EndOfStream {
			t.Fatal("encoder should mark the packet itself EndOfStream")
		}
	case <-time.After(time.Second):
		t.Fatal("encoder never forwarded the EndOfStream item")
	}
}
