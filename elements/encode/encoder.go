// Package encode serializes the DetectionInfo carried by each
// SubObject into a flat Packet ready for transport, optionally
// snappy-compressing it, grounded on the same "one detection report per
// frame" shape a real encode stage prepares before handing a payload to
// a reporting/export element.
package encode

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/golang/snappy"

	"github.com/xtaci/streamgraph/pipeline"
)

type configure struct {
	Compress bool `json:"compress"`
}

// detectionRecord is the wire shape one detection is flattened to
// before being appended to the packet payload.
type detectionRecord struct {
	X, Y, W, H float32
	Score      float32
	ClassID    int32
}

// Encoder is a pipeline.Worker with one input/output port pair.
type Encoder struct {
	compress bool
}

func New() pipeline.Worker {
	return &Encoder{}
}

func (enc *Encoder) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	enc.compress = cfg.Compress
	return pipeline.Success
}

func (enc *Encoder) UninitInternal() {}

func (enc *Encoder) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	if item.EndOfStream() {
		item.Packet = &pipeline.Packet{EndOfStream: true}
		e.PushOutputData(0, item, time.Second)
		return pipeline.StreamEnd
	}

	payload := marshal(item)
	if enc.compress {
		payload = snappy.Encode(nil, payload)
	}
	item.Packet = &pipeline.Packet{Data: payload, Size: len(payload)}

	// the encoded Packet is everything downstream of here needs; the
	// decoded frame's pixel buffer can go back to the pool decode drew
	// it from.
	if item.Frame != nil && item.Frame.ImageRef != nil {
		pipeline.PutFrameBuffer(item.Frame.ImageRef)
		item.Frame.ImageRef = nil
	}

	e.PushOutputData(0, item, time.Second)
	return pipeline.Success
}

// marshal flattens every SubObject's DetectionInfo into a tiny
// fixed-width binary payload: an int64 frame id, a uint32 record count,
// then that many fixed-size records.
func marshal(item *pipeline.ObjectMetadata) []byte {
	var frameID int64
	if item.Frame != nil {
		frameID = item.Frame.FrameID
	}

	var count uint32
	for _, sub := range item.SubObjects {
		if sub.DetectionInfo != nil {
			count++
		}
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, frameID)
	binary.Write(buf, binary.LittleEndian, count)
	for _, sub := range item.SubObjects {
		if sub.DetectionInfo == nil {
			continue
		}
		rec := detectionRecord{
			X:       sub.DetectionInfo.Box.X,
			Y:       sub.DetectionInfo.Box.Y,
			W:       sub.DetectionInfo.Box.W,
			H:       sub.DetectionInfo.Box.H,
			Score:   sub.DetectionInfo.Score,
			ClassID: int32(sub.DetectionInfo.ClassID),
		}
		binary.Write(buf, binary.LittleEndian, rec)
	}
	return buf.Bytes()
}
