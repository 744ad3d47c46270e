// Package postprocess decodes the stub per-anchor tensor rows produced
// by elements/infer into boxes via a sigmoid + argmax-class pass, then
// suppresses overlapping boxes with an IoU-threshold NMS, grounded on
// the decode/NMS shape of a real Yolov5 post-process stage. It produces
// one SubObject per surviving detection.
package postprocess

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xtaci/streamgraph/pipeline"
)

type configure struct {
	OutputName    string  `json:"output_name"`
	ConfThreshold float32 `json:"conf_threshold"`
	NMSThreshold  float32 `json:"nms_threshold"`
}

const (
	defaultConfThreshold = 0.25
	defaultNMSThreshold  = 0.45
)

// YoloPost is a pipeline.Worker with one input/output port pair.
type YoloPost struct {
	outputName    string
	confThreshold float32
	nmsThreshold  float32

	mu       sync.Mutex
	channels map[int]bool // channelID -> has sent data, not yet EOS'd
}

func New() pipeline.Worker {
	return &YoloPost{channels: make(map[int]bool)}
}

func (y *YoloPost) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	y.outputName = cfg.OutputName
	if y.outputName == "" {
		y.outputName = "output0"
	}
	y.confThreshold = cfg.ConfThreshold
	if y.confThreshold <= 0 {
		y.confThreshold = defaultConfThreshold
	}
	y.nmsThreshold = cfg.NMSThreshold
	if y.nmsThreshold <= 0 {
		y.nmsThreshold = defaultNMSThreshold
	}
	return pipeline.Success
}

func (y *YoloPost) UninitInternal() {}

func (y *YoloPost) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	if item.EndOfStream() {
		e.PushOutputData(0, item, time.Second)
		if y.drainChannel(item.ChannelID) {
			return pipeline.StreamEnd
		}
		return pipeline.Success
	}
	y.markChannelActive(item.ChannelID)

	raw, ok := item.OutputTensors[y.outputName].([][]float32)
	if ok {
		boxes := decode(raw, y.confThreshold)
		boxes = nms(boxes, y.nmsThreshold)
		item.SubObjects = make([]*pipeline.ObjectMetadata, 0, len(boxes))
		for _, b := range boxes {
			det := b
			sub := item.Clone()
			sub.DetectionInfo = &det
			sub.SubObjects = nil
			item.SubObjects = append(item.SubObjects, sub)
		}
	}

	e.PushOutputData(0, item, time.Second)
	return pipeline.Success
}

// markChannelActive records that channelID has sent data on this input
// port and has not yet signaled EOS.
func (y *YoloPost) markChannelActive(channelID int) {
	y.mu.Lock()
	y.channels[channelID] = true
	y.mu.Unlock()
}

// drainChannel marks channelID as ended and reports whether every
// channel that has ever sent data on this port has now signaled EOS,
// i.e. whether the port as a whole is fully drained.
func (y *YoloPost) drainChannel(channelID int) bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	delete(y.channels, channelID)
	return len(y.channels) == 0
}

// sigmoid maps a raw logit to (0, 1).
func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// decode turns every anchor row (box*4, objectness, class scores...)
// into a DetectionInfo, keeping only rows whose objectness * best class
// score clears confThreshold. Box coordinates in a row are already
// expressed in net-input pixel space, same as a real decode stage's
// grid-cell + anchor expansion.
func decode(rows [][]float32, confThreshold float32) []pipeline.DetectionInfo {
	var out []pipeline.DetectionInfo
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		objectness := sigmoid(row[4])
		classID, classScore := argmaxClass(row[5:])
		score := objectness * sigmoid(classScore)
		if score < confThreshold {
			continue
		}
		out = append(out, pipeline.DetectionInfo{
			Box: pipeline.Box{
				X: row[0] - row[2]/2,
				Y: row[1] - row[3]/2,
				W: row[2],
				H: row[3],
			},
			Score:   score,
			ClassID: classID,
		})
	}
	return out
}

func argmaxClass(scores []float32) (int, float32) {
	best, bestIdx := scores[0], 0
	for i, s := range scores {
		if s > best {
			best = s
			bestIdx = i
		}
	}
	return bestIdx, best
}

// nms removes boxes whose IoU against a higher-scoring survivor exceeds
// nmsThreshold, processing from highest score to lowest.
func nms(boxes []pipeline.DetectionInfo, nmsThreshold float32) []pipeline.DetectionInfo {
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Score > boxes[j].Score })

	kept := make([]pipeline.DetectionInfo, 0, len(boxes))
	for _, b := range boxes {
		suppressed := false
		for _, k := range kept {
			if iou(b.Box, k.Box) > nmsThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, b)
		}
	}
	return kept
}

func iou(a, b pipeline.Box) float32 {
	left := maxF(a.X, b.X)
	top := maxF(a.Y, b.Y)
	right := minF(a.X+a.W, b.X+b.W)
	bottom := minF(a.Y+a.H, b.Y+b.H)

	overlap := maxF(0, right-left) * maxF(0, bottom-top)
	areaA := a.W * a.H
	areaB := b.W * b.H
	union := areaA + areaB - overlap
	if union <= 0 {
		return 0
	}
	return overlap / union
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
