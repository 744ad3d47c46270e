// Package preprocess implements a letterbox resize stage: it computes
// the padded target dimensions a real vpp/bmcv resize call would use
// and records them on ResizeVector so a later post-process stage can
// map detection boxes back to source-image coordinates. It never
// touches ImageRef bytes (no real resize kernel — out of scope); it
// exists to give the resize-and-pad bookkeeping a concrete, testable
// home in the graph.
package preprocess

import (
	"encoding/json"
	"math"
	"time"

	"github.com/xtaci/streamgraph/pipeline"
)

const defaultPushTimeout = time.Second

type configure struct {
	NetWidth  int `json:"net_width"`
	NetHeight int `json:"net_height"`
	// Align rounds the scaled dimensions to the nearest multiple of
	// Align (and never below Align), mirroring a decoder's tile-size
	// constraint; 32 is the common default for detector backbones.
	Align int `json:"align"`
}

const (
	defaultNetWidth  = 640
	defaultNetHeight = 640
	defaultAlign     = 32
)

// Resizer is a pipeline.Worker with one input/output port pair.
type Resizer struct {
	netWidth  int
	netHeight int
	align     int
}

func New() pipeline.Worker {
	return &Resizer{}
}

func (r *Resizer) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	r.netWidth = cfg.NetWidth
	if r.netWidth <= 0 {
		r.netWidth = defaultNetWidth
	}
	r.netHeight = cfg.NetHeight
	if r.netHeight <= 0 {
		r.netHeight = defaultNetHeight
	}
	r.align = cfg.Align
	if r.align <= 0 {
		r.align = defaultAlign
	}
	return pipeline.Success
}

func (r *Resizer) UninitInternal() {}

func (r *Resizer) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	if item.EndOfStream() {
		e.PushOutputData(0, item, defaultPushTimeout)
		return pipeline.StreamEnd
	}

	if item.Frame != nil {
		resizeH, resizeW, scale := r.letterbox(item.Frame.Width, item.Frame.Height)
		item.ResizeVector = []int{resizeH, resizeW, int(scale * 1000)}
	}

	e.PushOutputData(0, item, defaultPushTimeout)
	return pipeline.Success
}

// letterbox mirrors the scale-to-fit + round-to-alignment bookkeeping a
// real vpp padding resize performs: the longer source edge is scaled
// down to fit the network's input edge (never scaled up), then both
// resulting dimensions are rounded to the nearest multiple of align,
// floored at align itself.
func (r *Resizer) letterbox(w, h int) (resizeH, resizeW int, scale float64) {
	if w <= 0 || h <= 0 {
		return r.align, r.align, 1
	}
	maxWH := w
	if h > maxWH {
		maxWH = h
	}
	scale = 1
	if maxWH > r.netWidth {
		scale = float64(r.netWidth) / float64(maxWH)
	}
	resizeH = roundToAlign(int(float64(h)*scale), r.align)
	resizeW = roundToAlign(int(float64(w)*scale), r.align)
	return resizeH, resizeW, scale
}

func roundToAlign(v, align int) int {
	rounded := int(math.Round(float64(v)/float64(align))) * align
	if rounded < align {
		rounded = align
	}
	return rounded
}
