// Package infer implements a stand-in inference stage: it deterministically
// derives a fixed-shape OutputTensors entry from the first value of the
// item's resize vector (InputTensors are not read), so a real
// post-process stage downstream has consistent, reproducible tensor
// data to decode without this repo owning an actual tensor runtime.
package infer

import (
	"encoding/json"
	"time"

	"github.com/xtaci/streamgraph/pipeline"
)

const defaultPushTimeout = time.Second

type configure struct {
	// OutputName is the key the derived tensor is stored under in
	// OutputTensors; it has NumAnchors rows of 5+NumClasses values.
	OutputName string `json:"output_name"`
	NumAnchors int    `json:"num_anchors"`
	NumClasses int    `json:"num_classes"`
}

const (
	defaultOutputName = "output0"
	defaultNumAnchors  = 25200
	defaultNumClasses  = 80
)

// Inferencer is a pipeline.Worker with one input/output port pair.
type Inferencer struct {
	outputName string
	numAnchors int
	numClasses int
}

func New() pipeline.Worker {
	return &Inferencer{}
}

func (in *Inferencer) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	in.outputName = cfg.OutputName
	if in.outputName == "" {
		in.outputName = defaultOutputName
	}
	in.numAnchors = cfg.NumAnchors
	if in.numAnchors <= 0 {
		in.numAnchors = defaultNumAnchors
	}
	in.numClasses = cfg.NumClasses
	if in.numClasses <= 0 {
		in.numClasses = defaultNumClasses
	}
	return pipeline.Success
}

func (in *Inferencer) UninitInternal() {}

func (in *Inferencer) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	if item.EndOfStream() {
		e.PushOutputData(0, item, defaultPushTimeout)
		return pipeline.StreamEnd
	}

	// deterministic per-anchor (box*4 + objectness + per-class score)
	// row derived from the resize vector so results are reproducible
	// across runs of the same input without any real tensor math.
	seed := float32(1)
	if len(item.ResizeVector) > 0 {
		seed = float32(item.ResizeVector[0]%97) / 97
	}
	row := make([]float32, 5+in.numClasses)
	for i := range row {
		row[i] = seed
	}
	tensor := make([][]float32, in.numAnchors)
	for i := range tensor {
		tensor[i] = row
	}

	if item.OutputTensors == nil {
		item.OutputTensors = make(map[string]any, 1)
	}
	item.OutputTensors[in.outputName] = tensor

	e.PushOutputData(0, item, defaultPushTimeout)
	return pipeline.Success
}
