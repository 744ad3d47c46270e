// Package decode implements a source element that stands in for a real
// video decoder: its only input port (0) carries control Commands, not
// frames, and it synthesizes successive frames for a channel once told
// to START, stopping (and emitting an
// EndOfStream marker) once told to STOP. Real pixel decode, device
// handles, and codec negotiation are out of scope; this fills in the
// shape a decoder occupies in a graph so downstream stages and the
// engine's lifecycle machinery have something real to drive.
package decode

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xtaci/streamgraph/pipeline"
)

// Op is the discriminant of an in-band control command delivered to a
// Decoder through SendData.
type Op string

const (
	OpStart Op = "START"
	OpStop  Op = "STOP"
)

// Command is the control envelope a caller pushes into a Decoder's
// input port 0 to start or stop a channel's frame generator.
type Command struct {
	Op        Op
	ChannelID int
	URL       string
	Width     int
	Height    int
}

// configure is the JSON shape read out of a worker's `configure` block.
type configure struct {
	FrameRateHz float64 `json:"frame_rate_hz"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

const defaultFrameRateHz = 30.0
const controlKey = "command"

// Decoder is a pipeline.Worker. Register it under a plugin name with a
// pipeline.Registry before parsing a graph document that references it.
type Decoder struct {
	mu          sync.Mutex
	frameRateHz float64
	width       int
	height      int

	channels map[int]*channelRunner
}

// channelRunner owns one synthesized stream's generator goroutine.
type channelRunner struct {
	stop chan struct{}
	done chan struct{}
}

func New() pipeline.Worker {
	return &Decoder{channels: make(map[int]*channelRunner)}
}

func (d *Decoder) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	d.frameRateHz = cfg.FrameRateHz
	if d.frameRateHz <= 0 {
		d.frameRateHz = defaultFrameRateHz
	}
	d.width = cfg.Width
	if d.width <= 0 {
		d.width = 1920
	}
	d.height = cfg.Height
	if d.height <= 0 {
		d.height = 1080
	}
	return pipeline.Success
}

func (d *Decoder) UninitInternal() {
	d.mu.Lock()
	channels := d.channels
	d.channels = make(map[int]*channelRunner)
	d.mu.Unlock()
	for _, ch := range channels {
		stopChannel(ch)
	}
}

// DoWork is only ever invoked on a genuine notify, i.e. after a Command
// was pushed to input port 0; it starts or stops that channel's
// generator goroutine and returns immediately, never blocking itself on
// frame production.
func (d *Decoder) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	cmd, ok := item.InputTensors[controlKey].(*Command)
	if !ok || cmd == nil {
		return pipeline.ParseConfigureFail
	}

	switch cmd.Op {
	case OpStart:
		d.startChannel(e, cmd)
	case OpStop:
		d.stopChannelByID(cmd.ChannelID)
	default:
		return pipeline.ParseConfigureFail
	}
	return pipeline.Success
}

func (d *Decoder) startChannel(e *pipeline.Element, cmd *Command) {
	d.mu.Lock()
	if _, exists := d.channels[cmd.ChannelID]; exists {
		d.mu.Unlock()
		return
	}
	ch := &channelRunner{stop: make(chan struct{}), done: make(chan struct{})}
	d.channels[cmd.ChannelID] = ch
	width, height := d.width, d.height
	if cmd.Width > 0 {
		width = cmd.Width
	}
	if cmd.Height > 0 {
		height = cmd.Height
	}
	interval := time.Duration(float64(time.Second) / d.frameRateHz)
	d.mu.Unlock()

	go generateFrames(e, ch, cmd.ChannelID, width, height, interval)
}

func (d *Decoder) stopChannelByID(channelID int) {
	d.mu.Lock()
	ch, exists := d.channels[channelID]
	delete(d.channels, channelID)
	d.mu.Unlock()
	if exists {
		stopChannel(ch)
	}
}

func stopChannel(ch *channelRunner) {
	close(ch.stop)
	<-ch.done
}

// generateFrames pushes a monotonically increasing sequence of Frames to
// output port 0 until told to stop, then pushes one EndOfStream-flagged
// item and returns.
func generateFrames(e *pipeline.Element, ch *channelRunner, channelID, width, height int, interval time.Duration) {
	defer close(ch.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var frameID int64
	for {
		select {
		case <-ch.stop:
			eos := &pipeline.ObjectMetadata{
				ChannelID: channelID,
				Frame: &pipeline.Frame{
					ChannelID:   channelID,
					FrameID:     frameID,
					EndOfStream: true,
				},
				CreatedAt: time.Now(),
			}
			e.PushOutputData(0, eos, time.Second)
			return
		case <-ticker.C:
			// nv12 is 4:2:0 subsampled: one luma byte per pixel plus
			// one chroma byte per two pixels.
			item := &pipeline.ObjectMetadata{
				ChannelID: channelID,
				Frame: &pipeline.Frame{
					ChannelID: channelID,
					FrameID:   frameID,
					Width:     width,
					Height:    height,
					Format:    "nv12",
					DataType:  "uint8",
					ImageRef:  pipeline.GetFrameBuffer(width * height * 3 / 2),
				},
				CreatedAt: time.Now(),
			}
			if ok, _ := e.PushOutputData(0, item, time.Second); !ok {
				return
			}
			frameID++
		}
	}
}
