// Package report implements the terminal sink element: when a data
// handler is registered on its output port, PushOutputData's sink-bypass
// branch delivers straight to the caller and the network path below is
// never touched. Otherwise every packet is written to a dedicated smux
// stream (one per channel ID) multiplexed over a single kcp-go session
// dialed to a configured collector address, length-prefixed so the
// collector can frame packets off the stream.
package report

import (
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/pkg/errors"

	"github.com/xtaci/streamgraph/pipeline"
)

type configure struct {
	CollectorAddr    string `json:"collector_addr"`
	DataShard        int    `json:"data_shard"`
	ParityShard      int    `json:"parity_shard"`
	KeepAliveSeconds int    `json:"keepalive_seconds"`
	MaxStreamBuffer  int    `json:"max_stream_buffer"`
	MaxReceiveBuffer int    `json:"max_receive_buffer"`
	MaxFrameSize     int    `json:"max_frame_size"`
	WireCompress     bool   `json:"wire_compress"`
}

const (
	defaultKeepAliveSeconds = 10
	defaultMaxStreamBuffer  = 4194304
	defaultMaxReceiveBuffer = 4194304
	defaultMaxFrameSize     = 4096
)

// Reporter is a pipeline.Worker with one input port and no wired
// output port (output port 0 only ever reaches a registered data
// handler); it is always configured is_sink=true.
type Reporter struct {
	cfg configure

	mu       sync.Mutex
	udpSess  *kcp.UDPSession
	muxSess  transport
	streams  map[int]*smux.Stream
	channels map[int]bool // channelID -> has sent data, not yet EOS'd
}

func New() pipeline.Worker {
	return &Reporter{
		streams:  make(map[int]*smux.Stream),
		channels: make(map[int]bool),
	}
}

func (r *Reporter) InitInternal(raw json.RawMessage) pipeline.ErrorCode {
	var cfg configure
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return pipeline.ParseConfigureFail
		}
	}
	if cfg.KeepAliveSeconds <= 0 {
		cfg.KeepAliveSeconds = defaultKeepAliveSeconds
	}
	if cfg.MaxStreamBuffer <= 0 {
		cfg.MaxStreamBuffer = defaultMaxStreamBuffer
	}
	if cfg.MaxReceiveBuffer <= 0 {
		cfg.MaxReceiveBuffer = defaultMaxReceiveBuffer
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	r.cfg = cfg
	return pipeline.Success
}

func (r *Reporter) UninitInternal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.streams {
		s.Close()
	}
	r.streams = make(map[int]*smux.Stream)
	r.channels = make(map[int]bool)
	if r.muxSess != nil {
		r.muxSess.Close()
		r.muxSess = nil
	}
	if r.udpSess != nil {
		r.udpSess.Close()
		r.udpSess = nil
	}
}

// DoWork first offers the item to output port 0: if a caller registered
// a data handler there (Engine.SetDataHandler), PushOutputData delivers
// to it directly and the network path below never runs. Only when
// nothing is watching port 0 does DoWork fall through to writing the
// packet out over a collector stream.
func (r *Reporter) DoWork(e *pipeline.Element) pipeline.ErrorCode {
	item, ok := e.GetInputData(0)
	if !ok {
		return pipeline.Success
	}
	e.PopInputData(0)

	if _, err := e.PushOutputData(0, item, time.Second); !stderrors.Is(err, pipeline.NoSuchWorkerPort) {
		if err != nil {
			return pipeline.Unknown
		}
		return pipeline.Success
	}

	if r.cfg.CollectorAddr == "" || item.Packet == nil {
		// no collector configured and nobody watching: drop.
		return pipeline.Success
	}

	stream, err := r.streamFor(item.ChannelID)
	if err != nil {
		return pipeline.Unknown
	}

	if werr := writeFramed(stream, item.Packet.Data); werr != nil {
		return pipeline.Unknown
	}

	if item.EndOfStream() {
		r.closeChannel(item.ChannelID)
		if r.drainChannel(item.ChannelID) {
			return pipeline.StreamEnd
		}
		return pipeline.Success
	}
	r.markChannelActive(item.ChannelID)
	return pipeline.Success
}

// markChannelActive records that channelID has sent data on this input
// port and has not yet signaled EOS.
func (r *Reporter) markChannelActive(channelID int) {
	r.mu.Lock()
	r.channels[channelID] = true
	r.mu.Unlock()
}

// drainChannel marks channelID as ended and reports whether every
// channel that has ever sent data on this port has now signaled EOS,
// i.e. whether the port as a whole is fully drained.
func (r *Reporter) drainChannel(channelID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
	return len(r.channels) == 0
}

// streamFor returns the smux stream dedicated to channelID, dialing the
// kcp session and opening the smux client session on first use.
func (r *Reporter) streamFor(channelID int) (*smux.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[channelID]; ok {
		return s, nil
	}

	if r.muxSess == nil {
		udpSess, err := kcp.DialWithOptions(r.cfg.CollectorAddr, nil, r.cfg.DataShard, r.cfg.ParityShard)
		if err != nil {
			return nil, errors.Wrap(err, "report: dial collector")
		}
		udpSess.SetStreamMode(true)
		udpSess.SetWriteDelay(false)
		udpSess.SetNoDelay(1, 10, 2, 1)

		smuxCfg, err := buildSmuxConfig(r.cfg)
		if err != nil {
			udpSess.Close()
			return nil, errors.Wrap(err, "report: smux config")
		}

		var conn net.Conn = udpSess
		if r.cfg.WireCompress {
			conn = newCompStream(udpSess)
		}

		muxSess, err := smux.Client(conn, smuxCfg)
		if err != nil {
			udpSess.Close()
			return nil, errors.Wrap(err, "report: open smux session")
		}
		r.udpSess = udpSess
		r.muxSess = muxSess
	}

	stream, err := r.muxSess.OpenStream()
	if err != nil {
		return nil, errors.Wrap(err, "report: open stream")
	}
	r.streams[channelID] = stream
	return stream, nil
}

func (r *Reporter) closeChannel(channelID int) {
	r.mu.Lock()
	s, ok := r.streams[channelID]
	delete(r.streams, channelID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// writeFramed writes a uint32 length prefix followed by payload, so the
// collector side can delimit packets off the stream's byte sequence.
func writeFramed(w interface{ Write([]byte) (int, error) }, payload []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
