package pipeline

import "encoding/json"

// GraphConfig is the top-level JSON document AddGraph parses. Unknown
// fields are ignored.
type GraphConfig struct {
	GraphID     int                `json:"graph_id"`
	Workers     []WorkerConfig     `json:"workers"`
	Connections []ConnectionConfig `json:"connections"`
}

// WorkerConfig describes one graph node before it is instantiated. The
// `Configure` sub-object is opaque to the core and forwarded to the
// worker's InitInternal; `Batch` is likewise opaque and is folded into
// that same payload under a "batch" key — batching is never consumed or
// interpreted by the core itself.
type WorkerConfig struct {
	ID                  int             `json:"id"`
	Name                string          `json:"name"`
	Side                string          `json:"side"`
	DeviceID            int             `json:"device_id"`
	ThreadNumber        int             `json:"thread_number"`
	MillisecondsTimeout int             `json:"milliseconds_timeout"`
	RepeatedTimeout     bool            `json:"repeated_timeout"`
	IsSink              bool            `json:"is_sink"`
	Batch               json.RawMessage `json:"batch"`
	Configure           json.RawMessage `json:"configure"`
}

// ConnectionConfig wires one output port to one input port.
type ConnectionConfig struct {
	SrcID   int `json:"src_id"`
	SrcPort int `json:"src_port"`
	DstID   int `json:"dst_id"`
	DstPort int `json:"dst_port"`
}

// marshalElementJSON re-serializes a WorkerConfig into the flat document
// shape Element.Init expects (it re-parses id/side/... itself), so the
// engine does not need a second, parallel struct just to satisfy
// Element.Init's signature.
func marshalElementJSON(w WorkerConfig) ([]byte, error) {
	return json.Marshal(w)
}
