package pipeline

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// stopDrainTimeout bounds how long Stop waits for an element's own input
// backlog to empty before flipping it to STOP; it is a grace period, not
// a correctness guarantee — callers that need every frame observed
// should drive EOS through the graph and wait on their sink instead of
// relying on Stop's drain window.
const stopDrainTimeout = 500 * time.Millisecond

// Engine is an explicitly-constructed, caller-owned container: every
// graph it manages is reached only through this instance, never through
// package state.
type Engine struct {
	registry *Registry
	graphs   map[int]*graph
}

// NewEngine returns an Engine backed by registry, which must already
// have every element name the caller's graph documents will reference.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry, graphs: make(map[int]*graph)}
}

// AddGraph parses a {graph_id, workers[], connections[]} document,
// instantiates each worker by plugin name, Inits each one, and wires the
// connections. On any fatal configuration error the graph is not
// partially constructed: AddGraph returns before registering anything
// under graphId.
func (en *Engine) AddGraph(doc []byte) error {
	var cfg GraphConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return errors.Wrap(ParseConfigureFail, err.Error())
	}

	if _, exists := en.graphs[cfg.GraphID]; exists {
		return errors.Errorf("pipeline: graph %d already exists", cfg.GraphID)
	}

	g := newGraph(cfg.GraphID)
	for _, wc := range cfg.Workers {
		worker, err := en.registry.New(wc.Name)
		if err != nil {
			return errors.Wrapf(err, "graph %d: worker %d", cfg.GraphID, wc.ID)
		}
		el := NewElement(worker)
		raw, err := marshalElementJSON(wc)
		if err != nil {
			return errors.Wrapf(err, "graph %d: worker %d: marshal configure", cfg.GraphID, wc.ID)
		}
		if code := el.Init(raw); code != Success {
			return errors.Wrapf(code, "graph %d: worker %d (%s) init failed", cfg.GraphID, wc.ID, wc.Name)
		}
		g.addElement(el)
	}

	for _, c := range cfg.Connections {
		src, ok := g.elements[c.SrcID]
		if !ok {
			return errors.Errorf("graph %d: connection references unknown src_id %d", cfg.GraphID, c.SrcID)
		}
		dst, ok := g.elements[c.DstID]
		if !ok {
			return errors.Errorf("graph %d: connection references unknown dst_id %d", cfg.GraphID, c.DstID)
		}
		Connect(src, c.SrcPort, dst, c.DstPort)
	}
	g.connections = cfg.Connections

	en.graphs[cfg.GraphID] = g
	return nil
}

// SetDataHandler attaches a terminal sink at elementId's outputPort,
// bypassing DataPipe delivery entirely for that port.
func (en *Engine) SetDataHandler(graphID, elementID, outputPort int, fn DataHandler) error {
	el, err := en.element(graphID, elementID)
	if err != nil {
		return err
	}
	el.SetDataHandler(outputPort, fn)
	return nil
}

// SendData externally injects an ObjectMetadata into elementId's
// inputPort, used to drive source elements via out-of-band commands
// (e.g. channel START/STOP for a decode element).
func (en *Engine) SendData(graphID, elementID, inputPort int, item *ObjectMetadata, timeout time.Duration) (bool, error) {
	el, err := en.element(graphID, elementID)
	if err != nil {
		return false, err
	}
	return el.PushInputData(inputPort, item, timeout)
}

// Start brings every element in graphId from STOP to RUN.
func (en *Engine) Start(graphID int) error {
	g, err := en.graph(graphID)
	if err != nil {
		return err
	}
	if g.started {
		return errors.Wrapf(ThreadStatusError, "graph %d: already started", graphID)
	}

	started := make([]*Element, 0, len(g.elements))
	for _, id := range g.order {
		el := g.elements[id]
		if startErr := el.Start(); startErr != nil {
			// unwind whatever we already started and leave every
			// element STOP.
			for _, prior := range started {
				prior.Stop()
			}
			return errors.Wrapf(startErr, "graph %d: element %d failed to start", graphID, id)
		}
		started = append(started, el)
	}
	g.started = true
	return nil
}

// Stop halts every element in graphId. Elements are walked in
// topological (source-to-sink) order: each element is given a bounded
// grace period to drain its own queued input before its threads are
// told to stop, so a source's already-enqueued work has a chance to
// reach its immediate consumer before that consumer's threads exit.
func (en *Engine) Stop(graphID int) error {
	g, err := en.graph(graphID)
	if err != nil {
		return err
	}

	for _, id := range g.topoOrder() {
		el := g.elements[id]
		drainElement(el, stopDrainTimeout)
		if stopErr := el.Stop(); stopErr != nil {
			return errors.Wrapf(stopErr, "graph %d: element %d failed to stop", graphID, id)
		}
	}
	g.started = false
	return nil
}

func drainElement(el *Element, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, port := range el.InputPorts() {
		for el.InputDataCount(port) > 0 && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func (en *Engine) graph(graphID int) (*graph, error) {
	g, ok := en.graphs[graphID]
	if !ok {
		return nil, errors.Errorf("pipeline: no such graph %d", graphID)
	}
	return g, nil
}

func (en *Engine) element(graphID, elementID int) (*Element, error) {
	g, err := en.graph(graphID)
	if err != nil {
		return nil, err
	}
	el, ok := g.elements[elementID]
	if !ok {
		return nil, errors.Wrapf(NoSuchWorkerPort, "graph %d: no such element %d", graphID, elementID)
	}
	return el, nil
}
