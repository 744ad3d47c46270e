package pipeline

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ThreadStatus is the lifecycle state of an Element's worker pool.
type ThreadStatus int

const (
	StatusStop ThreadStatus = iota
	StatusRun
	StatusPause
)

// defaultTimeout is the wait granularity used for the worker loop's
// condition-variable wait whenever MillisecondsTimeout is zero or the
// element is paused — it only bounds how promptly a STOP transition is
// noticed, it never triggers DoWork on its own.
const defaultTimeout = 200 * time.Millisecond

// DataHandler is a sink callback invoked on the pushing goroutine of the
// last element in a chain; it bypasses DataPipe delivery entirely.
type DataHandler func(*ObjectMetadata)

// Worker is the subclass contract every element implementation satisfies.
// The core only ever calls these three methods; everything else (codec
// access, inference kernels, device memory) lives behind them.
type Worker interface {
	InitInternal(configure json.RawMessage) ErrorCode
	UninitInternal()
	DoWork(e *Element) ErrorCode
}

// Element is a graph node: N input ports (each an owned DataPipe), M
// output ports (weak references to downstream pipes owned by whichever
// element consumes them), a worker-thread pool, a lifecycle state
// machine, and a DoWork hook supplied by Worker.
type Element struct {
	ID          int
	Side        string
	DeviceID    int
	ThreadNumber int
	MillisecondsTimeout int
	RepeatedTimeout     bool
	IsSink              bool

	worker Worker

	mu           sync.Mutex
	status       ThreadStatus
	notifyCount  int
	cond         *sync.Cond
	threadsWG    sync.WaitGroup

	inputPorts  map[int]bool
	outputPorts map[int]bool

	inputPipes  map[int]*DataPipe
	// outputPipes fans an output port out to every downstream input pipe
	// it has been Connect-ed to: one output port may feed more than one
	// consumer element.
	outputPipes map[int][]*weakPipe

	sinkHandlers map[int]DataHandler
}

// weakPipe models a weak reference to a downstream input pipe: the
// Element that owns the pipe can drop it (making alive false) without
// this Element, which only ever observes it, keeping it reachable.
type weakPipe struct {
	mu    sync.Mutex
	pipe  *DataPipe
	alive bool
}

func newWeakPipe(p *DataPipe) *weakPipe {
	return &weakPipe{pipe: p, alive: true}
}

func (w *weakPipe) get() (*DataPipe, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive {
		return nil, false
	}
	return w.pipe, true
}

func (w *weakPipe) drop() {
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
}

// NewElement constructs an Element around worker, initially STOP.
func NewElement(worker Worker) *Element {
	e := &Element{
		worker:       worker,
		status:       StatusStop,
		ThreadNumber: 1,
		inputPorts:   make(map[int]bool),
		outputPorts:  make(map[int]bool),
		inputPipes:   make(map[int]*DataPipe),
		outputPipes:  make(map[int][]*weakPipe),
		sinkHandlers: make(map[int]DataHandler),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// elementConfigure mirrors the fields the core reads out of a worker's
// JSON configure block before forwarding the `configure` sub-object
// (plus the opaque `batch` field, folded in under a "batch" key) to
// InitInternal. Unknown fields are ignored.
type elementConfigure struct {
	ID                  int             `json:"id"`
	Side                string          `json:"side"`
	DeviceID            int             `json:"device_id"`
	ThreadNumber        int             `json:"thread_number"`
	MillisecondsTimeout int             `json:"milliseconds_timeout"`
	RepeatedTimeout     bool            `json:"repeated_timeout"`
	IsSink              bool            `json:"is_sink"`
	Batch               json.RawMessage `json:"batch"`
	Configure           json.RawMessage `json:"configure"`
}

// Init parses worker JSON, populates the immutable Element fields, and
// forwards the opaque `configure` sub-object (with `batch` folded in) to
// the Worker. A fatal configuration error leaves the Element
// unconstructed (uninit is invoked) and the error is returned to the
// caller.
func (e *Element) Init(raw []byte) ErrorCode {
	var cfg elementConfigure
	cfg.ThreadNumber = 1
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ParseConfigureFail
	}

	e.ID = cfg.ID
	e.Side = cfg.Side
	e.DeviceID = cfg.DeviceID
	if cfg.ThreadNumber > 0 {
		e.ThreadNumber = cfg.ThreadNumber
	} else {
		e.ThreadNumber = 1
	}
	e.MillisecondsTimeout = cfg.MillisecondsTimeout
	e.RepeatedTimeout = cfg.RepeatedTimeout
	e.IsSink = cfg.IsSink

	configure, err := foldBatchIntoConfigure(cfg.Configure, cfg.Batch)
	if err != nil {
		e.Uninit()
		return ParseConfigureFail
	}

	code := e.worker.InitInternal(configure)
	if code != Success {
		e.Uninit()
		return code
	}
	return Success
}

// foldBatchIntoConfigure folds the worker-level `batch` field into the
// `configure` object under a "batch" key, so a worker that cares about
// batching can read it out of the same payload InitInternal already
// receives, without the core having to understand batching itself. With
// no batch field present, configure is forwarded untouched.
func foldBatchIntoConfigure(configure, batch json.RawMessage) (json.RawMessage, error) {
	if len(batch) == 0 {
		return configure, nil
	}
	fields := map[string]json.RawMessage{}
	if len(configure) > 0 {
		if err := json.Unmarshal(configure, &fields); err != nil {
			return nil, err
		}
	}
	fields["batch"] = batch
	return json.Marshal(fields)
}

// Uninit tears down the worker; only valid while STOP (callers are
// expected to have Stop()ed first).
func (e *Element) Uninit() {
	e.worker.UninitInternal()
}

// Start spawns ThreadNumber worker goroutines, one run() loop each.
func (e *Element) Start() error {
	e.mu.Lock()
	if e.status != StatusStop {
		e.mu.Unlock()
		return errors.Wrapf(ThreadStatusError, "element %d: start requires STOP, have %v", e.ID, e.status)
	}
	e.status = StatusRun
	e.mu.Unlock()

	for i := 0; i < e.ThreadNumber; i++ {
		e.threadsWG.Add(1)
		go e.run()
	}
	return nil
}

// Stop is cooperative: flips status to STOP and waits for every worker
// goroutine to notice and return after finishing its current DoWork.
func (e *Element) Stop() error {
	e.mu.Lock()
	if e.status == StatusStop {
		e.mu.Unlock()
		return errors.Wrapf(ThreadStatusError, "element %d: already stopped", e.ID)
	}
	e.status = StatusStop
	e.cond.Broadcast()
	e.mu.Unlock()

	e.threadsWG.Wait()
	return nil
}

// Pause transitions RUN -> PAUSE. DoWork is never invoked while paused.
func (e *Element) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRun {
		return errors.Wrapf(ThreadStatusError, "element %d: pause requires RUN, have %v", e.ID, e.status)
	}
	e.status = StatusPause
	e.cond.Broadcast()
	return nil
}

// Resume transitions PAUSE -> RUN.
func (e *Element) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPause {
		return errors.Wrapf(ThreadStatusError, "element %d: resume requires PAUSE, have %v", e.ID, e.status)
	}
	e.status = StatusRun
	e.cond.Broadcast()
	return nil
}

// Status returns the current lifecycle state.
func (e *Element) Status() ThreadStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// run is the per-thread worker loop. DoWork is called iff the thread was
// woken by a genuine notify, never on a bare timeout tick — the timeout
// path exists purely so STOP/PAUSE transitions are re-checked promptly.
// RepeatedTimeout only changes which bare timeout ticks pass the
// suppression check below; none of them calls DoWork.
func (e *Element) run() {
	defer e.threadsWG.Done()

	currentNoTimeout := true
	lastNoTimeout := true
	for {
		e.mu.Lock()
		if e.status == StatusStop {
			e.mu.Unlock()
			return
		}

		tmo := defaultTimeout
		if e.status != StatusPause && e.MillisecondsTimeout != 0 {
			tmo = time.Duration(e.MillisecondsTimeout) * time.Millisecond
		}

		lastNoTimeout = currentNoTimeout
		currentNoTimeout = e.condWaitFor(tmo, func() bool { return e.notifyCount > 0 || e.status == StatusStop })

		status := e.status
		e.mu.Unlock()

		if status == StatusStop {
			return
		}

		// Skip on PAUSE, and on a bare timeout when MillisecondsTimeout
		// is zero or (without RepeatedTimeout) the previous tick also
		// timed out. A bare timeout that passes this check still does
		// not call DoWork: only a genuine notify does.
		if status == StatusPause || (!currentNoTimeout && (e.MillisecondsTimeout == 0 || (!e.RepeatedTimeout && !lastNoTimeout))) {
			continue
		}

		if currentNoTimeout {
			e.worker.DoWork(e)
		}
	}
}

// condWaitFor waits on e.cond until predicate() is true or d elapses,
// returning whether predicate held (as opposed to a timeout). e.mu must
// be held on entry and is held again on return.
func (e *Element) condWaitFor(d time.Duration, predicate func() bool) bool {
	if predicate() {
		return true
	}
	timer := time.AfterFunc(d, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(d)
	for !predicate() {
		if !time.Now().Before(deadline) {
			return predicate()
		}
		e.cond.Wait()
	}
	return true
}

// addInputPort/addOutputPort register port numbers for introspection.
// Connect, inputPipe and SetDataHandler update the same port sets
// directly rather than through these.
func (e *Element) addInputPort(port int) {
	e.mu.Lock()
	e.inputPorts[port] = true
	e.mu.Unlock()
}

func (e *Element) addOutputPort(port int) {
	e.mu.Lock()
	e.outputPorts[port] = true
	e.mu.Unlock()
}

// InputPorts returns the set of input ports currently wired or used.
func (e *Element) InputPorts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ports := make([]int, 0, len(e.inputPorts))
	for p := range e.inputPorts {
		ports = append(ports, p)
	}
	return ports
}

// OutputPorts returns the set of output ports currently wired or used.
func (e *Element) OutputPorts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ports := make([]int, 0, len(e.outputPorts))
	for p := range e.outputPorts {
		ports = append(ports, p)
	}
	return ports
}

// inputPipe lazily creates the input DataPipe for port if it doesn't
// exist yet, registering onInputNotify as its push-handler. Safe to call
// from Connect (pre-wiring) or from PushInputData (first external push).
func (e *Element) inputPipe(port int) *DataPipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	pipe, ok := e.inputPipes[port]
	if !ok {
		pipe = NewDataPipe(DefaultCapacity)
		pipe.SetPushHandler(e.onInputNotify)
		e.inputPipes[port] = pipe
		e.inputPorts[port] = true
	}
	return pipe
}

// PushInputData delegates to the named input pipe, lazily creating it.
func (e *Element) PushInputData(port int, item *ObjectMetadata, timeout time.Duration) (bool, error) {
	return e.inputPipe(port).PushData(item, timeout)
}

// GetInputData returns the head item on port without removing it.
func (e *Element) GetInputData(port int) (*ObjectMetadata, bool) {
	e.mu.Lock()
	pipe, ok := e.inputPipes[port]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return pipe.GetData()
}

// PopInputData removes the head item from port and decrements the
// element's coalescing notify counter.
func (e *Element) PopInputData(port int) {
	e.mu.Lock()
	pipe, ok := e.inputPipes[port]
	e.mu.Unlock()
	if !ok {
		return
	}
	pipe.PopData()

	e.mu.Lock()
	if e.notifyCount > 0 {
		e.notifyCount--
	}
	e.mu.Unlock()
}

// InputDataCount reports the queue depth on port, 0 if unwired.
func (e *Element) InputDataCount(port int) int {
	e.mu.Lock()
	pipe, ok := e.inputPipes[port]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return pipe.Size()
}

// SetDataHandler registers a terminal sink on an output port; once set,
// PushOutputData on that port always takes the sink-bypass branch and
// never consults a wired downstream pipe.
func (e *Element) SetDataHandler(port int, fn DataHandler) {
	e.mu.Lock()
	e.sinkHandlers[port] = fn
	e.outputPorts[port] = true
	e.mu.Unlock()
}

// PushOutputData tries the sink handler first, then every
// weakly-referenced downstream pipe wired to this port (plural, to
// support fan-out to several consumers), else NoSuchWorkerPort. When a
// port fans out to several consumers, timeout applies independently to
// each push; the first error encountered is returned after every live
// consumer has been attempted.
func (e *Element) PushOutputData(port int, item *ObjectMetadata, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	handler, hasHandler := e.sinkHandlers[port]
	wps := append([]*weakPipe(nil), e.outputPipes[port]...)
	e.mu.Unlock()

	if hasHandler && handler != nil {
		handler(item)
		return true, nil
	}

	if len(wps) == 0 {
		return false, errors.Wrapf(NoSuchWorkerPort, "element %d: output port %d", e.ID, port)
	}

	allOK := true
	live := false
	var firstErr error
	for _, wp := range wps {
		pipe, alive := wp.get()
		if !alive {
			continue
		}
		live = true
		ok, err := pipe.PushData(item, timeout)
		if !ok {
			allOK = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if !live {
		return false, errors.Wrapf(NoSuchWorkerPort, "element %d: output port %d", e.ID, port)
	}
	return allOK, firstErr
}

// OutputDatapipeCapacity/OutputDatapipeSize surface introspection on the
// first live weakly-referenced downstream pipe wired to port, used by
// callers that want to make their own backpressure decisions before
// calling PushOutputData.
func (e *Element) OutputDatapipeCapacity(port int) (int, error) {
	pipe, err := e.firstLiveOutputPipe(port)
	if err != nil {
		return 0, err
	}
	return pipe.Capacity(), nil
}

func (e *Element) OutputDatapipeSize(port int) (int, error) {
	pipe, err := e.firstLiveOutputPipe(port)
	if err != nil {
		return 0, err
	}
	return pipe.Size(), nil
}

func (e *Element) firstLiveOutputPipe(port int) (*DataPipe, error) {
	e.mu.Lock()
	wps := e.outputPipes[port]
	e.mu.Unlock()
	for _, wp := range wps {
		if pipe, alive := wp.get(); alive {
			return pipe, nil
		}
	}
	return nil, NoSuchWorkerPort
}

// onInputNotify atomically increments the coalescing notify counter and
// wakes exactly one waiting worker goroutine.
func (e *Element) onInputNotify() {
	e.mu.Lock()
	e.notifyCount++
	e.cond.Signal()
	e.mu.Unlock()
}

// ElementStats is a point-in-time snapshot used by the metrics logger.
type ElementStats struct {
	ID          int
	Status      ThreadStatus
	NotifyCount int
	InputPorts  map[int]PipeStats
}

// PipeStats is the size/capacity pair for one input port's DataPipe.
type PipeStats struct {
	Size     int
	Capacity int
}

// Stats returns a snapshot of this element's queues and lifecycle state.
func (e *Element) Stats() ElementStats {
	e.mu.Lock()
	id := e.ID
	status := e.status
	notify := e.notifyCount
	pipes := make(map[int]*DataPipe, len(e.inputPipes))
	for port, pipe := range e.inputPipes {
		pipes[port] = pipe
	}
	e.mu.Unlock()

	s := ElementStats{ID: id, Status: status, NotifyCount: notify, InputPorts: make(map[int]PipeStats, len(pipes))}
	for port, pipe := range pipes {
		s.InputPorts[port] = PipeStats{Size: pipe.Size(), Capacity: pipe.Capacity()}
	}
	return s
}
