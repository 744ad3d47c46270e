package pipeline

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingWorker relays every item it receives on input port 0 straight
// to output port 0, counting how many times DoWork actually ran.
type countingWorker struct {
	doWorkCalls int32
}

func (w *countingWorker) InitInternal(json.RawMessage) ErrorCode { return Success }
func (w *countingWorker) UninitInternal()                        {}
func (w *countingWorker) DoWork(e *Element) ErrorCode {
	atomic.AddInt32(&w.doWorkCalls, 1)
	item, ok := e.GetInputData(0)
	if !ok {
		return Success
	}
	e.PopInputData(0)
	e.PushOutputData(0, item, time.Second)
	return Success
}

func newStartedElement(t *testing.T, w Worker, id int) *Element {
	t.Helper()
	el := NewElement(w)
	cfg, err := json.Marshal(elementConfigure{ID: id, ThreadNumber: 1})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if code := el.Init(cfg); code != Success {
		t.Fatalf("init element %d: %v", id, code)
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start element %d: %v", id, err)
	}
	return el
}

func TestElementLifecycleTransitions(t *testing.T) {
	el := newStartedElement(t, &countingWorker{}, 1)
	defer el.Stop()

	if err := el.Start(); err == nil {
		t.Fatal("starting an already-running element should fail")
	}
	if err := el.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := el.Pause(); err == nil {
		t.Fatal("pausing an already-paused element should fail")
	}
	if err := el.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := el.Resume(); err == nil {
		t.Fatal("resuming a running element should fail")
	}
	if err := el.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := el.Stop(); err == nil {
		t.Fatal("stopping an already-stopped element should fail")
	}
	if err := el.Pause(); err == nil {
		t.Fatal("pausing a stopped element should fail")
	}
}

func TestElementDoWorkOnlyOnNotify(t *testing.T) {
	w := &countingWorker{}
	el := NewElement(w)
	cfg, _ := json.Marshal(elementConfigure{ID: 1, ThreadNumber: 1, MillisecondsTimeout: 20})
	if code := el.Init(cfg); code != Success {
		t.Fatalf("init: %v", code)
	}
	if err := el.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer el.Stop()

	// let several bare timeout ticks pass with nothing pushed.
	time.Sleep(150 * time.Millisecond)
	if calls := atomic.LoadInt32(&w.doWorkCalls); calls != 0 {
		t.Fatalf("DoWork ran %d times on bare timeouts, want 0", calls)
	}

	el.PushInputData(0, &ObjectMetadata{Frame: &Frame{FrameID: 1}}, time.Second)
	time.Sleep(50 * time.Millisecond)
	if calls := atomic.LoadInt32(&w.doWorkCalls); calls == 0 {
		t.Fatal("DoWork never ran after a genuine push notification")
	}
}

func TestElementPauseSkipsDoWork(t *testing.T) {
	w := &countingWorker{}
	el := newStartedElement(t, w, 1)
	defer el.Stop()

	if err := el.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	el.PushInputData(0, &ObjectMetadata{Frame: &Frame{FrameID: 1}}, time.Second)
	time.Sleep(100 * time.Millisecond)
	if calls := atomic.LoadInt32(&w.doWorkCalls); calls != 0 {
		t.Fatalf("DoWork ran %d times while paused, want 0", calls)
	}

	if err := el.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls := atomic.LoadInt32(&w.doWorkCalls); calls == 0 {
		t.Fatal("DoWork never ran after resume, even though input was already queued")
	}
}

func TestConnectFansOutToMultipleConsumers(t *testing.T) {
	src := newStartedElement(t, &countingWorker{}, 1)
	dstA := newStartedElement(t, &countingWorker{}, 2)
	dstB := newStartedElement(t, &countingWorker{}, 3)
	defer src.Stop()
	defer dstA.Stop()
	defer dstB.Stop()

	Connect(src, 0, dstA, 0)
	Connect(src, 0, dstB, 0)

	var gotA, gotB sync.WaitGroup
	gotA.Add(1)
	gotB.Add(1)
	dstA.SetDataHandler(0, func(*ObjectMetadata) { gotA.Done() })
	dstB.SetDataHandler(0, func(*ObjectMetadata) { gotB.Done() })

	ok, err := src.PushInputData(0, &ObjectMetadata{Frame: &Frame{FrameID: 42}}, time.Second)
	if !ok || err != nil {
		t.Fatalf("push into src: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		gotA.Wait()
		gotB.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out: not all consumers observed the item")
	}
}

func TestPushOutputDataSinkHandlerBypassesPipe(t *testing.T) {
	el := newStartedElement(t, &countingWorker{}, 1)
	defer el.Stop()

	var received *ObjectMetadata
	var wg sync.WaitGroup
	wg.Add(1)
	el.SetDataHandler(0, func(item *ObjectMetadata) {
		received = item
		wg.Done()
	})

	want := &ObjectMetadata{Frame: &Frame{FrameID: 7}}
	ok, err := el.PushOutputData(0, want, time.Second)
	if !ok || err != nil {
		t.Fatalf("push output: ok=%v err=%v", ok, err)
	}
	wg.Wait()
	if received != want {
		t.Fatal("sink handler did not receive the pushed item")
	}
}

func TestPushOutputDataNoSuchPort(t *testing.T) {
	el := NewElement(&countingWorker{})
	_, err := el.PushOutputData(5, &ObjectMetadata{}, time.Second)
	if !errors.Is(err, NoSuchWorkerPort) {
		t.Fatalf("expected NoSuchWorkerPort, got %v", err)
	}
}
