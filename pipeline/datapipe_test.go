package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDataPipeFIFOOrder(t *testing.T) {
	p := NewDataPipe(8)
	for i := 0; i < 5; i++ {
		ok, err := p.PushData(&ObjectMetadata{Frame: &Frame{FrameID: int64(i)}}, time.Second)
		if !ok || err != nil {
			t.Fatalf("push %d: ok=%v err=%v", i, ok, err)
		}
	}
	for i := 0; i < 5; i++ {
		item, ok := p.GetData()
		if !ok {
			t.Fatalf("expected item %d", i)
		}
		if item.Frame.FrameID != int64(i) {
			t.Fatalf("got frame id %d, want %d", item.Frame.FrameID, i)
		}
		p.PopData()
	}
}

func TestDataPipePushBlocksWhenFull(t *testing.T) {
	p := NewDataPipe(1)
	ok, err := p.PushData(&ObjectMetadata{}, time.Second)
	if !ok || err != nil {
		t.Fatalf("first push: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	ok, err = p.PushData(&ObjectMetadata{}, 50*time.Millisecond)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("push into full pipe should not succeed")
	}
	if err != Timeout {
		t.Fatalf("expected Timeout error, got %v", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("push returned too quickly: %v", elapsed)
	}
}

func TestDataPipePushUnblocksOnPop(t *testing.T) {
	p := NewDataPipe(1)
	if ok, err := p.PushData(&ObjectMetadata{}, time.Second); !ok || err != nil {
		t.Fatalf("first push: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		ok, err := p.PushData(&ObjectMetadata{}, time.Second)
		if !ok || err != nil {
			t.Errorf("second push: ok=%v err=%v", ok, err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.PopData()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after pop freed capacity")
	}
}

func TestDataPipePushHandlerFiresOncePerPush(t *testing.T) {
	p := NewDataPipe(4)
	var calls int32
	p.SetPushHandler(func() { atomic.AddInt32(&calls, 1) })

	for i := 0; i < 3; i++ {
		if ok, err := p.PushData(&ObjectMetadata{}, time.Second); !ok || err != nil {
			t.Fatalf("push %d: ok=%v err=%v", i, ok, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("push handler called %d times, want 3", got)
	}
}

func TestDataPipeCloseUnblocksWaiters(t *testing.T) {
	p := NewDataPipe(1)
	if ok, err := p.PushData(&ObjectMetadata{}, time.Second); !ok || err != nil {
		t.Fatalf("first push: ok=%v err=%v", ok, err)
	}

	done := make(chan error)
	go func() {
		_, err := p.PushData(&ObjectMetadata{}, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed after Close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after Close")
	}
}

func TestDataPipeConcurrentProducersConsumer(t *testing.T) {
	p := NewDataPipe(4)
	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				if ok, err := p.PushData(&ObjectMetadata{}, time.Second); !ok || err != nil {
					t.Errorf("push: ok=%v err=%v", ok, err)
					return
				}
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		for received < producers*perProducer {
			if _, ok := p.GetData(); ok {
				p.PopData()
				received++
			} else {
				time.Sleep(time.Millisecond)
			}
		}
		close(done)
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer only drained %d of %d items", received, producers*perProducer)
	}
}
