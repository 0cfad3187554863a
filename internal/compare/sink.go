package compare

import (
	"context"
	"sync"
)

// livePipe delivers frames to a single live subscriber when no resumable
// store is configured. Once the subscriber leaves, writes are dropped.
type livePipe struct {
	frames   chan []byte
	detached chan struct{}
	detach   sync.Once
}

func newLivePipe(ctx context.Context, buffer int) *livePipe {
	p := &livePipe{
		frames:   make(chan []byte, buffer),
		detached: make(chan struct{}),
	}
	go func() {
		<-ctx.Done()
		p.release()
	}()
	return p
}

func (p *livePipe) write(frame []byte) {
	select {
	case <-p.detached:
		return
	default:
	}
	select {
	case p.frames <- frame:
	case <-p.detached:
	}
}

// release drops all further writes, including one that is blocked.
func (p *livePipe) release() {
	p.detach.Do(func() { close(p.detached) })
}

func (p *livePipe) close() {
	close(p.frames)
}

// eventQueue hands events from the reducer to a single emitting goroutine.
// push never blocks, so a slow consumer delays only its own output.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

// close marks the end of input. Events pushed before close are still emitted.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// run emits queued events in order until the queue is closed and empty.
func (q *eventQueue) run(emit func(Event)) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			emit(ev)
		}
		if closed {
			return
		}
		if len(batch) == 0 {
			<-q.ready
		}
	}
}
