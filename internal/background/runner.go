// Package background runs best-effort work off the caller's goroutine.
// Nothing that depends on a message being delivered belongs here.
package background

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// Message types.
const (
	TypeSync   = "sync"
	TypeNotice = "notice"
)

type Message struct {
	Type    string
	Tag     string
	Payload any
}

// Runner hands posted messages to a handler on its own goroutine. Posting
// never blocks: when the buffer is full the message is dropped.
type Runner struct {
	handler func(context.Context, Message)
	queue   chan Message

	mu      sync.Mutex
	running bool
	tags    map[string]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dropped atomic.Int64
}

func NewRunner(buffer int, handler func(context.Context, Message)) *Runner {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		handler: handler,
		queue:   make(chan Message, buffer),
		tags:    map[string]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg := <-r.queue:
				r.handler(r.ctx, msg)
			}
		}
	}()
}

// Stop cancels the handler context and waits for the loop to exit. Queued
// messages are discarded.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// Post queues msg and reports whether it was accepted.
func (r *Runner) Post(msg Message) bool {
	select {
	case r.queue <- msg:
		return true
	default:
		n := r.dropped.Add(1)
		log.Printf("[background] WARN: queue full, dropped %s message (%d dropped so far)", msg.Type, n)
		return false
	}
}

// RegisterSync remembers that work tagged tag is waiting for connectivity.
// Registering the same tag twice keeps one entry.
func (r *Runner) RegisterSync(tag string) {
	r.mu.Lock()
	r.tags[tag] = struct{}{}
	r.mu.Unlock()
}

// Replay posts one sync message per registered tag and forgets them.
func (r *Runner) Replay() int {
	r.mu.Lock()
	tags := r.tags
	r.tags = map[string]struct{}{}
	r.mu.Unlock()

	posted := 0
	for tag := range tags {
		if r.Post(Message{Type: TypeSync, Tag: tag}) {
			posted++
		}
	}
	return posted
}

func (r *Runner) Dropped() int64 {
	return r.dropped.Load()
}
