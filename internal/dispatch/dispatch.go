// Package dispatch holds the scheduling helpers backends build on: a
// dedicated polling goroutine, a cooperative single event loop, and a
// per-connection microsecond clock.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock produces microsecond timestamps relative to its creation.
// Timestamps never decrease, even if the caller feeds out-of-order native times.
type Clock struct {
	start time.Time
	last  atomic.Uint64
}

// NewClock starts a clock at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns microseconds elapsed since the clock started.
func (c *Clock) Now() uint64 {
	return c.Observe(uint64(time.Since(c.start).Microseconds()))
}

// Observe clamps ts so the sequence of returned values is non-decreasing.
func (c *Clock) Observe(ts uint64) uint64 {
	for {
		last := c.last.Load()
		if ts <= last {
			return last
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Poller runs a poll function on its own goroutine until stopped.
//
// The poll function returns false to end the loop on its own, for example
// when the device went away.
type Poller struct {
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartPoller launches poll every interval. An interval of 0 calls poll back to back,
// which suits poll functions that block in the native API.
func StartPoller(interval time.Duration, poll func() bool) *Poller {
	p := &Poller{
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run(poll)
	return p
}

func (p *Poller) run(poll func() bool) {
	defer close(p.done)
	var tick <-chan time.Time
	if p.interval > 0 {
		t := time.NewTicker(p.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		if !poll() {
			return
		}
		if tick == nil {
			continue
		}
		select {
		case <-p.quit:
			return
		case <-tick:
		}
	}
}

// Stop ends the loop and waits for the goroutine to exit. It is safe to call
// more than once but must not be called from inside poll.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	<-p.done
}

// Done is closed once the polling goroutine has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Loop is a single cooperative event loop. Posted functions run one at a
// time, in posting order, on the loop goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoop starts an event loop.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It returns false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.wake:
		case <-l.quit:
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
		}
	}
}

// Flush waits until everything posted before the call has run.
// It must not be called from a function running on the loop.
func (l *Loop) Flush() bool {
	ran := make(chan struct{})
	if !l.Post(func() { close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
	}
	select {
	case <-ran:
		return true
	default:
		return false
	}
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Close stops accepting work, drains what is queued and waits for the loop to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()
	if !already {
		close(l.quit)
	}
	<-l.done
}
