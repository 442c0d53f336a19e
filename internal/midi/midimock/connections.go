package midimock

import (
	"sync"
	"sync/atomic"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

type event struct {
	timestamp uint64
	data      []byte
}

type input struct {
	backend *Backend
	sink    contracts.Sink
	port    *port
	owned   bool // the port exists only for this virtual input

	closed    atomic.Bool
	closeOnce sync.Once

	// PollingThread only.
	poller  *dispatch.Poller
	mu      sync.Mutex
	queue   []event
	stopped bool
}

// newInput is called with b.mu held.
func (b *Backend) newInput(sink contracts.Sink) *input {
	in := &input{backend: b, sink: sink}
	if b.caps.Threading == contracts.PollingThread {
		in.poller = dispatch.StartPoller(b.pollInterval, in.poll)
	}
	return in
}

func (in *input) push(timestamp uint64, data []byte) {
	if in.closed.Load() {
		return
	}
	b := in.backend
	b.inflight.Add(1)

	switch b.caps.Threading {
	case contracts.PollingThread:
		in.mu.Lock()
		if in.stopped {
			in.mu.Unlock()
			b.inflight.Done()
			return
		}
		in.queue = append(in.queue, event{timestamp: timestamp, data: data})
		in.mu.Unlock()

	case contracts.CooperativeEventLoop:
		posted := b.loop.Post(func() {
			defer b.inflight.Done()
			if !in.closed.Load() {
				in.sink.Deliver(timestamp, data)
			}
		})
		if !posted {
			b.inflight.Done()
		}

	default:
		defer b.inflight.Done()
		in.sink.Deliver(timestamp, data)
	}
}

// poll runs on the input's own goroutine.
func (in *input) poll() bool {
	in.mu.Lock()
	batch := in.queue
	in.queue = nil
	in.mu.Unlock()

	for _, ev := range batch {
		if !in.closed.Load() {
			in.sink.Deliver(ev.timestamp, ev.data)
		}
		in.backend.inflight.Done()
	}
	return true
}

// lost reports device removal to the sink on the delivery thread of the model.
func (in *input) lost() {
	if in.closed.Load() {
		return
	}
	err := contracts.Errorf(contracts.KindDisconnected, "input", "port %q removed", in.port.info.ID).WithBackend(BackendName)
	b := in.backend
	if b.loop != nil {
		b.inflight.Add(1)
		if !b.loop.Post(func() {
			defer b.inflight.Done()
			in.sink.Disconnected(err)
		}) {
			b.inflight.Done()
		}
		return
	}
	in.sink.Disconnected(err)
}

// Close implements contracts.NativeInput. After it returns no new delivery starts.
func (in *input) Close() error {
	in.closeOnce.Do(func() {
		in.closed.Store(true)
		b := in.backend

		b.mu.Lock()
		delete(in.port.inputs, in)
		var orphaned []*output
		if in.owned {
			b.removePortLocked(in.port.info.ID)
			for out := range in.port.outputs {
				out.markLost()
				orphaned = append(orphaned, out)
			}
		}
		b.mu.Unlock()

		if in.poller != nil {
			in.poller.Stop()
			in.mu.Lock()
			n := len(in.queue)
			in.queue = nil
			in.stopped = true
			in.mu.Unlock()
			for i := 0; i < n; i++ {
				b.inflight.Done()
			}
		}
	})
	return nil
}

type output struct {
	backend *Backend
	port    *port
	owned   bool // the port exists only for this virtual output

	// guarded by backend.mu
	dead   bool
	closed bool
}

// markLost is called with backend.mu held.
func (out *output) markLost() { out.dead = true }

// Send implements contracts.NativeOutput. Messages sent to a virtual input's
// port, or through a virtual output, reach the inputs listening there.
func (out *output) Send(msg []byte) error {
	b := out.backend
	b.mu.Lock()
	if out.closed || out.dead {
		b.mu.Unlock()
		return contracts.Errorf(contracts.KindDisconnected, "send", "port %q is gone", out.port.info.ID).WithBackend(BackendName)
	}
	data := append([]byte(nil), msg...)
	out.port.sent = append(out.port.sent, data)
	targets := make([]*input, 0, len(out.port.inputs)+1)
	for in := range out.port.inputs {
		targets = append(targets, in)
	}
	if out.port.virtual != nil {
		targets = append(targets, out.port.virtual)
	}
	b.mu.Unlock()

	ts := b.clock.Now()
	for _, in := range targets {
		in.push(ts, data)
	}
	return nil
}

// Close implements contracts.NativeOutput.
func (out *output) Close() error {
	b := out.backend
	b.mu.Lock()
	if out.closed {
		b.mu.Unlock()
		return nil
	}
	out.closed = true
	delete(out.port.outputs, out)
	var listeners []*input
	if out.owned {
		b.removePortLocked(out.port.info.ID)
		for in := range out.port.inputs {
			listeners = append(listeners, in)
		}
	}
	b.mu.Unlock()

	for _, in := range listeners {
		in.lost()
	}
	return nil
}
