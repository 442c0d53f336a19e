// Package midimock is an in-memory backend. Tests plug and unplug ports,
// inject native chunks and inspect what was sent. It can emulate each of
// the three threading models.
package midimock

import (
	"fmt"
	"sync"
	"time"

	"github.com/leandrodaf/midiport/internal/dispatch"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"go.uber.org/multierr"
)

// BackendName is the name the mock reports.
const BackendName = "mock"

// Option configures a Backend.
type Option func(*Backend)

// WithThreading selects how injected chunks reach the sink.
func WithThreading(model contracts.ThreadingModel) Option {
	return func(b *Backend) { b.caps.Threading = model }
}

// WithVirtual sets the virtual port capability.
func WithVirtual(enabled bool) Option {
	return func(b *Backend) { b.caps.Virtual = enabled }
}

// WithPollInterval sets the polling period used with contracts.PollingThread.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.pollInterval = d }
}

// WithUnavailable makes every operation fail with ErrBackendUnavailable.
func WithUnavailable() Option {
	return func(b *Backend) { b.unavailable = true }
}

type port struct {
	info    contracts.Port
	inputs  map[*input]struct{}
	outputs map[*output]struct{}
	sent    [][]byte
	virtual *input // set for the output-side port of a virtual input
}

// Backend implements contracts.Backend in memory.
type Backend struct {
	mu           sync.Mutex
	caps         contracts.Capabilities
	pollInterval time.Duration
	unavailable  bool
	closed       bool
	openErr      error

	ports  map[string]*port
	order  []string
	nextID int

	clock    *dispatch.Clock
	loop     *dispatch.Loop
	inflight inflight
}

// New creates a mock backend with no ports. The default threading model is
// contracts.OsDelivered with virtual ports enabled.
func New(opts ...Option) *Backend {
	b := &Backend{
		caps: contracts.Capabilities{
			Virtual:       true,
			Threading:     contracts.OsDelivered,
			TimestampUnit: time.Microsecond,
		},
		pollInterval: time.Millisecond,
		ports:        make(map[string]*port),
		clock:        dispatch.NewClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.caps.Threading == contracts.CooperativeEventLoop {
		b.loop = dispatch.NewLoop()
	}
	return b
}

// Name implements contracts.Backend.
func (b *Backend) Name() string { return BackendName }

// Capabilities implements contracts.Backend.
func (b *Backend) Capabilities() contracts.Capabilities { return b.caps }

// AddPort plugs a device endpoint in and returns its descriptor.
func (b *Backend) AddPort(dir contracts.Direction, name string) contracts.Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addPortLocked(dir, name, nil)
}

func (b *Backend) addPortLocked(dir contracts.Direction, name string, virtual *input) contracts.Port {
	b.nextID++
	info := contracts.Port{
		Backend:      BackendName,
		ID:           fmt.Sprintf("%s-%d", dir, b.nextID),
		Name:         name,
		Manufacturer: "midimock",
		Direction:    dir,
	}
	b.ports[info.ID] = &port{
		info:    info,
		inputs:  make(map[*input]struct{}),
		outputs: make(map[*output]struct{}),
		virtual: virtual,
	}
	b.order = append(b.order, info.ID)
	return info
}

// RemovePort unplugs a device. Open inputs are told they were disconnected
// and open outputs fail their next Send.
func (b *Backend) RemovePort(id string) {
	b.mu.Lock()
	p, ok := b.ports[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.removePortLocked(id)
	inputs := make([]*input, 0, len(p.inputs))
	for in := range p.inputs {
		inputs = append(inputs, in)
	}
	for out := range p.outputs {
		out.markLost()
	}
	b.mu.Unlock()

	for _, in := range inputs {
		in.lost()
	}
}

func (b *Backend) removePortLocked(id string) {
	delete(b.ports, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// SetOpenError makes the following opens fail with err; nil clears it.
func (b *Backend) SetOpenError(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// Inject delivers a native chunk to every input connected to port id, the
// way a driver would. It reports whether the port exists.
func (b *Backend) Inject(id string, timestamp uint64, chunk []byte) bool {
	b.mu.Lock()
	p, ok := b.ports[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	targets := make([]*input, 0, len(p.inputs))
	for in := range p.inputs {
		targets = append(targets, in)
	}
	b.mu.Unlock()

	data := append([]byte(nil), chunk...)
	for _, in := range targets {
		in.push(timestamp, data)
	}
	return true
}

// Flush waits until every chunk injected so far has been handed to its sink
// or dropped. It may run concurrently with Inject; it then also waits for
// chunks injected while waiting.
func (b *Backend) Flush() {
	b.inflight.Wait()
}

// Sent returns a copy of the messages sent to port id.
func (b *Backend) Sent(id string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.ports[id]
	if !ok {
		return nil
	}
	out := make([][]byte, len(p.sent))
	for i, m := range p.sent {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

// Ports implements contracts.Backend.
func (b *Backend) Ports(dir contracts.Direction) ([]contracts.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked("enumerate"); err != nil {
		return nil, err
	}
	ports := []contracts.Port{}
	for _, id := range b.order {
		if p := b.ports[id]; p.info.Direction == dir {
			ports = append(ports, p.info)
		}
	}
	return ports, nil
}

func (b *Backend) availableLocked(op string) error {
	if b.unavailable || b.closed {
		return contracts.Errorf(contracts.KindBackendUnavailable, op, "mock backend is not available").WithBackend(BackendName)
	}
	return nil
}

func (b *Backend) lookupLocked(op string, desc contracts.Port) (*port, error) {
	if err := b.availableLocked(op); err != nil {
		return nil, err
	}
	if b.openErr != nil {
		return nil, b.openErr
	}
	p, ok := b.ports[desc.ID]
	if !ok || p.info.Direction != desc.Direction {
		return nil, contracts.Errorf(contracts.KindInvalidPort, op, "no %s port %q", desc.Direction, desc.ID).WithBackend(BackendName)
	}
	return p, nil
}

// OpenInput implements contracts.Backend.
func (b *Backend) OpenInput(desc contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookupLocked("open input", desc)
	if err != nil {
		return nil, err
	}
	in := b.newInput(sink)
	in.port = p
	p.inputs[in] = struct{}{}
	return in, nil
}

// OpenVirtualInput implements contracts.Backend. The virtual input shows up
// as an output port other clients of this backend can open.
func (b *Backend) OpenVirtualInput(name string, sink contracts.Sink) (contracts.NativeInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked("open virtual input"); err != nil {
		return nil, err
	}
	if !b.caps.Virtual {
		return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual input", "virtual ports disabled").WithBackend(BackendName)
	}
	if b.openErr != nil {
		return nil, b.openErr
	}
	in := b.newInput(sink)
	info := b.addPortLocked(contracts.Output, name, in)
	in.port = b.ports[info.ID]
	in.owned = true
	return in, nil
}

// OpenOutput implements contracts.Backend.
func (b *Backend) OpenOutput(desc contracts.Port, name string) (contracts.NativeOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookupLocked("open output", desc)
	if err != nil {
		return nil, err
	}
	out := &output{backend: b, port: p}
	p.outputs[out] = struct{}{}
	return out, nil
}

// OpenVirtualOutput implements contracts.Backend. The virtual output shows
// up as an input port; what is sent to it reaches inputs connected there.
func (b *Backend) OpenVirtualOutput(name string) (contracts.NativeOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked("open virtual output"); err != nil {
		return nil, err
	}
	if !b.caps.Virtual {
		return nil, contracts.Errorf(contracts.KindNotSupported, "open virtual output", "virtual ports disabled").WithBackend(BackendName)
	}
	if b.openErr != nil {
		return nil, b.openErr
	}
	info := b.addPortLocked(contracts.Input, name, nil)
	p := b.ports[info.ID]
	out := &output{backend: b, port: p, owned: true}
	p.outputs[out] = struct{}{}
	return out, nil
}

// Close stops the event loop and marks the backend unavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var inputs []*input
	for _, p := range b.ports {
		for in := range p.inputs {
			inputs = append(inputs, in)
		}
		if p.virtual != nil {
			inputs = append(inputs, p.virtual)
		}
	}
	b.mu.Unlock()

	var err error
	for _, in := range inputs {
		err = multierr.Append(err, in.Close())
	}
	if b.loop != nil {
		b.loop.Close()
	}
	return err
}
