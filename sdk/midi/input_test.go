package midi

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leandrodaf/midiport/internal/logger"
	"github.com/leandrodaf/midiport/internal/midi/midimock"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

var models = []contracts.ThreadingModel{
	contracts.OsDelivered,
	contracts.PollingThread,
	contracts.CooperativeEventLoop,
}

type received struct {
	ts   uint64
	msg  []byte
	data any
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
}

func (r *recorder) callback(ts uint64, msg []byte, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, received{ts: ts, msg: append([]byte(nil), msg...), data: data})
}

func (r *recorder) all() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs...)
}

func newMock(t *testing.T, opts ...midimock.Option) *midimock.Backend {
	t.Helper()
	b := midimock.New(opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestInput(t *testing.T, b contracts.Backend, opts ...contracts.Option) *Input {
	t.Helper()
	base := []contracts.Option{
		contracts.WithBackendInstance(b),
		contracts.WithLogger(logger.NewNopLogger()),
	}
	in, err := NewInput(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	t.Cleanup(func() { _ = in.Close() })
	return in
}

func connect(t *testing.T, in *Input, port contracts.Port, rec *recorder, data any) *InputConnection {
	t.Helper()
	conn, err := in.Connect(port, "", rec.callback, data)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}
}

func forEachModel(t *testing.T, fn func(t *testing.T, b *midimock.Backend)) {
	for _, model := range models {
		t.Run(model.String(), func(t *testing.T) {
			fn(t, newMock(t, midimock.WithThreading(model)))
		})
	}
}

func TestEnumerationWithNoDevicesIsEmpty(t *testing.T) {
	in := newTestInput(t, newMock(t))
	ports, err := in.Ports()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ports == nil || len(ports) != 0 {
		t.Fatalf("expected an empty, non-nil slice, got %#v", ports)
	}
	n, err := in.PortCount()
	if err != nil || n != 0 {
		t.Fatalf("expected 0 ports, got %d (%v)", n, err)
	}
}

func TestEnumerationOnUnavailableBackend(t *testing.T) {
	in := newTestInput(t, newMock(t, midimock.WithUnavailable()))
	if _, err := in.Ports(); !errors.Is(err, contracts.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestPortsAreFilteredByDirection(t *testing.T) {
	b := newMock(t)
	src := b.AddPort(contracts.Input, "Keys")
	b.AddPort(contracts.Output, "Synth")
	b.AddPort(contracts.Input, "Keys") // duplicate names are legal

	in := newTestInput(t, b)
	ports, err := in.Ports()
	if err != nil {
		t.Fatalf("Ports: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 input ports, got %d", len(ports))
	}
	if !ports[0].Equal(src) || ports[0].Equal(ports[1]) {
		t.Fatalf("ports with the same name must keep distinct identities: %+v", ports)
	}

	found, err := in.FindPortByID(src.ID)
	if err != nil || found.Name != "Keys" {
		t.Fatalf("FindPortByID: %+v %v", found, err)
	}
	name, err := in.PortName(src)
	if err != nil || name != "Keys" {
		t.Fatalf("PortName: %q %v", name, err)
	}
}

func TestStalePortIsInvalid(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	b.RemovePort(port.ID)

	in := newTestInput(t, b)
	rec := &recorder{}
	if _, err := in.Connect(port, "", rec.callback, nil); !errors.Is(err, contracts.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	if _, err := in.PortName(port); !errors.Is(err, contracts.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort from PortName, got %v", err)
	}
}

func TestOutputPortRejectedByInput(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Output, "Synth")
	in := newTestInput(t, b)
	rec := &recorder{}
	if _, err := in.Connect(port, "", rec.callback, nil); !errors.Is(err, contracts.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
}

func TestNilCallbackFails(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b)
	if _, err := in.Connect(port, "", nil, nil); !errors.Is(err, contracts.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestOpenFailureIsReported(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	b.SetOpenError(contracts.Errorf(contracts.KindConnectionFailed, "open input", "device busy"))

	in := newTestInput(t, b)
	rec := &recorder{}
	conn, err := in.Connect(port, "", rec.callback, nil)
	if !errors.Is(err, contracts.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if conn != nil {
		t.Fatalf("no connection should be returned on failure")
	}

	b.SetOpenError(nil)
	if _, err := in.Connect(port, "", rec.callback, nil); err != nil {
		t.Fatalf("handle should be reusable after a failed open: %v", err)
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		connect(t, in, port, rec, "ctx")

		for i := 0; i < 100; i++ {
			b.Inject(port.ID, uint64(i*10), []byte{0x90, byte(i), 0x40})
		}
		b.Flush()

		got := rec.all()
		if len(got) != 100 {
			t.Fatalf("expected 100 messages, got %d", len(got))
		}
		for i, m := range got {
			if m.msg[1] != byte(i) {
				t.Fatalf("message %d out of order: % X", i, m.msg)
			}
			if m.data != "ctx" {
				t.Fatalf("callback data not passed through: %v", m.data)
			}
		}
	})
}

func TestTimestampsNeverDecrease(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		connect(t, in, port, rec, nil)

		for _, ts := range []uint64{10, 5, 20, 20, 15} {
			b.Inject(port.ID, ts, []byte{0xF8})
		}
		b.Flush()

		var want = []uint64{10, 10, 20, 20, 20}
		got := rec.all()
		if len(got) != len(want) {
			t.Fatalf("expected %d messages, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].ts != want[i] {
				t.Fatalf("timestamp %d: expected %d, got %d", i, want[i], got[i].ts)
			}
		}
	})
}

func TestSysExReassembly(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		connect(t, in, port, rec, nil)

		b.Inject(port.ID, 1, []byte{0xF0, 0x01})
		b.Inject(port.ID, 2, []byte{0xF8})
		b.Inject(port.ID, 3, []byte{0x02})
		b.Inject(port.ID, 4, []byte{0xF7})
		// restarted message: the first partial is discarded
		b.Inject(port.ID, 5, []byte{0xF0, 0x05})
		b.Inject(port.ID, 6, []byte{0xF0, 0x06, 0xF7})
		b.Flush()

		got := rec.all()
		want := [][]byte{{0xF8}, {0xF0, 0x01, 0x02, 0xF7}, {0xF0, 0x06, 0xF7}}
		if len(got) != len(want) {
			t.Fatalf("expected %d messages, got %d: %v", len(want), len(got), got)
		}
		for i := range want {
			if !bytes.Equal(got[i].msg, want[i]) {
				t.Fatalf("message %d: expected % X, got % X", i, want[i], got[i].msg)
			}
		}
		if got[1].ts != 4 {
			t.Fatalf("SysEx should carry the timestamp of its final chunk, got %d", got[1].ts)
		}
	})
}

func TestSysExSurvivesInterleavedMessages(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		connect(t, in, port, rec, nil)

		b.Inject(port.ID, 1, []byte{0xF0, 0x01})
		b.Inject(port.ID, 2, []byte{0x90, 0x3C, 0x40})
		b.Inject(port.ID, 3, []byte{0x02, 0xF7})
		b.Inject(port.ID, 4, []byte{0xFE, 0xF0, 0x05})
		b.Inject(port.ID, 5, []byte{0x06, 0xF7})
		b.Flush()

		got := rec.all()
		want := [][]byte{
			{0x90, 0x3C, 0x40},
			{0xF0, 0x01, 0x02, 0xF7},
			{0xFE},
			{0xF0, 0x05, 0x06, 0xF7},
		}
		if len(got) != len(want) {
			t.Fatalf("expected %d messages, got %d: %v", len(want), len(got), got)
		}
		for i := range want {
			if !bytes.Equal(got[i].msg, want[i]) {
				t.Fatalf("message %d: expected % X, got % X", i, want[i], got[i].msg)
			}
		}
	})
}

func TestMaxSysExSizeDropsOversized(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b, contracts.WithMaxSysExSize(3))
	rec := &recorder{}
	connect(t, in, port, rec, nil)

	b.Inject(port.ID, 1, []byte{0xF0, 0x01, 0x02, 0x03, 0x04, 0xF7})
	b.Inject(port.ID, 2, []byte{0xF0, 0x01, 0xF7})
	b.Flush()

	got := rec.all()
	if len(got) != 1 || !bytes.Equal(got[0].msg, []byte{0xF0, 0x01, 0xF7}) {
		t.Fatalf("expected only the short SysEx, got %v", got)
	}
}

func TestIgnoreFlags(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b)
	in.Ignore(contracts.IgnoreTime | contracts.IgnoreActiveSense)
	rec := &recorder{}
	connect(t, in, port, rec, nil)

	b.Inject(port.ID, 1, []byte{0xF8})
	b.Inject(port.ID, 2, []byte{0xFE})
	b.Inject(port.ID, 3, []byte{0xF1, 0x10})
	b.Inject(port.ID, 4, []byte{0x90, 0x3C, 0x40})
	b.Inject(port.ID, 5, []byte{0xF0, 0x7D, 0xF7})
	b.Flush()

	got := rec.all()
	if len(got) != 2 || got[0].msg[0] != 0x90 || got[1].msg[0] != 0xF0 {
		t.Fatalf("expected note and SysEx only, got %v", got)
	}
}

func TestIgnoreSysExFromOptions(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b, contracts.WithIgnore(contracts.IgnoreSysEx))
	rec := &recorder{}
	connect(t, in, port, rec, nil)

	b.Inject(port.ID, 1, []byte{0xF0, 0x01})
	b.Inject(port.ID, 2, []byte{0x02, 0xF7})
	b.Inject(port.ID, 3, []byte{0xB0, 0x07, 0x64})
	b.Flush()

	got := rec.all()
	if len(got) != 1 || got[0].msg[0] != 0xB0 {
		t.Fatalf("expected only the control change, got %v", got)
	}
}

func TestPanickingCallbackDoesNotStopDelivery(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b)
	var count int
	_, err := in.Connect(port, "", func(_ uint64, msg []byte, _ any) {
		count++
		if msg[1] == 0 {
			panic("boom")
		}
	}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b.Inject(port.ID, 1, []byte{0x90, 0x00, 0x40})
	b.Inject(port.ID, 2, []byte{0x90, 0x01, 0x40})
	b.Flush()
	if count != 2 {
		t.Fatalf("expected 2 callbacks, got %d", count)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		conn := connect(t, in, port, rec, "owner")

		if err := conn.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := conn.Close(); err != nil {
			t.Fatalf("second Close must be a no-op, got %v", err)
		}
		if conn.State() != StateClosed {
			t.Fatalf("expected closed, got %s", conn.State())
		}
		if conn.Data() != "owner" {
			t.Fatalf("caller data lost: %v", conn.Data())
		}
		waitClosed(t, conn.Done())
	})
}

func TestNoCallbackAfterClose(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		conn := connect(t, in, port, rec, nil)

		b.Inject(port.ID, 1, []byte{0x90, 0x3C, 0x40})
		b.Flush()
		if err := conn.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		b.Inject(port.ID, 2, []byte{0x80, 0x3C, 0x00})
		b.Flush()

		if got := rec.all(); len(got) != 1 {
			t.Fatalf("expected only the message sent before Close, got %v", got)
		}
	})
}

func TestCloseWaitsForRunningCallback(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)

		started := make(chan struct{})
		release := make(chan struct{})
		var mu sync.Mutex
		calls := 0
		conn, err := in.Connect(port, "", func(uint64, []byte, any) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(started)
				<-release
			}
		}, nil)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}

		go b.Inject(port.ID, 1, []byte{0x90, 0x3C, 0x40})
		waitClosed(t, started)

		closed := make(chan error, 1)
		go func() { closed <- conn.Close() }()

		select {
		case <-closed:
			t.Fatalf("Close returned while the callback was still running")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case err := <-closed:
			if err != nil {
				t.Fatalf("Close: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Close did not return after the callback finished")
		}

		b.Inject(port.ID, 2, []byte{0x90, 0x3D, 0x40})
		b.Flush()
		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Fatalf("callback ran after Close returned: %d calls", calls)
		}
	})
}

func TestDeviceRemovalDisconnectsInput(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		port := b.AddPort(contracts.Input, "Keys")
		in := newTestInput(t, b)
		rec := &recorder{}
		conn := connect(t, in, port, rec, nil)

		b.RemovePort(port.ID)
		b.Flush()
		waitClosed(t, conn.Done())

		if conn.State() != StateClosed {
			t.Fatalf("expected closed after removal, got %s", conn.State())
		}
		if err := conn.Close(); !errors.Is(err, contracts.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected from Close, got %v", err)
		}
		if err := conn.Close(); err != nil {
			t.Fatalf("second Close must be a no-op, got %v", err)
		}
	})
}

// unpluggingBackend loses the device while the input is still being opened.
type unpluggingBackend struct {
	*midimock.Backend
	closed int
}

func (b *unpluggingBackend) OpenInput(port contracts.Port, name string, sink contracts.Sink) (contracts.NativeInput, error) {
	native, err := b.Backend.OpenInput(port, name, sink)
	if err != nil {
		return nil, err
	}
	sink.Disconnected(errors.New("device unplugged"))
	return &countingInput{NativeInput: native, closed: &b.closed}, nil
}

type countingInput struct {
	contracts.NativeInput
	closed *int
}

func (n *countingInput) Close() error {
	*n.closed++
	return n.NativeInput.Close()
}

func TestDisconnectWhileConnectingFailsConnect(t *testing.T) {
	b := &unpluggingBackend{Backend: newMock(t)}
	port := b.AddPort(contracts.Input, "Keys")
	in := newTestInput(t, b)
	rec := &recorder{}

	conn, err := in.Connect(port, "", rec.callback, nil)
	if !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if conn != nil {
		t.Fatalf("no connection should be returned when the device is lost")
	}
	if b.closed != 1 {
		t.Fatalf("native input should be released once, got %d", b.closed)
	}

	b.Inject(port.ID, 1, []byte{0x90, 0x3C, 0x40})
	b.Flush()
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("expected no callbacks, got %v", got)
	}
}

func TestDisconnectWhileConnectingMovesToFailed(t *testing.T) {
	opts := contracts.ClientOptions{Logger: logger.NewNopLogger()}
	rec := &recorder{}
	conn := newInputConnection("mock", contracts.Port{ID: "1:Keys"}, "in", false, rec.callback, nil, &opts, contracts.IgnoreNone)

	err := conn.open(func(sink contracts.Sink) (contracts.NativeInput, error) {
		sink.Disconnected(errors.New("gone"))
		return nil, nil
	})
	if !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if conn.State() != StateFailed {
		t.Fatalf("expected failed, got %s", conn.State())
	}
	waitClosed(t, conn.Done())
	if err := conn.Close(); err != nil {
		t.Fatalf("Close after a failed open must be a no-op, got %v", err)
	}
}

func TestConcurrentConnectionsOnOneHandle(t *testing.T) {
	b := newMock(t)
	p1 := b.AddPort(contracts.Input, "A")
	p2 := b.AddPort(contracts.Input, "B")
	in := newTestInput(t, b)
	r1, r2 := &recorder{}, &recorder{}
	connect(t, in, p1, r1, 1)
	connect(t, in, p2, r2, 2)

	b.Inject(p1.ID, 1, []byte{0x90, 0x01, 0x40})
	b.Inject(p2.ID, 1, []byte{0x90, 0x02, 0x40})
	b.Flush()

	if got := r1.all(); len(got) != 1 || got[0].msg[1] != 0x01 || got[0].data != 1 {
		t.Fatalf("connection A got %v", got)
	}
	if got := r2.all(); len(got) != 1 || got[0].msg[1] != 0x02 || got[0].data != 2 {
		t.Fatalf("connection B got %v", got)
	}
}

func TestVirtualInputNotSupported(t *testing.T) {
	b := newMock(t, midimock.WithVirtual(false))
	in := newTestInput(t, b)
	rec := &recorder{}
	if _, err := in.ConnectVirtual("v", rec.callback, nil); !errors.Is(err, contracts.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestUnknownBackendIsUnavailable(t *testing.T) {
	_, err := NewInput(contracts.WithBackend("nope"), contracts.WithLogger(logger.NewNopLogger()))
	if !errors.Is(err, contracts.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	var m stateMachine
	if m.transition(StateIdle, StateOpen) {
		t.Fatalf("idle must not jump to open")
	}
	if !m.transition(StateIdle, StateConnecting) || !m.transition(StateConnecting, StateFailed) {
		t.Fatalf("idle -> connecting -> failed must be allowed")
	}
	if m.transition(StateFailed, StateOpen) || !m.Load().Terminal() {
		t.Fatalf("failed is terminal")
	}
}
