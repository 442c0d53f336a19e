package midi

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leandrodaf/midiport/internal/logger"
	"github.com/leandrodaf/midiport/internal/midi/midimock"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

func newTestOutput(t *testing.T, b contracts.Backend) *Output {
	t.Helper()
	out, err := NewOutput(contracts.WithBackendInstance(b), contracts.WithLogger(logger.NewNopLogger()))
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}
	t.Cleanup(func() { _ = out.Close() })
	return out
}

func TestSendReachesDriver(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Output, "Synth")
	out := newTestOutput(t, b)

	conn, err := out.Connect(port, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	msgs := [][]byte{{0x90, 0x3C, 0x40}, {0xF0, 0x7E, 0x7F, 0x06, 0x01, 0xF7}, {0xF8}}
	for _, m := range msgs {
		if err := conn.Send(m); err != nil {
			t.Fatalf("Send % X: %v", m, err)
		}
	}
	sent := b.Sent(port.ID)
	if len(sent) != len(msgs) {
		t.Fatalf("expected %d messages at the driver, got %d", len(msgs), len(sent))
	}
	for i := range msgs {
		if !bytes.Equal(sent[i], msgs[i]) {
			t.Fatalf("message %d: expected % X, got % X", i, msgs[i], sent[i])
		}
	}
}

func TestSendEmptyIsInvalid(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Output, "Synth")
	out := newTestOutput(t, b)
	conn, err := out.Connect(port, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(nil); !errors.Is(err, contracts.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if len(b.Sent(port.ID)) != 0 {
		t.Fatalf("nothing should reach the driver")
	}
}

func TestSendAfterCloseIsDisconnected(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Output, "Synth")
	out := newTestOutput(t, b)
	conn, err := out.Connect(port, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
	if err := conn.Send([]byte{0x90, 0x3C, 0x40}); !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestSendAfterDeviceRemoval(t *testing.T) {
	b := newMock(t)
	port := b.AddPort(contracts.Output, "Synth")
	out := newTestOutput(t, b)
	conn, err := out.Connect(port, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	b.RemovePort(port.ID)
	if err := conn.Send([]byte{0xF8}); !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected closed after a disconnected send, got %s", conn.State())
	}
	if err := conn.Send([]byte{0xF8}); !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected on the next send, got %v", err)
	}
}

func TestVirtualOutputNotSupported(t *testing.T) {
	out := newTestOutput(t, newMock(t, midimock.WithVirtual(false)))
	if _, err := out.ConnectVirtual("v"); !errors.Is(err, contracts.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestVirtualPortsLoopBack(t *testing.T) {
	forEachModel(t, func(t *testing.T, b *midimock.Backend) {
		out := newTestOutput(t, b)
		in := newTestInput(t, b)

		vout, err := out.ConnectVirtual("loop out")
		if err != nil {
			t.Fatalf("ConnectVirtual output: %v", err)
		}
		defer vout.Close()

		ports, err := in.Ports()
		if err != nil || len(ports) != 1 || ports[0].Name != "loop out" {
			t.Fatalf("virtual output should appear as an input port: %v %v", ports, err)
		}
		rec := &recorder{}
		connect(t, in, ports[0], rec, nil)

		if err := vout.Send([]byte{0xF0, 0x01, 0x02, 0xF7}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		b.Flush()
		got := rec.all()
		if len(got) != 1 || !bytes.Equal(got[0].msg, []byte{0xF0, 0x01, 0x02, 0xF7}) {
			t.Fatalf("expected the SysEx through the virtual port, got %v", got)
		}
	})
}

func TestVirtualInputReceivesFromOutput(t *testing.T) {
	b := newMock(t)
	out := newTestOutput(t, b)
	in := newTestInput(t, b)

	rec := &recorder{}
	vin, err := in.ConnectVirtual("loop in", rec.callback, nil)
	if err != nil {
		t.Fatalf("ConnectVirtual input: %v", err)
	}
	ports, err := out.Ports()
	if err != nil || len(ports) != 1 {
		t.Fatalf("virtual input should appear as an output port: %v %v", ports, err)
	}
	conn, err := out.Connect(ports[0], "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Send([]byte{0xC0, 0x05}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	b.Flush()
	if got := rec.all(); len(got) != 1 || got[0].msg[0] != 0xC0 {
		t.Fatalf("expected the program change, got %v", got)
	}

	if err := vin.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Send([]byte{0xC0, 0x06}); !errors.Is(err, contracts.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected once the virtual input is gone, got %v", err)
	}
}
