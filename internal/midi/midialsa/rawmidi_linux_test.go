//go:build linux
// +build linux

package midialsa

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leandrodaf/midiport/internal/logger"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"golang.org/x/sys/unix"
)

type chanSink struct {
	chunks chan []byte
	lost   chan error
}

func newChanSink() *chanSink {
	return &chanSink{chunks: make(chan []byte, 16), lost: make(chan error, 1)}
}

func (s *chanSink) Deliver(_ uint64, chunk []byte) { s.chunks <- append([]byte(nil), chunk...) }
func (s *chanSink) Disconnected(err error)         { s.lost <- err }

func (s *chanSink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case c := <-s.chunks:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data")
		return nil
	}
}

// fakeSnd lays out a device directory and a proc directory. Card 0 is an
// output-only regular file, card 1 a FIFO usable as an input.
func fakeSnd(t *testing.T) (devDir, procDir string) {
	t.Helper()
	devDir = t.TempDir()
	procDir = t.TempDir()

	if err := os.WriteFile(filepath.Join(devDir, "midiC0D0"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := unix.Mkfifo(filepath.Join(devDir, "midiC1D0"), 0o644); err != nil {
		t.Fatal(err)
	}
	write := func(card, content string) {
		dir := filepath.Join(procDir, card)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "midi0"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("card0", "Synth Out\n\nOutput 0\n  Tx bytes     : 0\n")
	write("card1", "Keys\n\nOutput 0\n  Tx bytes     : 0\nInput 0\n  Rx bytes     : 0\n")
	return devDir, procDir
}

func newTestBackend(t *testing.T, devDir, procDir string) contracts.Backend {
	t.Helper()
	b, err := NewBackend(&contracts.ClientOptions{
		Logger:     logger.NewNopLogger(),
		ALSAConfig: &contracts.ALSAConfig{DeviceDir: devDir, ProcDir: procDir},
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPortsFollowProcDirections(t *testing.T) {
	devDir, procDir := fakeSnd(t)
	b := newTestBackend(t, devDir, procDir)

	ins, err := b.Ports(contracts.Input)
	if err != nil {
		t.Fatalf("Ports: %v", err)
	}
	if len(ins) != 1 || ins[0].ID != "hw:1,0" || ins[0].Name != "Keys" {
		t.Fatalf("unexpected inputs: %+v", ins)
	}
	outs, err := b.Ports(contracts.Output)
	if err != nil {
		t.Fatalf("Ports: %v", err)
	}
	if len(outs) != 2 || outs[0].Name != "Synth Out" {
		t.Fatalf("unexpected outputs: %+v", outs)
	}
}

func TestNoDevicesIsEmpty(t *testing.T) {
	b := newTestBackend(t, t.TempDir(), t.TempDir())
	ports, err := b.Ports(contracts.Input)
	if err != nil || ports == nil || len(ports) != 0 {
		t.Fatalf("expected an empty list, got %v %v", ports, err)
	}
}

func TestMissingDeviceDirIsUnavailable(t *testing.T) {
	_, err := NewBackend(&contracts.ClientOptions{
		Logger:     logger.NewNopLogger(),
		ALSAConfig: &contracts.ALSAConfig{DeviceDir: filepath.Join(t.TempDir(), "missing")},
	})
	if !errors.Is(err, contracts.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestUnknownDeviceIsInvalidPort(t *testing.T) {
	devDir, procDir := fakeSnd(t)
	b := newTestBackend(t, devDir, procDir)
	_, err := b.OpenInput(contracts.Port{Backend: BackendName, ID: "hw:9,0", Direction: contracts.Input}, "in", newChanSink())
	if !errors.Is(err, contracts.ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
}

func TestVirtualPortsNotSupported(t *testing.T) {
	devDir, procDir := fakeSnd(t)
	b := newTestBackend(t, devDir, procDir)
	if _, err := b.OpenVirtualOutput("v"); !errors.Is(err, contracts.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}

func TestInputSplitsStreamAndReportsHangup(t *testing.T) {
	devDir, procDir := fakeSnd(t)
	b := newTestBackend(t, devDir, procDir)
	sink := newChanSink()

	in, err := b.OpenInput(contracts.Port{Backend: BackendName, ID: "hw:1,0", Direction: contracts.Input}, "in", sink)
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer in.Close()

	w, err := os.OpenFile(filepath.Join(devDir, "midiC1D0"), os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := w.Write([]byte{0x90, 0x3C, 0x40, 0xF0, 0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := sink.next(t); !bytes.Equal(got, []byte{0x90, 0x3C, 0x40}) {
		t.Fatalf("expected note on, got % X", got)
	}
	if got := sink.next(t); !bytes.Equal(got, []byte{0xF0, 0x01}) {
		t.Fatalf("expected SysEx fragment, got % X", got)
	}
	if _, err := w.Write([]byte{0x02, 0xF7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := sink.next(t); !bytes.Equal(got, []byte{0x02, 0xF7}) {
		t.Fatalf("expected SysEx tail, got % X", got)
	}

	w.Close()
	select {
	case err := <-sink.lost:
		if !errors.Is(err, contracts.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hang-up was not reported")
	}
}

func TestOutputWritesToDevice(t *testing.T) {
	devDir, procDir := fakeSnd(t)
	b := newTestBackend(t, devDir, procDir)
	out, err := b.OpenOutput(contracts.Port{Backend: BackendName, ID: "hw:0,0", Direction: contracts.Output}, "out")
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	if err := out.Send([]byte{0xB0, 0x07, 0x64}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(devDir, "midiC0D0"))
	if err != nil || !bytes.Equal(data, []byte{0xB0, 0x07, 0x64}) {
		t.Fatalf("device received % X (%v)", data, err)
	}
}
