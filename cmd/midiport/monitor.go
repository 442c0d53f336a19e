package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/leandrodaf/midiport/sdk/midi"
	"github.com/spf13/cobra"
	gomidi "gitlab.com/gomidi/midi/v2"
)

var receiveAll bool

var monitorCmd = &cobra.Command{
	Use:   "monitor <port>",
	Short: "Print messages arriving on an input port",
	Long:  `monitor connects to an input port, chosen by index, ID or name, and prints every message until interrupted or the device goes away.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMonitor,
}

var virtualCmd = &cobra.Command{
	Use:   "virtual <name>",
	Short: "Open a virtual input port and print what other applications send to it",
	Args:  cobra.ExactArgs(1),
	RunE:  runVirtual,
}

func init() {
	monitorCmd.Flags().BoolVar(&receiveAll, "all", false, "Also print SysEx, timing and active sensing messages")
	virtualCmd.Flags().BoolVar(&receiveAll, "all", false, "Also print SysEx, timing and active sensing messages")
}

// printer writes one line per message. Callbacks can arrive from several
// native threads, so writes are serialized.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) callback(timestamp uint64, message []byte, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%12d  % X  %s\n", timestamp, message, gomidi.Message(message).String())
}

func openInput(opts []contracts.Option) (*midi.Input, error) {
	in, err := midi.NewInput(opts...)
	if err != nil {
		return nil, err
	}
	if receiveAll {
		in.Ignore(contracts.IgnoreNone)
	}
	return in, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	opts, log, err := clientOptions()
	if err != nil {
		return err
	}
	in, err := openInput(opts)
	if err != nil {
		return err
	}
	defer in.Close()

	ports, err := in.Ports()
	if err != nil {
		return err
	}
	port, err := pickPort(ports, args[0])
	if err != nil {
		return err
	}
	p := &printer{w: cmd.OutOrStdout()}
	conn, err := in.Connect(port, "", p.callback, nil)
	if err != nil {
		return err
	}
	log.Info("Monitoring MIDI input", log.Field().String("port", port.String()), log.Field().String("backend", in.Backend()))
	return wait(conn, log)
}

func runVirtual(cmd *cobra.Command, args []string) error {
	opts, log, err := clientOptions()
	if err != nil {
		return err
	}
	in, err := openInput(opts)
	if err != nil {
		return err
	}
	defer in.Close()

	p := &printer{w: cmd.OutOrStdout()}
	conn, err := in.ConnectVirtual(args[0], p.callback, nil)
	if err != nil {
		return err
	}
	log.Info("Virtual MIDI input open", log.Field().String("name", args[0]), log.Field().String("backend", in.Backend()))
	return wait(conn, log)
}

// wait blocks until an interrupt or a disconnect, then closes conn.
func wait(conn *midi.InputConnection, log contracts.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		return conn.Close()
	case <-conn.Done():
		err := conn.Close()
		log.Warn("MIDI input disconnected", log.Field().Error("error", err))
		return err
	}
}
