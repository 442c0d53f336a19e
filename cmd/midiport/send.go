package main

import (
	"fmt"

	"github.com/leandrodaf/midiport/sdk/midi"
	"github.com/spf13/cobra"
	gomidi "gitlab.com/gomidi/midi/v2"
	"go.uber.org/multierr"
)

var sendCmd = &cobra.Command{
	Use:     "send <port> <hex bytes>...",
	Short:   "Send one raw message to an output port",
	Example: "  midiport send 0 90 3C 40\n  midiport send \"Synth\" F07E7F0601F7",
	Args:    cobra.MinimumNArgs(2),
	RunE:    runSend,
}

func runSend(cmd *cobra.Command, args []string) (err error) {
	msg, err := parseMessage(args[1:])
	if err != nil {
		return err
	}
	opts, log, err := clientOptions()
	if err != nil {
		return err
	}
	out, err := midi.NewOutput(opts...)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	ports, err := out.Ports()
	if err != nil {
		return err
	}
	port, err := pickPort(ports, args[0])
	if err != nil {
		return err
	}
	conn, err := out.Connect(port, "")
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()

	if err := conn.Send(msg); err != nil {
		return err
	}
	log.Debug("MIDI message sent", log.Field().String("port", port.String()), log.Field().Bytes("message", msg))
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", gomidi.Message(msg).String(), port)
	return nil
}
