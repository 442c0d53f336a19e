package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/leandrodaf/midiport/sdk/midi"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List input and output ports",
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	opts, _, err := clientOptions()
	if err != nil {
		return err
	}
	backend, err := midi.NewBackend(opts...)
	if err != nil {
		return err
	}
	defer backend.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Backend: %s (%s)\n", backend.Name(), backend.Capabilities().Threading)
	for _, dir := range []contracts.Direction{contracts.Input, contracts.Output} {
		ports, err := backend.Ports(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s ports:\n", dir)
		if len(ports) == 0 {
			fmt.Fprintln(w, "  none")
		}
		for i, p := range ports {
			fmt.Fprintf(w, "  [%d] %s  (%s)\n", i, p, p.ID)
		}
	}
	return nil
}

// pickPort selects a port by index, ID or display name, in that order.
func pickPort(ports []contracts.Port, arg string) (contracts.Port, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if i < 0 || i >= len(ports) {
			return contracts.Port{}, contracts.Errorf(contracts.KindInvalidPort, "select port", "index %d out of range (%d ports)", i, len(ports))
		}
		return ports[i], nil
	}
	for _, p := range ports {
		if p.ID == arg {
			return p, nil
		}
	}
	for _, p := range ports {
		if p.Name == arg {
			return p, nil
		}
	}
	return contracts.Port{}, contracts.Errorf(contracts.KindInvalidPort, "select port", "no port matches %q", arg)
}

// parseMessage reads hex bytes given as separate arguments or run together,
// such as "90 3c 40" or "903c40".
func parseMessage(args []string) ([]byte, error) {
	joined := strings.ReplaceAll(strings.Join(args, ""), " ", "")
	joined = strings.TrimPrefix(strings.ToLower(joined), "0x")
	msg, err := hex.DecodeString(joined)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if len(msg) == 0 {
		return nil, contracts.ErrInvalidMessage
	}
	return msg, nil
}
