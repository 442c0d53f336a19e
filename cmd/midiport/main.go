package main

import (
	"fmt"
	"os"

	"github.com/leandrodaf/midiport/internal/config"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"github.com/leandrodaf/midiport/sdk/midi"
	"github.com/spf13/cobra"
)

const VERSION = "v0.1.0"

var (
	configPath string
	backend    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "midiport",
	Short:         "List, monitor and drive MIDI ports",
	Long:          `midiport enumerates MIDI ports on the native backend, prints incoming messages, sends raw messages and opens virtual ports.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of midiport",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "midiport", VERSION)
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the backends compiled into this binary",
	Run: func(cmd *cobra.Command, args []string) {
		def := midi.DefaultBackend()
		for _, name := range midi.Backends() {
			marker := " "
			if name == def {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./midiport.yaml or ~/.midiport/midiport.yaml)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Backend name (use 'midiport backends' to list them)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd, backendsCmd, listCmd, monitorCmd, sendCmd, virtualCmd)
}

// clientOptions merges the config file, the environment and the flags.
func clientOptions() ([]contracts.Option, contracts.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if _, ok := contracts.ParseLogLevel(logLevel); !ok {
			return nil, nil, fmt.Errorf("invalid --log-level %q", logLevel)
		}
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	var resolved contracts.ClientOptions
	for _, o := range opts {
		o(&resolved)
	}
	return opts, resolved.Logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
