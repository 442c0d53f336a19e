package midi

import (
	"github.com/leandrodaf/midiport/internal/logger"
	"github.com/leandrodaf/midiport/sdk/contracts"
)

// DefaultClientName is registered with backends that need a native client.
const DefaultClientName = "midiport"

// applyDefaultOptions sets default values for ClientOptions if not explicitly provided.
func applyDefaultOptions(opts ...contracts.Option) (contracts.ClientOptions, error) {
	options := &contracts.ClientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = logger.NewZapLogger()
	}
	if options.LogFilePath != "" {
		options.Logger.SetDestination(contracts.FileLog, options.LogFilePath)
	}
	if options.ClientName == "" {
		options.ClientName = DefaultClientName
	}
	if options.CoreMIDIConfig == nil {
		options.CoreMIDIConfig = &contracts.CoreMIDIConfig{ClientName: options.ClientName}
	}
	if options.ALSAConfig == nil {
		options.ALSAConfig = &contracts.ALSAConfig{}
	}
	if options.ALSAConfig.DeviceDir == "" {
		options.ALSAConfig.DeviceDir = "/dev/snd"
	}
	if options.ALSAConfig.ProcDir == "" {
		options.ALSAConfig.ProcDir = "/proc/asound"
	}
	if options.MaxSysExSize < 0 {
		options.MaxSysExSize = 0
	}

	options.Logger.SetLevel(options.LogLevel)
	return *options, nil
}
