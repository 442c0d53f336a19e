//go:build rtmidi
// +build rtmidi

package midigomidi

import (
	"github.com/leandrodaf/midiport/internal/refcount"
	"github.com/leandrodaf/midiport/sdk/contracts"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// RtMidi keeps a single driver per process; every backend shares it.
var rtmidiDriver = refcount.New(rtmididrv.New, func(d *rtmididrv.Driver) error { return d.Close() })

// NewRtMidiBackend bridges the RtMidi driver.
func NewRtMidiBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	driver, err := rtmidiDriver.Acquire()
	if err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "open driver", err).WithBackend(RtMidiName)
	}
	options.Logger.Info("RtMidi driver ready", options.Logger.Field().String("driver", driver.String()))
	return NewBridge(RtMidiName, driver, options.Logger, rtmidiDriver.Release), nil
}
