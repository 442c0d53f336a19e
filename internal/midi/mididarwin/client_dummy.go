//go:build !darwin
// +build !darwin

package mididarwin

import (
	"runtime"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// NewBackend reports that CoreMIDI is not available on this platform.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	options.Logger.Debug("CoreMIDI requested on a non-macOS system",
		options.Logger.Field().String("os", runtime.GOOS))
	return nil, contracts.Errorf(contracts.KindBackendUnavailable, "create client", "CoreMIDI is not available on %s", runtime.GOOS).WithBackend(BackendName)
}
