//go:build !linux
// +build !linux

package midialsa

import (
	"runtime"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// NewBackend reports that ALSA is not available on this platform.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	options.Logger.Debug("ALSA requested on a non-Linux system",
		options.Logger.Field().String("os", runtime.GOOS))
	return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open", "ALSA is not available on %s", runtime.GOOS).WithBackend(BackendName)
}
