//go:build !windows
// +build !windows

package midiwindows

import (
	"runtime"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// NewBackend reports that WinMM is not available on this platform.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	options.Logger.Debug("WinMM requested on a non-Windows system",
		options.Logger.Field().String("os", runtime.GOOS))
	return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open", "WinMM is not available on %s", runtime.GOOS).WithBackend(BackendName)
}
