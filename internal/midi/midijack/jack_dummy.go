//go:build !jack
// +build !jack

package midijack

import "github.com/leandrodaf/midiport/sdk/contracts"

// NewBackend reports that the binary was built without Jack support.
func NewBackend(options *contracts.ClientOptions) (contracts.Backend, error) {
	options.Logger.Debug("Jack requested but not compiled in; rebuild with -tags jack")
	return nil, contracts.Errorf(contracts.KindBackendUnavailable, "open client", "built without the jack tag").WithBackend(BackendName)
}
