// Package midialsa reads and writes ALSA rawmidi device nodes. Each open
// input runs its own polling goroutine.
package midialsa

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

// BackendName selects this backend in contracts.WithBackend.
const BackendName = "alsa"

// device is one rawmidi node found under the device directory.
type device struct {
	card, dev int
	path      string
	name      string
	input     bool
	output    bool
}

func (d device) id() string { return fmt.Sprintf("hw:%d,%d", d.card, d.dev) }

// scan lists rawmidi nodes and reads their names and directions from procDir.
// A missing proc entry leaves the node usable in both directions.
func scan(deviceDir, procDir string) ([]device, error) {
	if _, err := os.Stat(deviceDir); err != nil {
		return nil, contracts.NewError(contracts.KindBackendUnavailable, "enumerate", err).WithBackend(BackendName)
	}
	matches, err := filepath.Glob(filepath.Join(deviceDir, "midiC*D*"))
	if err != nil {
		return nil, contracts.NewError(contracts.KindOther, "enumerate", err).WithBackend(BackendName)
	}
	devices := make([]device, 0, len(matches))
	for _, path := range matches {
		var d device
		if _, err := fmt.Sscanf(filepath.Base(path), "midiC%dD%d", &d.card, &d.dev); err != nil {
			continue
		}
		d.path = path
		d.name, d.input, d.output = describe(procDir, d.card, d.dev)
		if d.name == "" {
			d.name = d.id()
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].card != devices[j].card {
			return devices[i].card < devices[j].card
		}
		return devices[i].dev < devices[j].dev
	})
	return devices, nil
}

func describe(procDir string, card, dev int) (name string, input, output bool) {
	f, err := os.Open(filepath.Join(procDir, fmt.Sprintf("card%d", card), fmt.Sprintf("midi%d", dev)))
	if err != nil {
		return "", true, true
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			name = line
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "Input"):
			input = true
		case strings.HasPrefix(line, "Output"):
			output = true
		}
	}
	if !input && !output {
		input, output = true, true
	}
	return name, input, output
}

func (d device) port(dir contracts.Direction) contracts.Port {
	return contracts.Port{Backend: BackendName, ID: d.id(), Name: d.name, Direction: dir}
}
