package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leandrodaf/midiport/sdk/contracts"
)

func TestDefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientName != "midiport" || cfg.ALSA.DeviceDir != "/dev/snd" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	ignore, err := ParseIgnore(cfg.Ignore)
	if err != nil || ignore != contracts.IgnoreAll {
		t.Fatalf("default ignore = %v (%v)", ignore, err)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midiport.yaml")
	yaml := `client_name: studio
backend: alsa
ignore: [sysex]
max_sysex_size: 4096
alsa:
  device_dir: /tmp/snd
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MIDIPORT_BACKEND", "jack")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClientName != "studio" || cfg.MaxSysExSize != 4096 || cfg.ALSA.DeviceDir != "/tmp/snd" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ALSA.ProcDir != "/proc/asound" {
		t.Fatalf("default proc dir lost: %q", cfg.ALSA.ProcDir)
	}
	if cfg.Backend != "jack" {
		t.Fatalf("environment did not override backend: %q", cfg.Backend)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	var co contracts.ClientOptions
	for _, o := range opts {
		o(&co)
	}
	if co.BackendName != "jack" || co.Ignore != contracts.IgnoreSysEx || co.LogLevel != contracts.DebugLevel || co.Logger == nil {
		t.Fatalf("unexpected options: %+v", co)
	}
}

func TestInvalidValuesAreRejected(t *testing.T) {
	dir := t.TempDir()
	for name, yaml := range map[string]string{
		"level":  "log:\n  level: loud\n",
		"ignore": "ignore: [noteon]\n",
		"sysex":  "max_sysex_size: -1\n",
	} {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
