package contracts

// CoreMIDIConfig holds configuration for CoreMIDI.
type CoreMIDIConfig struct {
	ClientName string // Name of the MIDI client registered with the MIDI server.
}

// ALSAConfig holds configuration for the ALSA rawmidi backend.
type ALSAConfig struct {
	DeviceDir string // Directory holding midiC*D* device nodes, /dev/snd by default.
	ProcDir   string // Directory holding card descriptions, /proc/asound by default.
}

// ClientOptions defines the configuration options for MIDI inputs and outputs.
type ClientOptions struct {
	Logger         Logger          // Logger for logging events and errors.
	LogLevel       LogLevel        // Level of logging to use.
	LogFilePath    string          // File path for logging if file logging is enabled.
	ClientName     string          // Name used when a backend registers a native client.
	BackendName    string          // Backend to use; empty selects the platform default.
	Backend        Backend         // Ready backend instance; wins over BackendName.
	Ignore         Ignore          // Message types inputs drop by default.
	MaxSysExSize   int             // Largest reassembled SysEx message, 0 means unbounded.
	CoreMIDIConfig *CoreMIDIConfig // Configuration specific to CoreMIDI.
	ALSAConfig     *ALSAConfig     // Configuration specific to ALSA.
}

// Option is a function that modifies ClientOptions.
type Option func(*ClientOptions)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level LogLevel) Option {
	return func(opts *ClientOptions) {
		opts.LogLevel = level
	}
}

// WithLogFile sends log output to a file instead of the console.
func WithLogFile(path string) Option {
	return func(opts *ClientOptions) {
		opts.LogFilePath = path
	}
}

// WithClientName sets the name registered with backends that require a client.
func WithClientName(name string) Option {
	return func(opts *ClientOptions) {
		opts.ClientName = name
	}
}

// WithBackend selects a backend by name ("coremidi", "winmm", "alsa", "jack", "rtmidi").
func WithBackend(name string) Option {
	return func(opts *ClientOptions) {
		opts.BackendName = name
	}
}

// WithBackendInstance uses an already constructed backend.
func WithBackendInstance(b Backend) Option {
	return func(opts *ClientOptions) {
		opts.Backend = b
	}
}

// WithIgnore sets the message types inputs drop by default.
func WithIgnore(flags Ignore) Option {
	return func(opts *ClientOptions) {
		opts.Ignore = flags
	}
}

// WithMaxSysExSize bounds the size of reassembled SysEx messages.
func WithMaxSysExSize(n int) Option {
	return func(opts *ClientOptions) {
		opts.MaxSysExSize = n
	}
}

// WithCoreMIDIConfig sets the CoreMIDI configuration.
func WithCoreMIDIConfig(config CoreMIDIConfig) Option {
	return func(opts *ClientOptions) {
		opts.CoreMIDIConfig = &config
	}
}

// WithALSAConfig sets the ALSA configuration.
func WithALSAConfig(config ALSAConfig) Option {
	return func(opts *ClientOptions) {
		opts.ALSAConfig = &config
	}
}
