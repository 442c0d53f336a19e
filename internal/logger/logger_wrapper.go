package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/leandrodaf/midiport/sdk/contracts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation controls log file rotation for file outputs.
type Rotation struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options configures a ZapLogger.
type Options struct {
	Level       contracts.LogLevel
	Format      string   // "console" or "json".
	Outputs     []string // "stdout", "stderr" or file paths.
	Rotation    Rotation
	Development bool
}

// ZapLogger implements contracts.Logger on top of zap.
type ZapLogger struct {
	mu     sync.RWMutex
	logger *zap.Logger
	level  zap.AtomicLevel
	opts   Options
}

// NewZapLogger creates a logger writing JSON to stderr at info level.
func NewZapLogger() contracts.Logger {
	l, err := New(Options{Level: contracts.InfoLevel, Format: "json", Outputs: []string{"stderr"}})
	if err != nil {
		// stderr outputs cannot fail to open.
		panic(err)
	}
	return l
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() contracts.Logger {
	return &ZapLogger{logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// NewFromCore wraps an existing zap core, mostly useful with zaptest/observer.
func NewFromCore(core zapcore.Core) *ZapLogger {
	return &ZapLogger{
		logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)),
		level:  zap.NewAtomicLevelAt(zapcore.DebugLevel),
	}
}

// New builds a ZapLogger from options.
func New(opts Options) (*ZapLogger, error) {
	z := &ZapLogger{level: zap.NewAtomicLevelAt(toZapLevel(opts.Level)), opts: opts}
	if err := z.rebuild(opts.Outputs); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *ZapLogger) rebuild(outputs []string) error {
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	encoder := newEncoder(z.opts)
	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, err := z.writeSyncer(out)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, z.level))
	}
	zopts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zap.ErrorLevel)}
	if z.opts.Development {
		zopts = append(zopts, zap.Development())
	}

	z.mu.Lock()
	old := z.logger
	z.logger = zap.New(zapcore.NewTee(cores...), zopts...)
	z.mu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

func (z *ZapLogger) writeSyncer(out string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr", "":
		return zapcore.AddSync(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if r := z.opts.Rotation; r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}

func newEncoder(opts Options) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.ToLower(opts.Format) == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// Info logs a message at the INFO level
func (z *ZapLogger) Info(msg string, fields ...contracts.Field) {
	z.log(zapcore.InfoLevel, msg, fields...)
}

// Error logs a message at the ERROR level
func (z *ZapLogger) Error(msg string, fields ...contracts.Field) {
	z.log(zapcore.ErrorLevel, msg, fields...)
}

// Debug logs a message at the DEBUG level
func (z *ZapLogger) Debug(msg string, fields ...contracts.Field) {
	z.log(zapcore.DebugLevel, msg, fields...)
}

// Warn logs a message at the WARN level
func (z *ZapLogger) Warn(msg string, fields ...contracts.Field) {
	z.log(zapcore.WarnLevel, msg, fields...)
}

// Fatal logs a message at the FATAL level and terminates the application
func (z *ZapLogger) Fatal(msg string, fields ...contracts.Field) {
	z.log(zapcore.FatalLevel, msg, fields...)
}

// Field returns a field builder.
func (z *ZapLogger) Field() contracts.Field {
	return zapField{}
}

// SetLevel sets the logging level
func (z *ZapLogger) SetLevel(level contracts.LogLevel) {
	z.level.SetLevel(toZapLevel(level))
}

// SetDestination switches output to the console or to a file.
func (z *ZapLogger) SetDestination(dest contracts.LogDestination, filePath ...string) {
	outputs := []string{"stderr"}
	if dest == contracts.FileLog && len(filePath) > 0 && filePath[0] != "" {
		outputs = []string{filePath[0]}
	}
	if err := z.rebuild(outputs); err != nil {
		z.Error("Failed to switch log destination",
			z.Field().String("destination", string(dest)),
			z.Field().Error("error", err))
	}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.logger.Sync()
}

func (z *ZapLogger) log(level zapcore.Level, msg string, fields ...contracts.Field) {
	z.mu.RLock()
	l := z.logger
	z.mu.RUnlock()

	ce := l.Check(level, msg)
	if ce == nil {
		return
	}
	zfields := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if zf, ok := f.(zapField); ok && zf.field.Key != "" {
			zfields = append(zfields, zf.field)
		}
	}
	ce.Write(zfields...)
}

func toZapLevel(level contracts.LogLevel) zapcore.Level {
	switch level {
	case contracts.DebugLevel:
		return zapcore.DebugLevel
	case contracts.WarnLevel:
		return zapcore.WarnLevel
	case contracts.ErrorLevel:
		return zapcore.ErrorLevel
	case contracts.FatalLevel:
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

// zapField implements contracts.Field
type zapField struct {
	field zap.Field
}

func (zapField) Bool(key string, val bool) contracts.Field {
	return zapField{zap.Bool(key, val)}
}

func (zapField) Int(key string, val int) contracts.Field {
	return zapField{zap.Int(key, val)}
}

func (zapField) Float64(key string, val float64) contracts.Field {
	return zapField{zap.Float64(key, val)}
}

func (zapField) String(key string, val string) contracts.Field {
	return zapField{zap.String(key, val)}
}

func (zapField) Time(key string, val time.Time) contracts.Field {
	return zapField{zap.Time(key, val)}
}

func (zapField) Int64(key string, val int64) contracts.Field {
	return zapField{zap.Int64(key, val)}
}

func (zapField) Error(key string, val error) contracts.Field {
	return zapField{zap.NamedError(key, val)}
}

func (zapField) Uint64(key string, val uint64) contracts.Field {
	return zapField{zap.Uint64(key, val)}
}

func (zapField) Uint8(key string, val uint8) contracts.Field {
	return zapField{zap.Uint8(key, val)}
}

func (zapField) Bytes(key string, val []byte) contracts.Field {
	return zapField{zap.Binary(key, val)}
}
