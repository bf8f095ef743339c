package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Factory hands out named child loggers sharing one runtime-adjustable level.
type Factory struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

func NewFactory(level, format string) (*Factory, error) {
	atomic := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := atomic.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	encoding := "console"
	switch strings.ToLower(format) {
	case "", "console":
	case "json":
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	cfg := zap.Config{
		Level:            atomic,
		Encoding:         encoding,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "name",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Factory{base: logger, level: atomic}, nil
}

// NewNopFactory is used where logs are not wanted, mostly tests.
func NewNopFactory() *Factory {
	return &Factory{base: zap.NewNop(), level: zap.NewAtomicLevel()}
}

func (f *Factory) Create(name string) *zap.Logger {
	return f.base.Named(name)
}

// Level exposes the shared level; it implements http.Handler for GET/PUT.
func (f *Factory) Level() zap.AtomicLevel {
	return f.level
}

func (f *Factory) Sync() error {
	return f.base.Sync()
}
