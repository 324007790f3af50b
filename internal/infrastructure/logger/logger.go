package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger from the configuration surface's
// log_level setting: "none" discards everything, "info" and "debug" map to
// the matching zap levels. Output goes to stderr so it never interleaves
// with the rendered conversation on stdout; set path to divert it to a
// file instead.
func New(level, path string) (*zap.Logger, error) {
	if level == "none" || level == "" {
		return zap.NewNop(), nil
	}

	zl := zapcore.InfoLevel
	if level == "debug" {
		zl = zapcore.DebugLevel
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	out := "stderr"
	if path != "" {
		out = path
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zl),
		Encoding:         "console",
		EncoderConfig:    enc,
		OutputPaths:      []string{out},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
