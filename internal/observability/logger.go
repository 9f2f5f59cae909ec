// Package observability owns the process loggers and the prometheus
// telemetry exported by the service.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is used by CLI commands. It writes human readable lines to
	// stderr so that stdout stays reserved for command output.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and the components it runs.
	ServerLogger = zap.NewNop()
)

// NewLogger builds a logger for level and profile. STRUCTURED writes JSON,
// CONSOLE writes the console encoding.
func NewLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		enc = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid logging profile %q", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	logger := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// InitCLILogger replaces CLILogger. verbose forces debug level.
func InitCLILogger(service, level string, verbose bool) error {
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger("", level, ProfileConsole)
	if err != nil {
		return err
	}
	CLILogger = logger.Named(service)
	return nil
}

// InitServerLogger replaces ServerLogger.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(service, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
