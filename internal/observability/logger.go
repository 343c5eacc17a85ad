package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerOptions selects log sinks. Type is console, file or both.
type LoggerOptions struct {
	Type        string
	Dir         string
	Level       string
	BackupCount int
	MaxSizeMB   int
	// FileName defaults to weather-mcp.log.
	FileName string
}

// NewLogger builds a JSON logger. The console sink always writes to stderr;
// stdout is reserved for the stdio transport. The returned close func releases
// the log file and is a no-op for console-only loggers; call it after the
// final Sync.
func NewLogger(opts LoggerOptions) (*zap.Logger, func() error, error) {
	level := parseLogLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var (
		cores   []zapcore.Core
		closeFn = func() error { return nil }
	)
	logType := strings.ToLower(strings.TrimSpace(opts.Type))
	if logType == "" {
		logType = "console"
	}
	if logType == "console" || logType == "both" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}
	if logType == "file" || logType == "both" {
		w, err := fileSink(opts)
		if err != nil {
			return nil, nil, err
		}
		closeFn = w.Close
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(w), level))
	}
	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("unknown log type %q", opts.Type)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)), closeFn, nil
}

func fileSink(opts LoggerOptions) (*lumberjack.Logger, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := opts.FileName
	if name == "" {
		name = "weather-mcp.log"
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSize,
		MaxBackups: opts.BackupCount,
		Compress:   true,
	}, nil
}

func parseLogLevel(s string) zap.AtomicLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "WARN", "WARNING":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "ERROR":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
