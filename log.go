package zeroskip

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultLogger builds a *zap.SugaredLogger from the ZS_LOG_* environment
// variables (§6), used when a caller opens a database without WithLogger.
// ZS_LOG_TO_SYSLOG is accepted for compatibility but, with no syslog core
// wired into the dependency set, falls back to stderr with a one-time notice.
func defaultLogger() *zap.SugaredLogger {
	level := parseLogLevel(os.Getenv("ZS_LOG_LEVEL"))

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var ws zapcore.WriteSyncer
	if path := os.Getenv("ZS_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			ws = zapcore.AddSync(os.Stderr)
		} else {
			ws = zapcore.AddSync(f)
		}
	} else {
		ws = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), ws, level)
	logger := zap.New(core)

	if strings.EqualFold(os.Getenv("ZS_LOG_TO_SYSLOG"), "1") ||
		strings.EqualFold(os.Getenv("ZS_LOG_TO_SYSLOG"), "true") {
		logger.Warn("ZS_LOG_TO_SYSLOG is not supported; logging to stderr or ZS_LOG_FILE instead")
	}

	return logger.Sugar()
}

func parseLogLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}
