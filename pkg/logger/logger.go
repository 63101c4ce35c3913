// Package logger builds the zap loggers used across the submitter, with an
// optional size-rotated file sink and HTTP request logging for the metrics server.
package logger

import (
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerConfig holds the configuration for logger creation.
type LoggerConfig struct {
	// Debug enables debug-level logging when true, otherwise uses info level
	Debug bool
	// FilePath, when set, additionally writes JSON logs to a rotated file
	FilePath string
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept
	MaxBackups int
	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int
	// Compress gzips rotated files
	Compress bool
}

// NewLogger creates a new structured logger with the specified configuration.
// The logger is configured for production use with JSON encoding and ISO8601 timestamps.
//
// Parameters:
//   - cfg: The logger configuration
//   - options: Additional zap options to apply to the logger
//
// Returns:
//   - *zap.Logger: A configured zap logger instance
//   - error: An error if the logger cannot be created
func NewLogger(cfg *LoggerConfig, options ...zap.Option) (*zap.Logger, error) {
	mergedOptions := append([]zap.Option{zap.WithCaller(true)}, options...)

	c := zap.NewProductionConfig()
	c.EncoderConfig = zap.NewProductionEncoderConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Debug {
		c.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.FilePath != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(c.EncoderConfig),
			zapcore.AddSync(newRotatingWriter(cfg)),
			c.Level,
		)
		mergedOptions = append(mergedOptions, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	return c.Build(mergedOptions...)
}

func newRotatingWriter(cfg *LoggerConfig) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

var healthPath = regexp.MustCompile(`/(health|ready)$`)

// HttpLoggerMiddleware logs every request except health and ready checks.
func HttpLoggerMiddleware(next http.Handler, l *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		if !healthPath.MatchString(r.URL.Path) {
			l.Sugar().Debugw("http_request",
				zap.String("system", "http"),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}
