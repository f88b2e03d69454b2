// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	File   string // optional path; rotated when set
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	if cfg.File != "" {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore(cfg.File, zcfg.EncoderConfig, zcfg.Level))
		}))
	}

	logger = logger.With(zap.String("service", "tunegate"))

	return logger, nil
}

// fileCore always writes JSON so rotated files stay machine-readable.
func fileCore(path string, enc zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, level)
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("TUNEGATE_LOG_LEVEL", "info"),
		Format: getenv("TUNEGATE_LOG_FORMAT", "json"),
		File:   os.Getenv("TUNEGATE_LOG_FILE"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Host returns a zap field for a host name.
func Host(host string) zap.Field { return zap.String("host", host) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// RemoteAddr returns a zap field for a client address.
func RemoteAddr(addr string) zap.Field { return zap.String("remote_addr", addr) }

// Session returns a zap field for an intercepted session id.
func Session(id string) zap.Field { return zap.String("session", id) }

// Variant returns a zap field for a request envelope variant.
func Variant(v string) zap.Field { return zap.String("variant", v) }

// Provider returns a zap field for a source provider name.
func Provider(name string) zap.Field { return zap.String("provider", name) }

// TrackID returns a zap field for a track id.
func TrackID(id int64) zap.Field { return zap.Int64("track_id", id) }

// Bitrate returns a zap field for an audio bitrate in bits per second.
func Bitrate(br int) zap.Field { return zap.Int("bitrate", br) }

// Decision returns a zap field for a tunnel gate decision.
func Decision(d string) zap.Field { return zap.String("decision", d) }
