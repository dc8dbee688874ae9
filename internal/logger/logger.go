// Package logger wraps zerolog with optional file rotation for cardlink
// components. Every core component takes a *Logger explicitly; the global
// accessor exists only for the CLI entrypoint and for code that has no
// natural place to receive one.
package logger

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger with rotation support and a handful of
// convenience methods matching the rest of the codebase's call sites.
type Logger struct {
	logger zerolog.Logger
	writer io.Writer
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Config holds logger configuration.
type Config struct {
	Path       string `yaml:"path"` // empty means stdout, no rotation
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "console"
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Init initializes the process-wide logger. Safe to call once; subsequent
// calls are no-ops.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(cfg)
	})
	return err
}

// New creates a standalone logger instance.
func New(cfg Config) (*Logger, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.Path != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		zlog = zerolog.New(writer).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog = zlog.Level(level)

	return &Logger{logger: zlog, writer: writer}, nil
}

// Get returns the process-wide logger, falling back to a bare JSON logger
// on stdout if Init was never called.
func Get() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			logger: zerolog.New(os.Stdout).With().Timestamp().Logger(),
			writer: os.Stdout,
		}
	}
	return globalLogger
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(l.logger.Debug(), nil, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(l.logger.Info(), nil, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(l.logger.Warn(), nil, msg, fields...) }

func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	l.log(l.logger.Error(), err, msg, fields...)
}

func (l *Logger) log(event *zerolog.Event, err error, msg string, fields ...interface{}) {
	if err != nil {
		event = event.Err(err)
	}
	l.addFields(event, fields...)
	event.Msg(msg)
}

func (l *Logger) addFields(event *zerolog.Event, fields ...interface{}) {
	if len(fields)%2 != 0 {
		event.Interface("invalid_fields", fields)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event.Interface(key, fields[i+1])
	}
}

// WithComponent returns a derived logger tagging every entry with a
// component name, e.g. "session", "tlstransport".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger(), writer: l.writer}
}

// WithFields returns a derived logger with permanently attached fields,
// e.g. a session ID carried across every log line for that connection.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{logger: ctx.Logger(), writer: l.writer}
}

// WithSession returns a derived logger that tags every entry with the
// session id, the way a connection worker wants every APDU/handshake line
// correlated back to one AdminSession.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{logger: l.logger.With().Str("session_id", sessionID).Logger(), writer: l.writer}
}

// Sampled returns a derived logger that only emits every nth call, for
// components that would otherwise flood the sink (the APDU command/response
// stream on a long script run against a chatty simulator).
func (l *Logger) Sampled(every uint32) *Logger {
	if every <= 1 {
		return l
	}
	sampled := l.logger.Sample(&zerolog.BasicSampler{N: every})
	return &Logger{logger: sampled, writer: l.writer}
}

// APDU logs one command or response exchange with its raw bytes
// hex-encoded; sw1/sw2 are omitted (nil) for the command direction.
func (l *Logger) APDU(sessionID, direction string, raw []byte, sw1, sw2 *byte) {
	event := l.logger.Debug().
		Str("session_id", sessionID).
		Str("direction", direction).
		Str("raw", hex.EncodeToString(raw))
	if sw1 != nil && sw2 != nil {
		event = event.Str("sw", fmt.Sprintf("%02X%02X", *sw1, *sw2))
	}
	event.Msg("apdu")
}

// Raw exposes the underlying zerolog.Logger for callers that need it
// (e.g. to pass into http.Server's ErrorLog adapter).
func (l *Logger) Raw() *zerolog.Logger { return &l.logger }
