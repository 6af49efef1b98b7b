// Package logging builds the zap logger shared by every tenantcrypt component.
//
// String fields whose key names key material (see SensitiveKeys) are replaced
// with "[REDACTED]" before encoding, so a careless zap.String("session_key", ...)
// never reaches the log sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/tenantcrypt/pkg/config"
)

// Redacted replaces sensitive field values.
const Redacted = "[REDACTED]"

// SensitiveKeys are field keys that are always redacted.
var SensitiveKeys = []string{
	"master_secret", "master_key", "key", "session_key", "search_key",
	"password", "secret", "plaintext", "private_key",
}

// New builds a logger from cfg. Output "stdout" and "stderr" name the standard
// streams; anything else is opened as an append-only file.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var w zapcore.WriteSyncer
	switch cfg.Output {
	case "", "stderr":
		w = zapcore.Lock(os.Stderr)
	case "stdout":
		w = zapcore.Lock(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("opening log output: %w", err)
		}
		w = zapcore.AddSync(f)
	}
	return build(cfg, w)
}

// NewWithWriter builds a logger writing to w, for tests and embedding.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*zap.Logger, error) {
	return build(cfg, zapcore.AddSync(w))
}

func build(cfg config.LoggingConfig, w zapcore.WriteSyncer) (*zap.Logger, error) {
	var level zapcore.Level
	lvl := cfg.Level
	if lvl == "" {
		lvl = "info"
	}
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	core := &redactingCore{Core: zapcore.NewCore(encoder, w, level)}
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// redactingCore scrubs sensitive string fields.
type redactingCore struct {
	zapcore.Core
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redact(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redact(fields))
}

func redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !isSensitive(f.Key) {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(f.Key, Redacted)
	}
	if out == nil {
		return fields
	}
	return out
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range SensitiveKeys {
		if key == s {
			return true
		}
	}
	return false
}
