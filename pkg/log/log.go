// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log wraps zap with a key/value style logging API. The zero
// configuration logs human readable output at info level to stderr.
package log

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger describes the logger interface.
type Logger interface {
	// New returns a child logger with the given key/value context attached.
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	// Enabled returns whether the given level is enabled.
	Enabled(lvl Level) bool
}

// Level is a log level.
type Level = zapcore.Level

// Available log levels.
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Config configures the logging subsystem.
type Config struct {
	// Level of logging: debug, info or error. Defaults to info.
	Level string `toml:"level,omitempty"`
	// Format of the log entries: human or json. Defaults to human.
	Format string `toml:"format,omitempty"`
}

// InitDefaults populates unset fields with default values.
func (cfg *Config) InitDefaults() {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "human"
	}
}

// Validate checks that the config is valid.
func (cfg *Config) Validate() error {
	cfg.InitDefaults()
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("unsupported log level %q", cfg.Level)
	}
	switch cfg.Format {
	case "human", "json":
		return nil
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

var root = mustBuild(Config{}, os.Stderr)

// Setup configures the root logger. It must be called before the root
// logger is used.
func Setup(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	root = mustBuild(cfg, os.Stderr)
	return nil
}

// Root returns the root logger. It is never nil.
func Root() Logger {
	return root
}

// New returns a child of the root logger with the given context attached.
func New(ctx ...any) Logger {
	return root.New(ctx...)
}

// Discard silences the root logger. Useful in tests.
func Discard() {
	root = mustBuild(Config{Level: "error"}, io.Discard)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }

// Info logs at info level on the root logger.
func Info(msg string, ctx ...any) { root.Info(msg, ctx...) }

// Error logs at error level on the root logger.
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// HandlePanic catches panics and logs them. Call in a defer at the top of
// every goroutine. The process exits after logging, a half torn-down
// goroutine must not keep running.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.Error("Panic", "msg", msg, "stack", string(debug.Stack()))
		os.Exit(255)
	}
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2+1)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	if len(ctx)%2 != 0 {
		fields = append(fields, zap.Any("LOG_ERROR_DANGLING", ctx[len(ctx)-1]))
	}
	return fields
}

func mustBuild(cfg Config, w io.Writer) Logger {
	cfg.InitDefaults()
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		panic(err)
	}
	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	return &logger{logger: zap.New(core)}
}
