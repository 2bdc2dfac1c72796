// Package commons provides small cross-cutting building blocks (currently,
// structured logging) shared by every package in this module.
package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used throughout this repository. It is kept
// narrow on purpose so call sites never reach for zap-specific types.
type Logger interface {
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warn(args ...interface{})
	Warnw(msg string, kv ...interface{})
	Debugw(msg string, kv ...interface{})
	Debugf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	With(kv ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// Option configures a Logger at construction time.
type Option func(*options)

type options struct {
	name    string
	path    string
	level   string
	maxSize int // MB
}

// Name sets the logger's name, included in every log entry.
func Name(name string) Option { return func(o *options) { o.name = name } }

// Path sets a directory for rotated log files. When empty, logs go to stderr
// only.
func Path(path string) Option { return func(o *options) { o.path = path } }

// Level sets the minimum logged level ("debug", "info", "warn", "error").
func Level(level string) Option { return func(o *options) { o.level = level } }

// NewApplicationLogger builds a zap-backed Logger. When a Path is given,
// output is duplicated to a lumberjack-rotated file alongside stderr.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	o := &options{level: "info", maxSize: 100}
	for _, opt := range opts {
		opt(o)
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(o.level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), lvl),
	}
	if o.path != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.path + "/" + orDefault(o.name, "app") + ".log",
			MaxSize:    o.maxSize,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), lvl))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core)
	if o.name != "" {
		base = base.Named(o.name)
	}
	return &zapLogger{s: base.Sugar()}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (l *zapLogger) Info(args ...interface{})                  { l.s.Info(args...) }
func (l *zapLogger) Infof(template string, args ...interface{}) { l.s.Infof(template, args...) }
func (l *zapLogger) Warn(args ...interface{})                  { l.s.Warn(args...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})       { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Debugw(msg string, kv ...interface{})      { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Debugf(template string, args ...interface{}) { l.s.Debugf(template, args...) }
func (l *zapLogger) Error(args ...interface{})                 { l.s.Error(args...) }
func (l *zapLogger) Errorf(template string, args ...interface{}) { l.s.Errorf(template, args...) }

func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}
