package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const loggerKey ctxKey = iota

var (
	defaultMu     sync.RWMutex
	defaultLogger *zap.Logger
)

// Options selects the encoder and level. Zero values mean production JSON at info.
type Options struct {
	Env   string // "dev"/"development" switches to the console encoder
	Level string // debug, info, warn, error
}

// New builds a logger from opts. An unparsable level is reported, not ignored.
func New(opts Options) (*zap.Logger, error) {
	var config zap.Config
	if opts.Env == "dev" || opts.Env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	return config.Build()
}

// NewFromEnv reads ENV and LOG_LEVEL, falling back to info on a bad level.
func NewFromEnv() *zap.Logger {
	opts := Options{Env: os.Getenv("ENV"), Level: os.Getenv("LOG_LEVEL")}
	logger, err := New(opts)
	if err != nil {
		opts.Level = ""
		logger, err = New(opts)
	}
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}

// DefaultLogger is used when no logger travels in the context.
func DefaultLogger() *zap.Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewFromEnv()
	}
	return defaultLogger
}

// SetDefault replaces the fallback logger, typically once in main after config is loaded.
func SetDefault(logger *zap.Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the request logger, or the default one.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
