// Package log is a thin structured-logging facade over zap: a
// package-level logger configured once at process start via Init, then
// used through plain functions so call sites never hold a logger
// reference.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the process-wide logger.
type Config struct {
	// Environment selects the encoder: "production" emits JSON, anything
	// else (including the empty string) emits a human-readable console
	// encoding for local development.
	Environment string `mapstructure:"Environment"`
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"Level"`
	// Outputs is the list of sinks, e.g. ["stdout"] or a file path.
	Outputs []string `mapstructure:"Outputs"`
}

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	logger = mustBuild(Config{Environment: "development", Level: "info"})
}

// Init (re)configures the process-wide logger. Call once from cmd before any
// component starts logging.
func Init(cfg Config) {
	l := mustBuild(cfg)
	mu.Lock()
	logger = l
	mu.Unlock()
}

func mustBuild(cfg Config) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	var zcfg zap.Config
	if cfg.Environment == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = outputs

	built, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-frills logger rather than failing process
		// startup over a logging misconfiguration.
		built = zap.NewExample()
	}
	return built.Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at debug level.
func Debug(args ...interface{}) { get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...interface{}) { get().Debugf(template, args...) }

// Info logs at info level.
func Info(args ...interface{}) { get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(template string, args ...interface{}) { get().Infof(template, args...) }

// Warn logs at warn level.
func Warn(args ...interface{}) { get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(template string, args ...interface{}) { get().Warnf(template, args...) }

// Error logs at error level.
func Error(args ...interface{}) { get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...interface{}) { get().Errorf(template, args...) }

// Fatal logs at fatal level then calls os.Exit(1) via zap.
func Fatal(args ...interface{}) { get().Fatal(args...) }

// Fatalf logs a formatted message at fatal level then calls os.Exit(1).
func Fatalf(template string, args ...interface{}) { get().Fatalf(template, args...) }

// With returns a child logger scoped with the given key/value pairs, for
// call sites that log the same fields repeatedly (e.g. a batch worker
// tagging every line with batch_id).
func With(args ...interface{}) *zap.SugaredLogger {
	return get().With(args...)
}
