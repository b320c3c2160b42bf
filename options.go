package greactor

import (
	"runtime"

	"go.uber.org/zap/zapcore"

	"github.com/lfzxb/greactor/internal/logging"
)

// Options configures a TcpServer. NewTcpServer starts from
// defaultOptions and applies each With* setter passed to it, in order.
type Options struct {
	name string

	reusePort            bool
	numEventLoopThreads  int
	highWaterMark        int
	cleanupPoolSize      int

	logPath       string
	logMaxSizeMB  int
	logMaxBackups int
	logMaxAgeDays int
	logLevel      zapcore.Level
}

// Option mutates an Options in place; With* constructors return one to
// pass to NewTcpServer.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		name:                "greactor-server",
		numEventLoopThreads: runtime.NumCPU(),
		highWaterMark:       defaultHighWaterMark,
		cleanupPoolSize:     runtime.NumCPU(),
		logLevel:            zapcore.InfoLevel,
	}
}

// WithName sets the server's name, used as the prefix for connection
// names and sub-reactor thread names.
func WithName(name string) Option {
	return func(o *Options) { o.name = name }
}

// WithReusePort toggles SO_REUSEPORT on the listening socket, letting
// multiple independently-started servers share one port.
func WithReusePort(reusePort bool) Option {
	return func(o *Options) { o.reusePort = reusePort }
}

// WithNumEventLoopThreads sets the size of the sub-reactor pool. Zero
// means every accepted connection is handled on the accept loop itself.
func WithNumEventLoopThreads(n int) Option {
	return func(o *Options) { o.numEventLoopThreads = n }
}

// WithHighWaterMark sets the default per-connection output-buffer size,
// in bytes, that triggers EventHandler.OnHighWaterMark.
func WithHighWaterMark(bytes int) Option {
	return func(o *Options) { o.highWaterMark = bytes }
}

// WithCleanupPoolSize sets the size of the worker pool that closes each
// torn-down connection's fd off the hot loop goroutines.
func WithCleanupPoolSize(n int) Option {
	return func(o *Options) { o.cleanupPoolSize = n }
}

// WithLogFile routes the package logger through a rotating file sink
// instead of stdout.
func WithLogFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *Options) {
		o.logPath = path
		o.logMaxSizeMB = maxSizeMB
		o.logMaxBackups = maxBackups
		o.logMaxAgeDays = maxAgeDays
	}
}

// WithLogLevel sets the minimum severity the logger emits.
func WithLogLevel(level zapcore.Level) Option {
	return func(o *Options) { o.logLevel = level }
}

func (o Options) applyLogging() {
	logging.SetTarget(logging.TargetOptions{
		Path:       o.logPath,
		MaxSizeMB:  o.logMaxSizeMB,
		MaxBackups: o.logMaxBackups,
		MaxAgeDays: o.logMaxAgeDays,
		Level:      o.logLevel,
	})
}
