// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package logging wraps a package-level zap.SugaredLogger so the rest of
// the engine can log at the four severities the engine's failure taxonomy
// distinguishes (debug, info, error, fatal) without every package taking a
// direct zap dependency.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), zap.DebugLevel)
	return zap.New(core).Sugar()
}

// TargetOptions configures where log output goes. When Path is empty
// logging stays on stdout; otherwise output is routed through a rotating
// lumberjack.Logger.
type TargetOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      zapcore.Level
}

// SetTarget swaps the package logger's output sink, optionally rotating
// through lumberjack when opts.Path is set.
func SetTarget(opts TargetOptions) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if opts.Path == "" {
		sink = zapcore.AddSync(os.Stdout)
	} else {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, opts.Level)
	mu.Lock()
	logger = zap.New(core).Sugar()
	mu.Unlock()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs at debug severity.
func Debugf(template string, args ...interface{}) { current().Debugf(template, args...) }

// Infof logs at info severity.
func Infof(template string, args ...interface{}) { current().Infof(template, args...) }

// Errorf logs at error severity.
func Errorf(template string, args ...interface{}) { current().Errorf(template, args...) }

// Fatalf logs at fatal severity and terminates the process, matching the
// engine's setup-fatal and registration-fatal error classes.
func Fatalf(template string, args ...interface{}) { current().Fatalf(template, args...) }

// LogErr logs a non-nil error at error severity. Call sites that
// intentionally swallow an error (a Trigger or best-effort Close) use this
// so the failure is never silent.
func LogErr(err error) {
	if err != nil {
		current().Errorf("%v", err)
	}
}
