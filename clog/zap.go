// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package clog

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapProvider adapts a zap logger to LogProvider.
type ZapProvider struct {
	sugar *zap.SugaredLogger
}

// NewZapProvider wraps an existing zap logger, e.g. the host application's.
func NewZapProvider(l *zap.Logger) *ZapProvider {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapProvider{sugar: l.Sugar()}
}

func newZapProvider(prefix string, w io.Writer) *ZapProvider {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.CapitalLevelEncoder,
		EncodeName:  zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	l := zap.New(core)
	if prefix != "" {
		l = l.Named(prefix)
	}
	return &ZapProvider{sugar: l.Sugar()}
}

// Critical logs at DPanic level; it only panics when the wrapped logger is in development mode.
func (p *ZapProvider) Critical(format string, v ...interface{}) {
	p.sugar.DPanicf(format, v...)
}

func (p *ZapProvider) Error(format string, v ...interface{}) {
	p.sugar.Errorf(format, v...)
}

func (p *ZapProvider) Warn(format string, v ...interface{}) {
	p.sugar.Warnf(format, v...)
}

func (p *ZapProvider) Debug(format string, v ...interface{}) {
	p.sugar.Debugf(format, v...)
}
