// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package clog is the leveled logger embedded by the protocol engines.
// Output is disabled until LogMode(true) is called.
package clog

import (
	"os"
	"sync/atomic"
)

// LogProvider is the sink behind a Clog.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Clog is a printf-style logger with an on/off switch.
type Clog struct {
	provider LogProvider
	has      *uint32 // 1: enabled, 0: disabled
}

// NewLogger creates a logger writing to stderr, every line tagged with prefix.
func NewLogger(prefix string) Clog {
	return Clog{
		provider: newZapProvider(prefix, os.Stderr),
		has:      new(uint32),
	}
}

// LogMode enables or disables log output.
func (sf *Clog) LogMode(enable bool) {
	if sf.has == nil {
		sf.has = new(uint32)
	}
	if enable {
		atomic.StoreUint32(sf.has, 1)
	} else {
		atomic.StoreUint32(sf.has, 0)
	}
}

// SetLogProvider replaces the output sink. A nil provider is ignored.
func (sf *Clog) SetLogProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Clog) enabled() bool {
	return sf.has != nil && sf.provider != nil && atomic.LoadUint32(sf.has) == 1
}

// Critical logs a CRITICAL level message.
func (sf Clog) Critical(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Critical(format, v...)
	}
}

// Error logs an ERROR level message.
func (sf Clog) Error(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Error(format, v...)
	}
}

// Warn logs a WARN level message.
func (sf Clog) Warn(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Warn(format, v...)
	}
}

// Debug logs a DEBUG level message.
func (sf Clog) Debug(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Debug(format, v...)
	}
}
