// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"time"

	"github.com/riclolsen/go-wbms/clog"
)

// Option pack configuration options
type Option struct {
	config      Config
	clock       func() time.Time
	logMode     bool
	logProvider clog.LogProvider
	session     uint8
}

// NewOption creates a new Option with the default config and the wall clock.
func NewOption() *Option {
	return &Option{
		config: DefaultConfig(),
		clock:  time.Now,
	}
}

// SetConfig sets the pack configuration. Uses DefaultConfig() if the provided cfg is invalid.
func (sf *Option) SetConfig(cfg Config) *Option {
	if err := cfg.Valid(); err != nil {
		sf.config = DefaultConfig()
	} else {
		sf.config = cfg
	}
	return sf
}

// SetClock sets the time source used for response deadlines.
func (sf *Option) SetClock(now func() time.Time) *Option {
	if now != nil {
		sf.clock = now
	}
	return sf
}

// SetLogMode enables or disables logging output.
func (sf *Option) SetLogMode(enable bool) *Option {
	sf.logMode = enable
	return sf
}

// SetLogProvider replaces the default zap-backed log sink.
func (sf *Option) SetLogProvider(p clog.LogProvider) *Option {
	sf.logProvider = p
	return sf
}

// SetSession sets the session id stamped in every outgoing frame header.
func (sf *Option) SetSession(id uint8) *Option {
	sf.session = id
	return sf
}
