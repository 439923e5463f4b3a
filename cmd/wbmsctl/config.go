// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/riclolsen/go-wbms/wbms"
)

// fileConfig is the wbmsctl YAML configuration.
type fileConfig struct {
	Session uint8         `yaml:"session"`
	Pack    packConfig    `yaml:"pack"`
	Ports   portsConfig   `yaml:"ports"`
	ACL     []string      `yaml:"acl"`
	S3      s3Config      `yaml:"s3"`
	Tick    time.Duration `yaml:"tick"`
}

type packConfig struct {
	ResponseTimeout      time.Duration `yaml:"response_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	BlockSize            int           `yaml:"block_size"`
	SectorSize           int           `yaml:"sector_size"`
	MaxSectorRetransmits int           `yaml:"max_sector_retransmits"`
	MaxBlockRetry        int           `yaml:"max_block_retry"`
	AckQueueSize         int           `yaml:"ack_queue_size"`
	HighPriorityOTAP     bool          `yaml:"high_priority_otap"`
}

type portsConfig struct {
	Primary   *serialPortConfig `yaml:"primary"`
	Secondary *serialPortConfig `yaml:"secondary"`
}

type serialPortConfig struct {
	Address  string        `yaml:"address"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	Parity   byte          `yaml:"parity"`
	StopBits byte          `yaml:"stop_bits"`
	Timeout  time.Duration `yaml:"timeout"`
}

// s3Config locates images given as s3://bucket/key.
type s3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

const defaultTick = 10 * time.Millisecond

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} with the environment value.
// Unset variables without a default expand to the empty string.
func expandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}

// loadConfig reads a YAML config file and expands environment variables.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	if cfg.Ports.Primary == nil {
		return nil, fmt.Errorf("%s: ports.primary is required", path)
	}
	if cfg.Tick == 0 {
		cfg.Tick = defaultTick
	}
	return &cfg, nil
}

// packConfig returns the validated engine configuration. A secondary port
// turns on dual manager mode.
func (c *fileConfig) packConfig() (wbms.Config, error) {
	cfg := wbms.Config{
		ResponseTimeout:      c.Pack.ResponseTimeout,
		MaxRetries:           c.Pack.MaxRetries,
		BlockSize:            c.Pack.BlockSize,
		SectorSize:           c.Pack.SectorSize,
		MaxSectorRetransmits: c.Pack.MaxSectorRetransmits,
		MaxBlockRetry:        c.Pack.MaxBlockRetry,
		AckQueueSize:         c.Pack.AckQueueSize,
		DualManager:          c.Ports.Secondary != nil,
		HighPriorityOTAP:     c.Pack.HighPriorityOTAP,
	}
	if err := cfg.Valid(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (p *serialPortConfig) serialConfig() wbms.SerialConfig {
	return wbms.SerialConfig{
		Address:  p.Address,
		BaudRate: p.BaudRate,
		DataBits: p.DataBits,
		Parity:   wbms.MapParity(p.Parity),
		StopBits: wbms.MapStopBits(p.StopBits),
		Timeout:  p.Timeout,
	}
}

// acl parses the configured node MACs; list position is the device id.
func (c *fileConfig) acl() ([]wbms.MAC, error) {
	out := make([]wbms.MAC, 0, len(c.ACL))
	for i, s := range c.ACL {
		m, err := wbms.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("acl[%d] %q: %w", i, s, err)
		}
		out = append(out, m)
	}
	if len(out) > wbms.MaxNodes {
		return nil, fmt.Errorf("acl lists %d nodes, at most %d supported", len(out), wbms.MaxNodes)
	}
	return out, nil
}
