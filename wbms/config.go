// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
	"time"
)

// Constants defining default values and ranges for pack parameters.
const (
	// Time a request waits for its responses before the retry tick fires
	DefaultResponseTimeout = 1 * time.Second
	ResponseTimeoutMin     = 10 * time.Millisecond
	ResponseTimeoutMax     = 60 * time.Second

	// Resends of a request before it is abandoned
	DefaultMaxRetries = 3
	MaxRetriesMax     = 255
	// NoRetries gives up on the first timeout.
	NoRetries = -1

	// OTAP data bytes per block. The upper bound keeps a node data request
	// inside one transaction once wrapped in the send-data envelope.
	DefaultBlockSize = 64
	BlockSizeMin     = 1
	MaxBlockSize     = MaxPayload - sendDataHeaderSize - 1 - otapDataReqHeaderSize

	// OTAP sector size in bytes; a sector spans at most 128 blocks (the
	// width of the status bitmap).
	DefaultSectorSize   = 4096
	MaxBlocksPerSector  = 128
	MaxBlocksPerFile    = 0xFFFF
	DefaultMaxSectorRtx = 32
	DefaultMaxBlockRtry = 8

	// Ack queue capacity per port, power of two
	DefaultAckQueueSize = 16
	AckQueueSizeMax     = 128
)

// Config defines the pack configuration.
type Config struct {
	// Per-request response timeout, range [10ms, 60s].
	ResponseTimeout time.Duration
	// Retries before a request times out. 0 selects the default; use
	// NoRetries to give up after the first timeout.
	MaxRetries int

	// OTAP block payload size in bytes.
	BlockSize int
	// OTAP sector size in bytes, multiple of BlockSize.
	SectorSize int
	// Status/retransmit rounds allowed per sector before the devices still
	// reporting missing blocks are dropped.
	MaxSectorRetransmits int
	// Consecutive requests of the same block tolerated before the transfer
	// is aborted as stuck.
	MaxBlockRetry int

	// Capacity of each port's acknowledgment queue.
	AckQueueSize int

	// DualManager enables the secondary manager port.
	DualManager bool
	// HighPriorityOTAP sets the high-priority flag on node OTAP traffic.
	HighPriorityOTAP bool
}

// Valid applies defaults and checks configuration validity.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("wbms: invalid nil config")
	}

	if sf.ResponseTimeout == 0 {
		sf.ResponseTimeout = DefaultResponseTimeout
	} else if sf.ResponseTimeout < ResponseTimeoutMin || sf.ResponseTimeout > ResponseTimeoutMax {
		return errors.New("wbms: response timeout out of range [10ms, 60s]")
	}

	if sf.MaxRetries == 0 {
		sf.MaxRetries = DefaultMaxRetries
	} else if sf.MaxRetries != NoRetries && (sf.MaxRetries < 0 || sf.MaxRetries > MaxRetriesMax) {
		return errors.New("wbms: max retries out of range [1, 255] or NoRetries")
	}

	if sf.BlockSize == 0 {
		sf.BlockSize = DefaultBlockSize
	} else if sf.BlockSize < BlockSizeMin || sf.BlockSize > MaxBlockSize {
		return errors.New("wbms: block size out of range")
	}

	if sf.SectorSize == 0 {
		// keep the default sector inside the bitmap width for large blocks
		sf.SectorSize = DefaultSectorSize
		if sf.SectorSize/sf.BlockSize > MaxBlocksPerSector {
			sf.SectorSize = MaxBlocksPerSector * sf.BlockSize
		}
		if sf.SectorSize%sf.BlockSize != 0 {
			sf.SectorSize -= sf.SectorSize % sf.BlockSize
		}
	}
	if sf.SectorSize < sf.BlockSize || sf.SectorSize%sf.BlockSize != 0 {
		return errors.New("wbms: sector size must be a multiple of block size")
	}
	if sf.SectorSize/sf.BlockSize > MaxBlocksPerSector {
		return errors.New("wbms: sector size exceeds 128 blocks")
	}

	if sf.MaxSectorRetransmits == 0 {
		sf.MaxSectorRetransmits = DefaultMaxSectorRtx
	} else if sf.MaxSectorRetransmits < 0 {
		return errors.New("wbms: max sector retransmits must be positive")
	}

	if sf.MaxBlockRetry == 0 {
		sf.MaxBlockRetry = DefaultMaxBlockRtry
	} else if sf.MaxBlockRetry < 0 {
		return errors.New("wbms: max block retry must be positive")
	}

	if sf.AckQueueSize == 0 {
		sf.AckQueueSize = DefaultAckQueueSize
	} else if !validAckQueueSize(sf.AckQueueSize) {
		return errors.New("wbms: ack queue size must be a power of two in [1, 128]")
	}
	return nil
}

// retryLimit is the number of resends allowed per request.
func (sf *Config) retryLimit() int {
	return max(sf.MaxRetries, 0)
}

// BlocksPerSector returns the number of blocks in a full sector.
func (sf *Config) BlocksPerSector() int {
	return sf.SectorSize / sf.BlockSize
}

// DefaultConfig returns a single-manager configuration with default values.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout:      DefaultResponseTimeout,
		MaxRetries:           DefaultMaxRetries,
		BlockSize:            DefaultBlockSize,
		SectorSize:           DefaultSectorSize,
		MaxSectorRetransmits: DefaultMaxSectorRtx,
		MaxBlockRetry:        DefaultMaxBlockRtry,
		AckQueueSize:         DefaultAckQueueSize,
	}
}
