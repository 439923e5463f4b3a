// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/riclolsen/go-wbms/wbms"
)

// transferReport records the outcome of one load-file run.
type transferReport struct {
	Image    string             `msgpack:"image"`
	FileType string             `msgpack:"file_type"`
	Size     int                `msgpack:"size"`
	CRC      uint32             `msgpack:"crc"`
	Target   string             `msgpack:"target"`
	Result   string             `msgpack:"result"`
	Active   string             `msgpack:"active"`
	Removed  []removedDevice    `msgpack:"removed,omitempty"`
	Started  time.Time          `msgpack:"started"`
	Elapsed  time.Duration      `msgpack:"elapsed"`
	Stats    wbms.LoadFileStats `msgpack:"stats"`
}

type removedDevice struct {
	Device string `msgpack:"device"`
	Reason string `msgpack:"reason"`
}

func removedDevices(events []wbms.Event) []removedDevice {
	out := make([]removedDevice, 0, len(events))
	for _, e := range events {
		out = append(out, removedDevice{Device: e.Device.String(), Reason: e.Reason.String()})
	}
	return out
}

func writeReport(path string, rep *transferReport) error {
	data, err := msgpack.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %q: %w", path, err)
	}
	return nil
}

func readReport(path string) (*transferReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %q: %w", path, err)
	}
	var rep transferReport
	if err := msgpack.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("invalid report %s: %w", path, err)
	}
	return &rep, nil
}
