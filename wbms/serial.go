// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig holds serial port configuration parameters.
type SerialConfig struct {
	// Address is the serial port address (e.g., "COM3" on Windows, "/dev/ttyUSB0" on Linux).
	Address string
	// BaudRate is the serial port speed (e.g., 115200, 921600).
	BaudRate int
	// DataBits is the number of data bits, 8 for the manager link.
	DataBits int
	// StopBits specifies the number of stop bits. Use serial.OneStopBit or serial.TwoStopBits.
	StopBits serial.StopBits
	// Parity specifies the parity mode. Use serial.NoParity, serial.OddParity, serial.EvenParity.
	Parity serial.Parity
	// Timeout bounds each read so ReadFrame can observe cancellation. 0 selects 100ms.
	Timeout time.Duration
}

const defaultSerialReadTimeout = 100 * time.Millisecond

// Valid applies defaults and checks the serial configuration.
func (sf *SerialConfig) Valid() error {
	if sf.Address == "" {
		return errors.New("wbms: serial address (port name) must be configured")
	}
	if sf.BaudRate <= 0 {
		return errors.New("wbms: serial baud rate must be positive")
	}
	if sf.DataBits == 0 {
		sf.DataBits = 8
	} else if sf.DataBits < 5 || sf.DataBits > 8 {
		return errors.New("wbms: serial data bits out of range [5, 8]")
	}
	if sf.Timeout == 0 {
		sf.Timeout = defaultSerialReadTimeout
	} else if sf.Timeout < 0 {
		return errors.New("wbms: serial timeout must be positive")
	}
	return nil
}

// MapParity maps a numeric representation to serial.Parity.
// 0 = None, 1 = Odd, 2 = Even. Returns NoParity for invalid values.
func MapParity(p byte) serial.Parity {
	switch p {
	case 1:
		return serial.OddParity
	case 2:
		return serial.EvenParity
	default: // Includes 0
		return serial.NoParity
	}
}

// MapStopBits maps a numeric representation to serial.StopBits.
// 1 = OneStopBit, 2 = TwoStopBits. Returns OneStopBit for invalid values.
func MapStopBits(s byte) serial.StopBits {
	if s == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit // Default includes 1
}

// SerialTransport exchanges fixed-size transactions with a manager over a
// serial link.
type SerialTransport struct {
	cfg  SerialConfig
	port serial.Port

	wmu sync.Mutex
	// rx accumulates bytes until a whole transaction is available
	rx []byte
}

// OpenSerial opens the serial port described by cfg.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Address, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	})
	if err != nil {
		return nil, newError(NotConnected, "open "+cfg.Address, err)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, newError(Fail, "open "+cfg.Address, err)
	}
	return &SerialTransport{
		cfg:  cfg,
		port: port,
		rx:   make([]byte, 0, 2*TransactionSize),
	}, nil
}

// SubmitFrame writes one transaction.
func (t *SerialTransport) SubmitFrame(frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	for len(frame) > 0 {
		n, err := t.port.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return t.port.Drain()
}

// ReadFrame blocks until a whole transaction is received or ctx is done.
// Bytes ahead of a frame-type marker are discarded to regain alignment. A
// candidate that fails the CRC check was locked onto a marker byte inside
// a payload or is corrupt: its first byte is dropped and the scan resumes.
func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	chunk := make([]byte, TransactionSize)
	for {
		if i := bytes.IndexByte(t.rx, FrameType); i != 0 {
			if i < 0 {
				t.rx = t.rx[:0]
			} else {
				t.rx = append(t.rx[:0], t.rx[i:]...)
			}
		}
		if len(t.rx) >= TransactionSize {
			if _, err := DecodeFrame(t.rx[:TransactionSize]); errors.Is(err, errFrameCRC) {
				t.rx = append(t.rx[:0], t.rx[1:]...)
				continue
			}
			frame := make([]byte, TransactionSize)
			copy(frame, t.rx)
			t.rx = append(t.rx[:0], t.rx[TransactionSize:]...)
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, err
		}
		// n == 0 is a read timeout
		t.rx = append(t.rx, chunk[:n]...)
	}
}

// Close closes the serial port.
func (t *SerialTransport) Close() error {
	return t.port.Close()
}
