// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"fmt"
)

// API identifies the public operation a Completion belongs to.
type API uint8

const (
	APINone API = iota
	APILoadFile
	APIResetDevice
	APIGetFileCRC
)

func (a API) String() string {
	switch a {
	case APINone:
		return "none"
	case APILoadFile:
		return "load file"
	case APIResetDevice:
		return "reset device"
	case APIGetFileCRC:
		return "get file crc"
	}
	return fmt.Sprintf("api(%d)", uint8(a))
}

// Completion is delivered exactly once for every accepted operation.
type Completion struct {
	API    API
	Result ResultCode
	// ActiveMask lists the devices that completed the operation.
	ActiveMask DeviceMask
	// CRCs holds the reported file CRC per device id (GetFileCRC only).
	CRCs map[int]uint32
}

// Err returns nil for Success and PartialSuccess, an *Error otherwise.
func (c Completion) Err() error {
	if c.Result == Success || c.Result == PartialSuccess {
		return nil
	}
	return newError(c.Result, c.API.String(), nil)
}

// EventType classifies asynchronous events.
type EventType uint8

const (
	EventDeviceRemoved EventType = iota + 1
	EventPortConnected
	EventPortDisconnected
	EventSystemStatus
)

func (t EventType) String() string {
	switch t {
	case EventDeviceRemoved:
		return "device removed"
	case EventPortConnected:
		return "port connected"
	case EventPortDisconnected:
		return "port disconnected"
	case EventSystemStatus:
		return "system status"
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event is an asynchronous notification to the host.
type Event struct {
	Type EventType
	// Device is the removed device (EventDeviceRemoved).
	Device DeviceMask
	// Reason is Fail or Timeout for a removed device.
	Reason ResultCode
	// Role is the port the event relates to.
	Role Role
	// Status and NotifID carry a system status notification.
	Status  uint8
	NotifID uint16
}

// HandlerInterface is the interface of the host application handler.
// Handlers run on the goroutine calling into the Pack and may start a new
// operation from CompletionHandler.
type HandlerInterface interface {
	CompletionHandler(Completion)
	EventHandler(Event)
}

type nopHandler struct{}

func (nopHandler) CompletionHandler(Completion) {}
func (nopHandler) EventHandler(Event)           {}
