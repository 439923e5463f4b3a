// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"fmt"
)

// Role identifies a manager port.
type Role uint8

const (
	RolePrimary   Role = iota // manager A
	RoleSecondary             // manager B
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Mask returns the device mask of the manager behind the port.
func (r Role) Mask() DeviceMask {
	if r == RoleSecondary {
		return ManagerB
	}
	return ManagerA
}

// Transport moves complete transactions to a manager. SubmitFrame must not
// retain frame after it returns.
type Transport interface {
	SubmitFrame(frame []byte) error
}

// Port is the pack's view of one manager link.
type Port struct {
	role      Role
	connected bool
	transport Transport

	// userBuf holds frames of user requests, bgBuf frames of background
	// traffic such as notification acknowledgments.
	userBuf [TransactionSize]byte
	bgBuf   [TransactionSize]byte

	acks  *AckQueue
	stats PortStats
}

func newPort(role Role, t Transport, ackQueueSize int) (*Port, error) {
	q, err := NewAckQueue(ackQueueSize)
	if err != nil {
		return nil, err
	}
	return &Port{role: role, transport: t, acks: q}, nil
}

// Role returns the port role.
func (p *Port) Role() Role { return p.role }

// Connected reports the last connectivity state set for the port.
func (p *Port) Connected() bool { return p.connected }

func (p *Port) submit(frame []byte) error {
	if !p.connected {
		p.stats.SubmitFailures++
		return ErrNotConnected
	}
	if err := p.transport.SubmitFrame(frame); err != nil {
		p.stats.SubmitFailures++
		return newError(Fail, "submit "+p.role.String(), err)
	}
	p.stats.FramesSent++
	return nil
}
