// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxNodes is the number of node identifiers a DeviceMask can address.
const MaxNodes = 62

// DeviceMask is a set of device identifiers. Bits 0..61 are nodes, bit 62 is
// manager A (primary port) and bit 63 is manager B (secondary port).
type DeviceMask uint64

const (
	ManagerA DeviceMask = 1 << 62
	ManagerB DeviceMask = 1 << 63

	nodeBits    DeviceMask = ManagerA - 1
	managerBits DeviceMask = ManagerA | ManagerB

	// AllNodesSentinel addresses every node in the live ACL, whatever its size.
	AllNodesSentinel = nodeBits
	// AllManagersSentinel addresses every bound manager.
	AllManagersSentinel = managerBits
)

// Device ids of the managers as used in Event.Device and SingleID.
const (
	ManagerAID = 62
	ManagerBID = 63
)

// TargetKind is the resolved addressing mode of a request.
type TargetKind uint8

const (
	TargetSingleNode TargetKind = iota
	TargetAllNodes
	TargetSingleManager
	TargetAllManagers
)

func (k TargetKind) String() string {
	switch k {
	case TargetSingleNode:
		return "single-node"
	case TargetAllNodes:
		return "all-nodes"
	case TargetSingleManager:
		return "single-manager"
	case TargetAllManagers:
		return "all-managers"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// SingleNode returns the mask of node id, or 0 when id is not a node id.
func SingleNode(id int) DeviceMask {
	if id < 0 || id >= MaxNodes {
		return 0
	}
	return 1 << uint(id)
}

// AllNodes returns the mask of nodes 0..n-1.
func AllNodes(n int) DeviceMask {
	if n <= 0 {
		return 0
	}
	if n >= MaxNodes {
		return nodeBits
	}
	return (1 << uint(n)) - 1
}

// SingleManager returns the mask of the manager behind the given port role.
func SingleManager(r Role) DeviceMask {
	return r.Mask()
}

// AllManagers returns manager A, plus manager B when dual is set.
func AllManagers(dual bool) DeviceMask {
	if dual {
		return managerBits
	}
	return ManagerA
}

// Nodes returns the node part of the mask.
func (m DeviceMask) Nodes() DeviceMask { return m & nodeBits }

// Managers returns the manager part of the mask.
func (m DeviceMask) Managers() DeviceMask { return m & managerBits }

// Exclusive reports whether the mask is non-empty and addresses only nodes
// or only managers.
func (m DeviceMask) Exclusive() bool {
	return m != 0 && (m.Nodes() == 0 || m.Managers() == 0)
}

// IsNodes reports whether the mask is a non-empty set of nodes only.
func (m DeviceMask) IsNodes() bool { return m != 0 && m.Managers() == 0 }

// IsManagers reports whether the mask is a non-empty set of managers only.
func (m DeviceMask) IsManagers() bool { return m != 0 && m.Nodes() == 0 }

// Single reports whether exactly one bit is set.
func (m DeviceMask) Single() bool { return m != 0 && m&(m-1) == 0 }

// Count returns the number of devices in the mask.
func (m DeviceMask) Count() int { return bits.OnesCount64(uint64(m)) }

// Has reports whether all devices of o are in m.
func (m DeviceMask) Has(o DeviceMask) bool { return o != 0 && m&o == o }

// Lowest returns the lowest set bit as a single-device mask.
func (m DeviceMask) Lowest() DeviceMask { return m & -m }

// LowestID returns the id of the lowest set bit, or -1 for an empty mask.
func (m DeviceMask) LowestID() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// Role returns the port role of a single-manager mask.
func (m DeviceMask) Role() (Role, bool) {
	switch m {
	case ManagerA:
		return RolePrimary, true
	case ManagerB:
		return RoleSecondary, true
	}
	return 0, false
}

// ForEach calls f with every single-device mask in ascending order.
func (m DeviceMask) ForEach(f func(DeviceMask)) {
	for m != 0 {
		b := m.Lowest()
		f(b)
		m &^= b
	}
}

func (m DeviceMask) String() string {
	if m == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	m.ForEach(func(b DeviceMask) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		switch b {
		case ManagerA:
			sb.WriteString("mgrA")
		case ManagerB:
			sb.WriteString("mgrB")
		default:
			fmt.Fprintf(&sb, "%d", b.LowestID())
		}
	})
	sb.WriteByte('}')
	return sb.String()
}
