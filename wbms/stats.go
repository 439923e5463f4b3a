// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

// PortStats are the counters of one manager port.
type PortStats struct {
	FramesSent       uint32
	FramesReceived   uint32
	FramesDropped    uint32
	SubmitFailures   uint32
	CRCErrors        uint32
	AcksQueued       uint32
	AcksSent         uint32
	LostAcks         uint32
	DuplicatedFrames uint32
}

// RequestStats are the counters of the request framework.
type RequestStats struct {
	TokensIssued   uint32
	Retries        uint32
	StaleResponses uint32
	WaitResponses  uint32
	// MaxRetries is the highest retry count reached by any request.
	MaxRetries int
}

// LoadFileStats are the counters of the OTAP state machine.
type LoadFileStats struct {
	Transfers          uint32
	HandshakesSent     uint32
	HandshakeFailures  uint32
	DataBlocksSent     uint32
	RetransmitsSent    uint32
	StatusRequestsSent uint32
	StatusFailures     uint32
	CommitsSent        uint32
	CommitFailures     uint32
	CRCFailures        uint32
	RejectedFiles      uint32
	DevicesRemoved     uint32
	// MaxSectorRetransmits is the highest retransmission round reached in a sector.
	MaxSectorRetransmits int
	LastResult           ResultCode
}

// Stats is a snapshot of all pack counters.
type Stats struct {
	Request  RequestStats
	LoadFile LoadFileStats
	Ports    [2]PortStats
}

// Stats returns a snapshot of the pack counters.
func (sf *Pack) Stats() Stats {
	s := Stats{
		Request:  sf.reqStats,
		LoadFile: sf.lfStats,
	}
	for i, p := range sf.ports {
		if p != nil {
			s.Ports[i] = p.stats
		}
	}
	return s
}
