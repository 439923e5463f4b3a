// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"

	"github.com/riclolsen/go-wbms/pack"
)

// HandleFrame processes one transaction received on the port of role.
// Responses are matched to the active request by token; anything stale is
// dropped. Notifications that ask for confirmation are queued for
// acknowledgment by Process.
func (sf *Pack) HandleFrame(role Role, frame []byte) error {
	p := sf.Port(role)
	if p == nil {
		return newError(InvalidParameter, "handle frame", errors.New("port not bound"))
	}
	f, err := DecodeFrame(frame)
	if err != nil {
		if errors.Is(err, errFrameCRC) {
			p.stats.CRCErrors++
			return newError(CRCError, "handle frame", err)
		}
		p.stats.FramesDropped++
		return newError(InvalidParameter, "handle frame", err)
	}
	p.stats.FramesReceived++

	switch f.MsgID {
	case MsgSendDataResp:
		if f.Payload.Size < sendDataRespSize {
			sf.dropShort(p, f)
			return nil
		}
		var r sendDataResp
		r.pack(f.Payload)
		sf.handleSendDataResp(f.Seq, &r)

	case MsgReceiveDataNotif:
		if f.Payload.Size < receiveDataHeaderSize {
			sf.dropShort(p, f)
			return nil
		}
		var hdr receiveDataHeader
		hdr.pack(f.Payload)
		if hdr.NotifID != 0 {
			sf.queueAck(p, AckEntry{NotifID: hdr.NotifID, CmdID: hdr.CmdID})
		}
		bodyLen := int(hdr.Length) - 1
		if bodyLen < 0 || int(hdr.DeviceID) >= MaxNodes {
			sf.dropShort(p, f)
			return nil
		}
		body, err := f.Payload.Sub(receiveDataHeaderSize, bodyLen)
		if err != nil {
			sf.dropShort(p, f)
			return nil
		}
		sf.handleCommandResponse(SingleNode(int(hdr.DeviceID)), hdr.CmdID, body)

	case MsgSystemStatusNotif:
		if f.Payload.Size < systemStatusNotifSize {
			sf.dropShort(p, f)
			return nil
		}
		var n systemStatusNotif
		n.pack(f.Payload)
		if n.NotifID != 0 {
			sf.queueAck(p, AckEntry{NotifID: n.NotifID, CmdID: MsgSystemStatusNotif})
		}
		sf.handler.EventHandler(Event{Type: EventSystemStatus, Role: role, Status: n.Status, NotifID: n.NotifID})

	default:
		// manager command responses are not wrapped
		sf.handleCommandResponse(role.Mask(), f.MsgID, f.Payload)
	}
	return nil
}

func (sf *Pack) dropShort(p *Port, f *Frame) {
	p.stats.FramesDropped++
	sf.Warn("%s port: malformed message 0x%02X (%d bytes)", p.role, f.MsgID, f.Payload.Size)
}

// handleCommandResponse routes a command response from dev.
func (sf *Pack) handleCommandResponse(dev DeviceMask, cmdID uint8, e *pack.Element) {
	short := func(size int) bool {
		if e.Size < size {
			sf.Warn("response 0x%02X from %v too short: %d bytes", cmdID, dev, e.Size)
			return true
		}
		return false
	}

	switch cmdID {
	case CmdOTAPHandshakeResp:
		if short(otapHandshakeRespSize) {
			return
		}
		var r otapHandshakeResp
		r.pack(e)
		sf.handleHandshakeResponse(dev, &r)

	case CmdOTAPDataResp:
		if short(otapDataRespSize) {
			return
		}
		var r otapDataResp
		r.pack(e)
		sf.handleDataResponse(dev, &r)

	case CmdOTAPStatusResp:
		if short(otapStatusRespSize) {
			return
		}
		var r otapStatusResp
		r.pack(e)
		sf.handleStatusResponse(dev, &r)

	case CmdOTAPCommitResp:
		if short(otapCommitRespSize) {
			return
		}
		var r otapCommitResp
		r.pack(e)
		sf.handleCommitResponse(dev, &r)

	case CmdResetResp:
		if short(resetRespSize) {
			return
		}
		var r resetResp
		r.pack(e)
		sf.handleGenericResponse(dev, cmdID, r.Token, r.RC, 0)

	case CmdFileCRCResp:
		if short(fileCRCRespSize) {
			return
		}
		var r fileCRCResp
		r.pack(e)
		sf.handleGenericResponse(dev, cmdID, r.Token, r.RC, r.CRC)

	default:
		sf.Debug("unhandled message 0x%02X from %v", cmdID, dev)
	}
}

// --- send-data acknowledgments ---

// handleSendDataResp processes the manager's acceptance of a node-targeted
// request. The manager echoes the sequence of the accepted frame. For
// handshakes it drives the unicast chain and for data blocks it is the
// block confirmation.
func (sf *Pack) handleSendDataResp(seq uint16, r *sendDataResp) {
	if !sf.checkToken(r.Token, false) || !sf.targetsNodes() || !sf.checkSendAck(seq) {
		return
	}
	switch r.RC {
	case rcSuccess:
	case rcWait:
		sf.waitReceived()
		return
	default:
		rc := translateReturnCode(r.RC)
		sf.Warn("%s: manager refused send: %s", sf.api, rc)
		sf.terminate(rc)
		return
	}

	var err error
	switch sf.req.cont {
	case contHandshake:
		err = sf.handshakeSent()
	case contData:
		err = sf.dataAcked()
	}
	if err != nil {
		sf.failRequest(err)
	}
}
