// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
)

// genericOp is the state of a single request/response command.
type genericOp struct {
	reqID    uint8
	respID   uint8
	fileType FileType
	failed   DeviceMask
	lastRC   ResultCode
	crcs     map[int]uint32
}

// ResetDevice resets the devices of mask: one node, every node, one
// manager or both managers. The result is delivered as a Completion.
func (sf *Pack) ResetDevice(mask DeviceMask) error {
	return sf.startGeneric(APIResetDevice, mask, genericOp{
		reqID:  CmdResetReq,
		respID: CmdResetResp,
	})
}

// GetFileCRC asks the devices of mask for the CRC of the stored file of the
// given type. The Completion carries one CRC per responding device.
func (sf *Pack) GetFileCRC(mask DeviceMask, fileType FileType) error {
	return sf.startGeneric(APIGetFileCRC, mask, genericOp{
		reqID:    CmdFileCRCReq,
		respID:   CmdFileCRCResp,
		fileType: fileType,
		crcs:     make(map[int]uint32),
	})
}

func (sf *Pack) startGeneric(api API, mask DeviceMask, op genericOp) error {
	if err := sf.acquire(api); err != nil {
		return err
	}
	// node subsets would be broadcast to nodes outside the mask
	if mask.IsNodes() && !mask.Single() && mask != AllNodesSentinel && mask != AllNodes(len(sf.acl)) {
		sf.release()
		return newError(InvalidParameter, api.String(), errors.New("node mask must be one node or all nodes"))
	}
	if err := sf.setupRequest(mask, allTargetKinds, contGeneric); err != nil {
		sf.release()
		return err
	}
	sf.gen = op
	if err := sf.runContinuation(); err != nil {
		sf.abandon()
		return err
	}
	return nil
}

// genericSend is the continuation of generic commands.
func (sf *Pack) genericSend() error {
	if sf.retriesExhausted() {
		sf.Warn("%s: no response from %v", sf.api, sf.req.pending)
		sf.finishGeneric(Timeout)
		return nil
	}
	var body packer
	switch sf.gen.reqID {
	case CmdResetReq:
		body = &resetReq{Token: sf.startTimeout()}
	case CmdFileCRCReq:
		body = &fileCRCReq{Token: sf.startTimeout(), FileType: uint8(sf.gen.fileType)}
	default:
		return newError(NotSupported, "generic request", nil)
	}
	return sf.sendRequest(sf.req.kind, sf.req.pending, sf.nodeDeviceID(), sf.gen.reqID, body)
}

// handleGenericResponse consumes the response of one device.
func (sf *Pack) handleGenericResponse(dev DeviceMask, respID uint8, token uint16, rc uint8, crc uint32) {
	if sf.req.cont != contGeneric || sf.gen.respID != respID || !sf.checkToken(token, false) {
		return
	}
	if sf.req.pending&dev == 0 {
		sf.Debug("%s: duplicate response from %v", sf.api, dev)
		return
	}
	switch rc {
	case rcWait:
		sf.waitReceived()
		return
	case rcSuccess:
		sf.req.partialSuccess = true
		if sf.gen.crcs != nil {
			sf.gen.crcs[dev.LowestID()] = crc
		}
	default:
		sf.gen.failed |= dev
		sf.gen.lastRC = translateReturnCode(rc)
		sf.Warn("%s: %v answered %s", sf.api, dev, sf.gen.lastRC)
	}
	if sf.clearPendingResponse(dev) == Success {
		sf.finishGeneric(Success)
	}
}

// finishGeneric completes a generic command. rc is Success once every
// device answered, Timeout when retries ran out, anything else when the
// request was cut short locally.
func (sf *Pack) finishGeneric(rc ResultCode) {
	succeeded := sf.req.target &^ sf.gen.failed &^ sf.req.pending
	result := rc
	switch {
	case rc == Success && sf.gen.failed == 0:
		result = Success
	case rc != Success && rc != Timeout:
		// local failure or rejected send, reported as is
	case succeeded != 0:
		result = PartialSuccess
	case rc == Timeout:
		result = Timeout
	case sf.req.target.Single():
		result = sf.gen.lastRC
	default:
		result = Fail
	}
	c := Completion{Result: result, ActiveMask: succeeded}
	if len(sf.gen.crcs) > 0 {
		c.CRCs = sf.gen.crcs
	}
	sf.gen = genericOp{}
	sf.complete(c)
}
