// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
	"slices"
	"time"
)

// continuation selects the phase function resumed by responses and by
// the retry tick.
type continuation uint8

const (
	contNone continuation = iota
	contGeneric
	contHandshake
	contData
	contStatus
	contCommit
)

var allTargetKinds = []TargetKind{TargetSingleNode, TargetAllNodes, TargetSingleManager, TargetAllManagers}

// pendingRequest is the single live request of the pack. token 0 means
// no request is active.
type pendingRequest struct {
	token          uint16
	target         DeviceMask
	kind           TargetKind
	pending        DeviceMask
	retries        int
	deadline       time.Time
	timing         bool
	cont           continuation
	partialSuccess bool
	highPrio       bool

	// frame sequence of the last node send the manager has not yet accepted
	ackSeq     uint16
	ackPending bool
}

// resolveTarget validates mask and returns the effective target set and kind.
// A multi-node mask narrower than the ACL resolves to TargetAllNodes with
// the subset as target.
func (sf *Pack) resolveTarget(mask DeviceMask) (DeviceMask, TargetKind, error) {
	if !mask.Exclusive() {
		return 0, 0, newError(InvalidParameter, "resolve target", errors.New("mask empty or mixing nodes and managers"))
	}

	if mask.IsManagers() {
		if mask == AllManagersSentinel {
			if sf.ports[RolePrimary] == nil {
				return 0, 0, newError(InvalidParameter, "resolve target", errors.New("no manager port"))
			}
			target := ManagerA
			if sf.cfg.DualManager && sf.ports[RoleSecondary] != nil {
				target |= ManagerB
			}
			return target, TargetAllManagers, nil
		}
		role, _ := mask.Role()
		if p := sf.ports[role]; p == nil || !p.connected {
			return 0, 0, newError(InvalidParameter, "resolve target", errors.New("manager not connected"))
		}
		return mask, TargetSingleManager, nil
	}

	n := len(sf.acl)
	all := AllNodes(n)
	if n == 0 || mask&^all != 0 && mask != AllNodesSentinel {
		return 0, 0, newError(InvalidParameter, "resolve target", errors.New("node not in acl"))
	}
	if mask == AllNodesSentinel || mask == all {
		return all, TargetAllNodes, nil
	}
	if mask.Single() {
		return mask, TargetSingleNode, nil
	}
	return mask, TargetAllNodes, nil
}

// setupRequest installs a new request for mask. On error the previous
// request state is left untouched.
func (sf *Pack) setupRequest(mask DeviceMask, allowed []TargetKind, cont continuation) error {
	target, kind, err := sf.resolveTarget(mask)
	if err != nil {
		return err
	}
	if !slices.Contains(allowed, kind) {
		return newError(InvalidParameter, "setup request", errors.New("target kind "+kind.String()+" not allowed"))
	}
	sf.req = pendingRequest{
		token:   sf.nextToken(),
		target:  target,
		kind:    kind,
		pending: target,
		cont:    cont,
	}
	sf.reqStats.TokensIssued++
	sf.Debug("request token %d target %v (%s)", sf.req.token, target, kind)
	return nil
}

// nextToken increments the token counter, skipping 0 on wraparound.
func (sf *Pack) nextToken() uint16 {
	sf.lastToken++
	if sf.lastToken == 0 {
		sf.lastToken = 1
	}
	return sf.lastToken
}

// clearPendingResponse removes one device from the pending set. It returns
// Success once the set is empty, InProgress while devices remain and
// InvalidParameter for a multi-bit mask, an unknown device or no request.
func (sf *Pack) clearPendingResponse(dev DeviceMask) ResultCode {
	if sf.req.token == 0 || !dev.Single() || sf.req.pending&dev == 0 {
		return InvalidParameter
	}
	sf.req.pending &^= dev
	if sf.req.pending == 0 {
		return Success
	}
	return InProgress
}

// startTimeout arms the response deadline and returns the token to put
// in the outgoing message.
func (sf *Pack) startTimeout() uint16 {
	sf.req.deadline = sf.now().Add(sf.cfg.ResponseTimeout)
	sf.req.timing = true
	return sf.req.token
}

// checkForTimeout is the retry tick. When the deadline of the active
// request has passed it bumps the retry counter and resumes the
// continuation, which decides between resending and giving up.
func (sf *Pack) checkForTimeout(now time.Time) {
	if sf.req.token == 0 || !sf.req.timing || now.Before(sf.req.deadline) {
		return
	}
	sf.req.timing = false
	sf.req.retries++
	sf.reqStats.Retries++
	if sf.req.retries > sf.reqStats.MaxRetries {
		sf.reqStats.MaxRetries = sf.req.retries
	}
	sf.Debug("request token %d timed out, retry %d", sf.req.token, sf.req.retries)
	sf.resume()
}

// retriesExhausted reports whether the active request passed its retry ceiling.
func (sf *Pack) retriesExhausted() bool {
	return sf.req.retries > sf.cfg.retryLimit()
}

// checkToken reports whether token belongs to the active request and
// optionally clears the active token.
func (sf *Pack) checkToken(token uint16, clearIfMatch bool) bool {
	if token == 0 || token != sf.req.token {
		sf.reqStats.StaleResponses++
		return false
	}
	if clearIfMatch {
		sf.req.token = 0
	}
	return true
}

// runContinuation invokes the phase function of the active request.
func (sf *Pack) runContinuation() error {
	switch sf.req.cont {
	case contGeneric:
		return sf.genericSend()
	case contHandshake:
		return sf.otapHandshake()
	case contData:
		return sf.otapData()
	case contStatus:
		return sf.otapStatus()
	case contCommit:
		return sf.otapCommit()
	}
	return nil
}

// resume runs the continuation from an asynchronous context, where a local
// send failure ends the operation through the completion.
func (sf *Pack) resume() {
	if err := sf.runContinuation(); err != nil {
		sf.failRequest(err)
	}
}

// checkSendAck reports whether seq acknowledges the last node send. Each
// send is accepted once; duplicated or superseded acknowledgments carry the
// same token and are told apart by the echoed frame sequence.
func (sf *Pack) checkSendAck(seq uint16) bool {
	if !sf.req.ackPending || seq != sf.req.ackSeq {
		sf.reqStats.StaleResponses++
		return false
	}
	sf.req.ackPending = false
	return true
}

// waitReceived handles a remote wait code: the request is reissued with a
// fresh retry budget.
func (sf *Pack) waitReceived() {
	sf.reqStats.WaitResponses++
	sf.req.retries = 0
	sf.resume()
}

// failRequest ends the running operation after a local send failure.
func (sf *Pack) failRequest(err error) {
	sf.Error("%s: send failed: %v", sf.api, err)
	sf.terminate(Fail)
}

// terminate ends the running operation with rc.
func (sf *Pack) terminate(rc ResultCode) {
	if sf.api == APILoadFile {
		sf.finishLoadFile(rc)
		return
	}
	sf.finishGeneric(rc)
}

// --- submission ---

// sendRequest packs body behind cmdID and submits it. Node targets are
// wrapped in a send-data envelope addressed to devID; manager targets are
// sent directly to every manager in target.
func (sf *Pack) sendRequest(kind TargetKind, target DeviceMask, devID uint8, cmdID uint8, body packer) error {
	switch kind {
	case TargetSingleNode, TargetAllNodes:
		return sf.sendToNodes(devID, cmdID, body)
	case TargetSingleManager, TargetAllManagers:
		return sf.sendToManagers(target, cmdID, body)
	}
	return newError(InvalidParameter, "send request", nil)
}

// nodePort picks the manager port for node traffic: managers alternate when
// dual, falling back to whichever is connected.
func (sf *Pack) nodePort() *Port {
	preferred := sf.nodeRole
	if sf.cfg.DualManager {
		sf.nodeRole ^= 1
	}
	if p := sf.ports[preferred]; p != nil && p.connected {
		return p
	}
	if p := sf.ports[preferred^1]; p != nil && p.connected {
		return p
	}
	return nil
}

func (sf *Pack) sendToNodes(devID uint8, cmdID uint8, body packer) error {
	p := sf.nodePort()
	if p == nil {
		return ErrNotConnected
	}
	payload, err := beginFrame(p.userBuf[:])
	if err != nil {
		return err
	}
	inner, err := payload.Sub(sendDataHeaderSize, payload.Size-sendDataHeaderSize)
	if err != nil {
		return err
	}
	inner.U8(&cmdID)
	body.pack(inner)

	env := sendDataHeader{
		Token:    sf.req.token,
		DeviceID: devID,
		Length:   uint8(inner.Data),
		PortID:   nodeCommandPort,
	}
	if sf.req.highPrio {
		env.HighPrio = 1
	}
	env.pack(payload)
	payload.Skip(inner.Data)

	if err := sf.seal(p.userBuf[:], MsgSendDataReq, payload); err != nil {
		return err
	}
	if err := p.submit(p.userBuf[:]); err != nil {
		return err
	}
	sf.req.ackSeq = sf.seq
	sf.req.ackPending = true
	return nil
}

// sendToManagers submits to the lowest manager of target and duplicates the
// identical frame to the second one.
func (sf *Pack) sendToManagers(target DeviceMask, cmdID uint8, body packer) error {
	first, ok := target.Lowest().Role()
	if !ok {
		return newError(InvalidParameter, "send to managers", nil)
	}
	p := sf.ports[first]
	if p == nil {
		return ErrNotConnected
	}
	payload, err := beginFrame(p.userBuf[:])
	if err != nil {
		return err
	}
	body.pack(payload)
	if err := sf.seal(p.userBuf[:], cmdID, payload); err != nil {
		return err
	}
	if err := p.submit(p.userBuf[:]); err != nil {
		return err
	}

	rest := target &^ first.Mask()
	if rest == 0 {
		return nil
	}
	second, _ := rest.Role()
	q := sf.ports[second]
	if q == nil {
		return nil
	}
	q.userBuf = p.userBuf
	if err := q.submit(q.userBuf[:]); err != nil {
		// the missing response is handled by the retry tick
		sf.Warn("duplicate to %s port failed: %v", second, err)
		return nil
	}
	q.stats.DuplicatedFrames++
	return nil
}

// nodeDeviceID returns the envelope device id for the active request.
func (sf *Pack) nodeDeviceID() uint8 {
	if sf.req.kind == TargetSingleNode {
		return uint8(sf.req.target.LowestID())
	}
	return BroadcastDeviceID
}

func (sf *Pack) targetsNodes() bool {
	return sf.req.kind == TargetSingleNode || sf.req.kind == TargetAllNodes
}
