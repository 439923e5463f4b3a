// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/boguslaw-wojcik/crc32a"
	"github.com/looplab/fsm"
)

// FileType selects what a load-file transfer programs on the device.
type FileType uint8

const (
	FileTypeFirmware FileType = iota
	FileTypeConfig
	FileTypeContainer
)

func (t FileType) String() string {
	switch t {
	case FileTypeFirmware:
		return "firmware"
	case FileTypeConfig:
		return "config"
	case FileTypeContainer:
		return "container"
	}
	return fmt.Sprintf("filetype(%d)", uint8(t))
}

// ParseFileType parses the name returned by FileType.String.
func ParseFileType(s string) (FileType, error) {
	switch strings.ToLower(s) {
	case "firmware", "fw":
		return FileTypeFirmware, nil
	case "config", "configuration":
		return FileTypeConfig, nil
	case "container":
		return FileTypeContainer, nil
	}
	return 0, fmt.Errorf("wbms: unknown file type %q", s)
}

// Transfer phases
const (
	stateNoTransfer  = "NoTransfer"
	stateHandshaking = "Handshaking"
	stateDownload    = "Download"
	stateRetransmit  = "Retransmit"
	stateCommit      = "Commit"
)

// Transfer events
const (
	evHandshake  = "handshake"
	evDownload   = "download"
	evRetransmit = "retransmit"
	evCommit     = "commit"
	evFinish     = "finish"
)

// loadFile is the state of the running OTAP transfer.
type loadFile struct {
	fsm *fsm.FSM

	fileType    FileType
	data        []byte
	fileSize    uint32
	fileCRC     uint32
	totalBlocks int

	// current sector and the block being sent, relative to sectorBase
	sectorBase   int
	sectorBlocks int
	blockIdx     int

	// merged missing-block bitmap of the last status round
	missing      [2]uint64
	stalled      DeviceMask
	retxAttempts int

	// stuck peer guard
	lastRequested  int
	sameBlockCount int

	original DeviceMask // target at start
	active   DeviceMask // devices still eligible to succeed
	update   DeviceMask // devices taking part in the current download

	broadcastNeeded bool
	unicastToSend   DeviceMask
	unicastToRecv   DeviceMask
	unicastCurrent  DeviceMask
	unicastRounds   int // passes over the nodes still to answer

	deviceRemoved bool
}

// TransferState returns the current load-file phase name.
func (sf *Pack) TransferState() string {
	return sf.lf.fsm.Current()
}

// TransferProgress returns the number of blocks confirmed by every active
// device and the total block count of the running transfer.
func (sf *Pack) TransferProgress() (done, total int) {
	return sf.lf.sectorBase, sf.lf.totalBlocks
}

// LoadFile transfers data to the devices of mask. mask is one node, a set
// of nodes, all nodes (AllNodesSentinel or exactly the ACL), one manager or
// all managers. A nil error means the transfer started; its outcome is
// delivered as a Completion.
func (sf *Pack) LoadFile(mask DeviceMask, fileType FileType, data []byte) error {
	if err := sf.acquire(APILoadFile); err != nil {
		return err
	}
	if sf.lf.fsm.Current() != stateNoTransfer {
		sf.release()
		return newError(InvalidState, "load file", errors.New("transfer in progress"))
	}
	if len(data) == 0 {
		sf.release()
		return newError(InvalidParameter, "load file", errors.New("empty file"))
	}
	bs := sf.cfg.BlockSize
	blocks := (len(data) + bs - 1) / bs
	if blocks > MaxBlocksPerFile {
		sf.release()
		return newError(InvalidParameter, "load file", errors.New("file too large"))
	}
	if err := sf.setupRequest(mask, allTargetKinds, contHandshake); err != nil {
		sf.release()
		return err
	}

	sf.lf = loadFile{
		fsm:           sf.lf.fsm,
		fileType:      fileType,
		data:          data,
		fileSize:      uint32(len(data)),
		fileCRC:       crc32a.Checksum(data),
		totalBlocks:   blocks,
		original:      sf.req.target,
		active:        sf.req.target,
		update:        sf.req.target,
		lastRequested: -1,
	}
	sf.req.highPrio = sf.cfg.HighPriorityOTAP
	if sf.targetsNodes() && !(sf.req.kind == TargetAllNodes && sf.req.target == AllNodes(len(sf.acl))) {
		sf.lf.unicastToSend = sf.req.target
		sf.lf.unicastToRecv = sf.req.target
	} else {
		sf.lf.broadcastNeeded = true
	}
	sf.lfStats.Transfers++
	sf.Debug("load file: %s, %d bytes, %d blocks, crc %08x to %v", fileType, len(data), blocks, sf.lf.fileCRC, sf.req.target)

	sf.transition(evHandshake)
	if err := sf.runContinuation(); err != nil {
		sf.abandon()
		return err
	}
	return nil
}

func (sf *Pack) transition(ev string) {
	if err := sf.lf.fsm.Event(context.Background(), ev); err != nil {
		sf.Error("load file: event %s in %s: %v", ev, sf.lf.fsm.Current(), err)
	}
}

func (sf *Pack) inState(state string) bool {
	return sf.lf.fsm.Current() == state
}

// resetTransfer returns the transfer to NoTransfer.
func (sf *Pack) resetTransfer() {
	if !sf.inState(stateNoTransfer) {
		sf.transition(evFinish)
	}
	sf.lf = loadFile{fsm: sf.lf.fsm, lastRequested: -1}
}

// finishLoadFile completes the transfer. A Success with fewer active
// devices than originally targeted is reported as PartialSuccess.
func (sf *Pack) finishLoadFile(rc ResultCode) {
	active := sf.lf.active
	if rc == Success && active != sf.lf.original {
		rc = PartialSuccess
	}
	sf.lfStats.LastResult = rc
	sf.resetTransfer()
	sf.complete(Completion{Result: rc, ActiveMask: active})
}

// removeDevices drops devs from the transfer and notifies the host. It
// returns true when the transfer ended because no device is left.
func (sf *Pack) removeDevices(devs DeviceMask, byTimeout bool) bool {
	devs &= sf.lf.active
	if devs == 0 {
		return false
	}
	reason := Fail
	if byTimeout {
		reason = Timeout
	}
	devs.ForEach(func(d DeviceMask) {
		sf.lf.active &^= d
		sf.lf.update &^= d
		sf.lf.unicastToSend &^= d
		sf.lf.unicastToRecv &^= d
		sf.req.pending &^= d
		sf.lfStats.DevicesRemoved++
		sf.Warn("load file: device %v removed (%s)", d, reason)
		sf.handler.EventHandler(Event{Type: EventDeviceRemoved, Device: d, Reason: reason})
	})
	sf.lf.deviceRemoved = true

	if sf.lf.active != 0 {
		return false
	}
	if sf.req.partialSuccess {
		sf.finishLoadFile(Success)
	} else {
		sf.finishLoadFile(reason)
	}
	return true
}

// --- handshake ---

func (sf *Pack) handshakeReq() *otapHandshakeReq {
	return &otapHandshakeReq{
		FileType: uint8(sf.lf.fileType),
		FileSize: sf.lf.fileSize,
		FileCRC:  sf.lf.fileCRC,
	}
}

// otapHandshake is the continuation of the handshake phase.
func (sf *Pack) otapHandshake() error {
	if sf.retriesExhausted() {
		return sf.handshakeTimedOut()
	}

	if sf.lf.broadcastNeeded {
		req := sf.handshakeReq()
		req.Token = sf.startTimeout()
		sf.lfStats.HandshakesSent++
		return sf.sendRequest(sf.req.kind, sf.req.pending, sf.nodeDeviceID(), CmdOTAPHandshakeReq, req)
	}

	// unicast: requeue every node that has not answered once the send
	// chain has run out
	if sf.lf.unicastToSend == 0 {
		sf.lf.unicastRounds++
		if sf.lf.unicastRounds > sf.cfg.retryLimit() {
			return sf.handshakeTimedOut()
		}
		sf.lf.unicastToSend = sf.lf.unicastToRecv
	}
	return sf.sendNextHandshake()
}

// handshakeTimedOut drops the devices that never answered the handshake.
func (sf *Pack) handshakeTimedOut() error {
	sf.Warn("load file: handshake not answered by %v", sf.req.pending)
	if sf.removeDevices(sf.req.pending, true) {
		return nil
	}
	return sf.startDownload()
}

// sendNextHandshake sends the handshake to the lowest node still to be sent.
func (sf *Pack) sendNextHandshake() error {
	dev := sf.lf.unicastToSend.Lowest()
	if dev == 0 {
		return nil
	}
	return sf.sendHandshakeTo(dev)
}

func (sf *Pack) sendHandshakeTo(dev DeviceMask) error {
	sf.lf.unicastCurrent = dev
	req := sf.handshakeReq()
	req.Token = sf.startTimeout()
	sf.lfStats.HandshakesSent++
	return sf.sendRequest(TargetSingleNode, dev, uint8(dev.LowestID()), CmdOTAPHandshakeReq, req)
}

// handshakeSent advances the unicast chain once the manager accepted the
// handshake of the current node. Every node starts with a fresh retry budget.
func (sf *Pack) handshakeSent() error {
	if sf.lf.broadcastNeeded || sf.lf.unicastCurrent == 0 {
		return nil
	}
	sf.lf.unicastToSend &^= sf.lf.unicastCurrent
	sf.lf.unicastToSend &= sf.lf.unicastToRecv
	sf.lf.unicastCurrent = 0
	sf.req.retries = 0
	return sf.sendNextHandshake()
}

// handshakeWait reissues the handshake to the node that asked to wait. A
// node whose send is still unconfirmed goes back into the chain.
func (sf *Pack) handshakeWait(dev DeviceMask) {
	if sf.lf.broadcastNeeded {
		sf.waitReceived()
		return
	}
	sf.reqStats.WaitResponses++
	sf.req.retries = 0
	if cur := sf.lf.unicastCurrent; cur != 0 && cur != dev {
		sf.lf.unicastToSend |= cur
	}
	sf.lf.unicastToSend &^= dev
	if err := sf.sendHandshakeTo(dev); err != nil {
		sf.failRequest(err)
	}
}

func (sf *Pack) handleHandshakeResponse(dev DeviceMask, r *otapHandshakeResp) {
	if !sf.inState(stateHandshaking) || !sf.checkToken(r.Token, false) {
		return
	}
	if sf.req.pending&dev == 0 {
		return
	}
	switch r.RC {
	case rcWait:
		sf.handshakeWait(dev)
		return
	case rcSuccess:
	default:
		sf.lfStats.HandshakeFailures++
		rc := translateReturnCode(r.RC)
		sf.Warn("load file: handshake rejected by %v: %s", dev, rc)
		sf.finishLoadFile(rc)
		return
	}

	bs := uint64(sf.cfg.BlockSize)
	if r.FileSize > sf.lf.fileSize || (uint64(r.FileSize)+bs-1)/bs > MaxBlocksPerFile {
		sf.lfStats.HandshakeFailures++
		sf.Warn("load file: %v proposed file size %d, image has %d", dev, r.FileSize, sf.lf.fileSize)
		sf.finishLoadFile(Fail)
		return
	}

	sf.lf.unicastToRecv &^= dev
	if sf.clearPendingResponse(dev) != Success {
		return
	}
	if err := sf.startDownload(); err != nil {
		sf.failRequest(err)
	}
}

// --- download / retransmit ---

func (sf *Pack) startDownload() error {
	sf.lf.update = sf.lf.active
	sf.lf.sectorBase = 0
	sf.transition(evDownload)
	sf.beginSector()
	return sf.otapData()
}

func (sf *Pack) beginSector() {
	sf.lf.sectorBlocks = min(sf.cfg.BlocksPerSector(), sf.lf.totalBlocks-sf.lf.sectorBase)
	sf.lf.blockIdx = 0
	sf.lf.missing = [2]uint64{}
	sf.lf.stalled = 0
	sf.lf.retxAttempts = 0
	sf.lf.lastRequested = -1
	sf.lf.sameBlockCount = 0
	sf.req.cont = contData
	sf.req.retries = 0
}

// otapData is the continuation of a block send, in order or retransmitted.
func (sf *Pack) otapData() error {
	if sf.retriesExhausted() {
		// node blocks are confirmed by the manager for all nodes at once
		lost := sf.req.pending
		if sf.targetsNodes() {
			lost = sf.lf.update
		}
		sf.Warn("load file: block %d not confirmed by %v", sf.lf.sectorBase+sf.lf.blockIdx, lost)
		if sf.removeDevices(lost, true) {
			return nil
		}
		return sf.dataAcked()
	}

	bs := sf.cfg.BlockSize
	blk := sf.lf.sectorBase + sf.lf.blockIdx
	chunk := sf.block[:bs]
	n := copy(chunk, sf.lf.data[min(blk*bs, len(sf.lf.data)):])
	clear(chunk[n:])

	req := &otapDataReq{Token: sf.startTimeout(), Block: uint16(blk), Data: chunk}
	if sf.inState(stateRetransmit) {
		sf.lfStats.RetransmitsSent++
	} else {
		sf.lfStats.DataBlocksSent++
	}
	if !sf.targetsNodes() {
		sf.req.pending = sf.lf.update
	}
	return sf.sendRequest(sf.req.kind, sf.lf.update, sf.nodeDeviceID(), CmdOTAPDataReq, req)
}

// dataAcked moves on once the current block is confirmed: a retransmitted
// block is followed by a new status round, an in-order block by the next
// block or, at the end of the sector, by the first status round.
func (sf *Pack) dataAcked() error {
	sf.req.retries = 0
	if sf.inState(stateRetransmit) {
		return sf.startStatus()
	}
	sf.lf.blockIdx++
	if sf.lf.blockIdx < sf.lf.sectorBlocks {
		return sf.otapData()
	}
	sf.transition(evRetransmit)
	return sf.startStatus()
}

func (sf *Pack) handleDataResponse(dev DeviceMask, r *otapDataResp) {
	if sf.req.cont != contData || !sf.checkToken(r.Token, false) {
		return
	}
	if sf.req.pending&dev == 0 {
		return
	}
	switch r.RC {
	case rcWait:
		sf.waitReceived()
		return
	case rcSuccess:
		if sf.clearPendingResponse(dev) != Success {
			return
		}
	default:
		sf.Warn("load file: block rejected by %v: %s", dev, translateReturnCode(r.RC))
		if sf.removeDevices(dev, false) || sf.req.pending != 0 {
			return
		}
	}
	if err := sf.dataAcked(); err != nil {
		sf.failRequest(err)
	}
}

// startStatus begins a fresh status round against every active device.
func (sf *Pack) startStatus() error {
	sf.req.cont = contStatus
	sf.req.retries = 0
	sf.req.pending = sf.lf.active
	sf.lf.missing = [2]uint64{}
	sf.lf.stalled = 0
	return sf.otapStatus()
}

// otapStatus is the continuation of the status round. A retry asks again;
// answers already received are kept.
func (sf *Pack) otapStatus() error {
	if sf.retriesExhausted() {
		sf.Warn("load file: status not answered by %v", sf.req.pending)
		if sf.removeDevices(sf.req.pending, true) {
			return nil
		}
		return sf.evaluateStatus()
	}
	req := &otapStatusReq{
		Token:        sf.startTimeout(),
		SectorBase:   uint16(sf.lf.sectorBase),
		SectorBlocks: uint16(sf.lf.sectorBlocks),
	}
	sf.lfStats.StatusRequestsSent++
	return sf.sendRequest(sf.req.kind, sf.req.pending, sf.nodeDeviceID(), CmdOTAPStatusReq, req)
}

func (sf *Pack) handleStatusResponse(dev DeviceMask, r *otapStatusResp) {
	if sf.req.cont != contStatus || !sf.checkToken(r.Token, false) {
		return
	}
	if sf.req.pending&dev == 0 {
		return
	}
	switch r.RC {
	case rcWait:
		// restart the poll without consuming a retry
		sf.reqStats.WaitResponses++
		if err := sf.startStatus(); err != nil {
			sf.failRequest(err)
		}
		return
	case rcSuccess:
		lo, hi := sectorMask(sf.lf.sectorBlocks)
		m0, m1 := r.Missing0&lo, r.Missing1&hi
		if m0|m1 != 0 {
			sf.lf.stalled |= dev
			sf.lf.missing[0] |= m0
			sf.lf.missing[1] |= m1
		}
		if sf.clearPendingResponse(dev) != Success {
			return
		}
	default:
		sf.lfStats.StatusFailures++
		sf.Warn("load file: status failed on %v: %s", dev, translateReturnCode(r.RC))
		if sf.removeDevices(dev, false) || sf.req.pending != 0 {
			return
		}
	}
	if err := sf.evaluateStatus(); err != nil {
		sf.failRequest(err)
	}
}

// evaluateStatus acts on a completed status round: advance when nothing is
// missing, otherwise retransmit the lowest missing block.
func (sf *Pack) evaluateStatus() error {
	if sf.lf.missing == [2]uint64{} {
		return sf.nextSector()
	}

	sf.lf.retxAttempts++
	if sf.lf.retxAttempts > sf.lfStats.MaxSectorRetransmits {
		sf.lfStats.MaxSectorRetransmits = sf.lf.retxAttempts
	}
	if sf.lf.retxAttempts > sf.cfg.MaxSectorRetransmits {
		sf.Warn("load file: sector %d still incomplete after %d rounds on %v", sf.lf.sectorBase, sf.lf.retxAttempts-1, sf.lf.stalled)
		if sf.removeDevices(sf.lf.stalled, true) {
			return nil
		}
		return sf.nextSector()
	}

	blk := nextMissing(sf.lf.missing)
	// the counter restarts whenever a different block is requested
	if blk == sf.lf.lastRequested {
		sf.lf.sameBlockCount++
		if sf.lf.sameBlockCount > sf.cfg.MaxBlockRetry {
			sf.Warn("load file: block %d requested %d times, peer stuck", sf.lf.sectorBase+blk, sf.lf.sameBlockCount+1)
			sf.finishLoadFile(Fail)
			return nil
		}
	} else {
		sf.lf.lastRequested = blk
		sf.lf.sameBlockCount = 0
	}

	sf.lf.blockIdx = blk
	sf.req.cont = contData
	sf.req.retries = 0
	return sf.otapData()
}

func (sf *Pack) nextSector() error {
	sf.lf.sectorBase += sf.lf.sectorBlocks
	if sf.lf.sectorBase >= sf.lf.totalBlocks {
		return sf.startCommit()
	}
	sf.transition(evDownload)
	sf.beginSector()
	return sf.otapData()
}

// sectorMask returns the bitmap halves covering n blocks.
func sectorMask(n int) (lo, hi uint64) {
	switch {
	case n <= 0:
		return 0, 0
	case n < 64:
		return 1<<uint(n) - 1, 0
	case n == 64:
		return ^uint64(0), 0
	case n < 128:
		return ^uint64(0), 1<<uint(n-64) - 1
	}
	return ^uint64(0), ^uint64(0)
}

// nextMissing returns the lowest missing block, scanning the first half
// before the second.
func nextMissing(m [2]uint64) int {
	if m[0] != 0 {
		return bits.TrailingZeros64(m[0])
	}
	if m[1] != 0 {
		return 64 + bits.TrailingZeros64(m[1])
	}
	return -1
}

// --- commit ---

func (sf *Pack) startCommit() error {
	sf.transition(evCommit)
	sf.req.cont = contCommit
	sf.req.retries = 0
	sf.req.pending = sf.lf.active
	return sf.otapCommit()
}

// otapCommit is the continuation of the commit phase.
func (sf *Pack) otapCommit() error {
	if sf.retriesExhausted() {
		sf.Warn("load file: commit not answered by %v", sf.req.pending)
		if sf.removeDevices(sf.req.pending, true) {
			return nil
		}
		sf.finishLoadFile(Success)
		return nil
	}
	req := &otapCommitReq{
		Token:    sf.startTimeout(),
		FileType: uint8(sf.lf.fileType),
		FileCRC:  sf.lf.fileCRC,
	}
	sf.lfStats.CommitsSent++
	return sf.sendRequest(sf.req.kind, sf.req.pending, sf.nodeDeviceID(), CmdOTAPCommitReq, req)
}

func (sf *Pack) handleCommitResponse(dev DeviceMask, r *otapCommitResp) {
	if !sf.inState(stateCommit) || !sf.checkToken(r.Token, false) {
		return
	}
	if sf.req.pending&dev == 0 {
		return
	}
	switch r.RC {
	case rcWait:
		sf.waitReceived()
		return
	case rcSuccess:
		sf.req.partialSuccess = true
		if sf.clearPendingResponse(dev) == Success {
			sf.finishLoadFile(Success)
		}
		return
	case rcCRCMismatch:
		sf.lfStats.CRCFailures++
	case rcFileRejected:
		sf.lfStats.RejectedFiles++
	}
	sf.lfStats.CommitFailures++
	sf.Warn("load file: commit failed on %v: %s", dev, translateReturnCode(r.RC))
	if sf.removeDevices(dev, false) || sf.req.pending != 0 {
		return
	}
	sf.finishLoadFile(Success)
}
