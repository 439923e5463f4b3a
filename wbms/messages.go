// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"github.com/riclolsen/go-wbms/pack"
)

// packer is implemented by every message body. The same method encodes or
// decodes depending on the element direction.
type packer interface {
	pack(e *pack.Element)
}

// Fixed wire sizes checked before a body is unpacked.
const (
	sendDataHeaderSize    = 6
	sendDataRespSize      = 3
	receiveDataHeaderSize = 5
	notifAckSize          = 3
	systemStatusNotifSize = 3
	otapHandshakeReqSize  = 11
	otapHandshakeRespSize = 7
	otapDataReqHeaderSize = 4
	otapDataRespSize      = 3
	otapStatusReqSize     = 6
	otapStatusRespSize    = 19
	otapCommitReqSize     = 7
	otapCommitRespSize    = 3
	resetReqSize          = 2
	resetRespSize         = 3
	fileCRCReqSize        = 3
	fileCRCRespSize       = 7
)

// --- manager level ---

// sendDataHeader is the envelope of a node-targeted command. The inner
// command id and body follow it; length covers both.
type sendDataHeader struct {
	Token    uint16
	DeviceID uint8
	Length   uint8
	HighPrio uint8
	PortID   uint8
}

func (m *sendDataHeader) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.DeviceID)
	e.U8(&m.Length)
	e.U8(&m.HighPrio)
	e.U8(&m.PortID)
}

type sendDataResp struct {
	Token uint16
	RC    uint8
}

func (m *sendDataResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.RC)
}

// receiveDataHeader precedes a node response forwarded by a manager.
// Length covers the command id and the body.
type receiveDataHeader struct {
	NotifID  uint16
	DeviceID uint8
	Length   uint8
	CmdID    uint8
}

func (m *receiveDataHeader) pack(e *pack.Element) {
	e.U16(&m.NotifID)
	e.U8(&m.DeviceID)
	e.U8(&m.Length)
	e.U8(&m.CmdID)
}

type notifAck struct {
	NotifID uint16
	CmdID   uint8
}

func (m *notifAck) pack(e *pack.Element) {
	e.U16(&m.NotifID)
	e.U8(&m.CmdID)
}

type systemStatusNotif struct {
	NotifID uint16
	Status  uint8
}

func (m *systemStatusNotif) pack(e *pack.Element) {
	e.U16(&m.NotifID)
	e.U8(&m.Status)
}

// --- OTAP ---

type otapHandshakeReq struct {
	Token    uint16
	FileType uint8
	FileSize uint32
	FileCRC  uint32
}

func (m *otapHandshakeReq) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.FileType)
	e.U32(&m.FileSize)
	e.U32(&m.FileCRC)
}

type otapHandshakeResp struct {
	Token    uint16
	FileSize uint32
	RC       uint8
}

func (m *otapHandshakeResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U32(&m.FileSize)
	e.U8(&m.RC)
}

// otapDataReq carries one block. Data is sized by the caller: BlockSize
// on write, the declared remainder on read.
type otapDataReq struct {
	Token uint16
	Block uint16
	Data  []byte
}

func (m *otapDataReq) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U16(&m.Block)
	e.Block(m.Data)
}

type otapDataResp struct {
	Token uint16
	RC    uint8
}

func (m *otapDataResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.RC)
}

type otapStatusReq struct {
	Token        uint16
	SectorBase   uint16
	SectorBlocks uint16
}

func (m *otapStatusReq) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U16(&m.SectorBase)
	e.U16(&m.SectorBlocks)
}

// otapStatusResp reports the blocks of the current sector still missing:
// bit i of Missing0 is block i, bit i of Missing1 is block 64+i.
type otapStatusResp struct {
	Token    uint16
	Missing0 uint64
	Missing1 uint64
	RC       uint8
}

func (m *otapStatusResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U64(&m.Missing0)
	e.U64(&m.Missing1)
	e.U8(&m.RC)
}

type otapCommitReq struct {
	Token    uint16
	FileType uint8
	FileCRC  uint32
}

func (m *otapCommitReq) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.FileType)
	e.U32(&m.FileCRC)
}

type otapCommitResp struct {
	Token uint16
	RC    uint8
}

func (m *otapCommitResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.RC)
}

// --- generic commands ---

type resetReq struct {
	Token uint16
}

func (m *resetReq) pack(e *pack.Element) {
	e.U16(&m.Token)
}

type resetResp struct {
	Token uint16
	RC    uint8
}

func (m *resetResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.RC)
}

type fileCRCReq struct {
	Token    uint16
	FileType uint8
}

func (m *fileCRCReq) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U8(&m.FileType)
}

type fileCRCResp struct {
	Token uint16
	CRC   uint32
	RC    uint8
}

func (m *fileCRCResp) pack(e *pack.Element) {
	e.U16(&m.Token)
	e.U32(&m.CRC)
	e.U8(&m.RC)
}
