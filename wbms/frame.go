// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/riclolsen/go-wbms/pack"
)

// Transaction frame layout
//
//	| frameType | session | sequence(2) | msgId | length | payload ... | crc32(4) |
//	0           1         2             4       5        6             252
const (
	TransactionSize  = 256
	FrameHeaderSize  = 4
	PacketHeaderSize = 2
	CRCSize          = 4
	HeaderSize       = FrameHeaderSize + PacketHeaderSize
	MaxPayload       = TransactionSize - HeaderSize - CRCSize // 246
	crcOffset        = TransactionSize - CRCSize

	// FrameType marks a valid transaction on the link
	FrameType byte = 0xA5

	// BroadcastDeviceID addresses every node in a send-data envelope
	BroadcastDeviceID uint8 = 0xFF
)

// Manager-level message ids
const (
	MsgSendDataReq       uint8 = 0x20
	MsgSendDataResp      uint8 = 0x21
	MsgReceiveDataNotif  uint8 = 0x22
	MsgNotifAck          uint8 = 0x30
	MsgSystemStatusNotif uint8 = 0x31
)

// Command ids. Node commands travel inside the send-data envelope, manager
// commands use the id as the packet message id.
const (
	CmdOTAPHandshakeReq  uint8 = 0x40
	CmdOTAPHandshakeResp uint8 = 0x41
	CmdOTAPDataReq       uint8 = 0x42
	CmdOTAPDataResp      uint8 = 0x43
	CmdOTAPStatusReq     uint8 = 0x44
	CmdOTAPStatusResp    uint8 = 0x45
	CmdOTAPCommitReq     uint8 = 0x46
	CmdOTAPCommitResp    uint8 = 0x47
	CmdResetReq          uint8 = 0x50
	CmdResetResp         uint8 = 0x51
	CmdFileCRCReq        uint8 = 0x52
	CmdFileCRCResp       uint8 = 0x53
)

// frame errors
var (
	errFrameLength = errors.New("wbms: invalid transaction length")
	errFrameType   = errors.New("wbms: invalid frame type")
	errFrameCRC    = errors.New("wbms: frame crc mismatch")
	errPayloadLen  = errors.New("wbms: payload length exceeds transaction")
)

// Frame is a decoded inbound transaction.
type Frame struct {
	Session uint8
	Seq     uint16
	MsgID   uint8
	// Payload is a read element sized to the declared payload length.
	Payload *pack.Element
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame session=%d seq=%d msg=0x%02X len=%d", f.Session, f.Seq, f.MsgID, f.Payload.Size)
}

type frameHeader struct {
	frameType uint8
	session   uint8
	seq       uint16
	msgID     uint8
	length    uint8
}

func (h *frameHeader) pack(e *pack.Element) {
	e.U8(&h.frameType)
	e.U8(&h.session)
	e.U16(&h.seq)
	e.U8(&h.msgID)
	e.U8(&h.length)
}

// beginFrame clears buf and returns a write element over its payload region.
func beginFrame(buf []byte) (*pack.Element, error) {
	if len(buf) != TransactionSize {
		return nil, errFrameLength
	}
	clear(buf)
	return pack.NewElement(buf, pack.Write, HeaderSize, MaxPayload)
}

// sealFrame writes the headers for the packed payload and the trailing CRC.
func sealFrame(buf []byte, session uint8, seq uint16, msgID uint8, payload *pack.Element) error {
	hdrEl, err := pack.NewElement(buf, pack.Write, 0, HeaderSize)
	if err != nil {
		return err
	}
	hdr := frameHeader{
		frameType: FrameType,
		session:   session,
		seq:       seq,
		msgID:     msgID,
		length:    uint8(payload.Data),
	}
	hdr.pack(hdrEl)

	crcEl, err := pack.NewElement(buf, pack.Write, crcOffset, CRCSize)
	if err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(buf[:crcOffset])
	crcEl.U32(&crc)
	return nil
}

// DecodeFrame validates a transaction and returns its headers and payload.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) != TransactionSize {
		return nil, errFrameLength
	}
	el, err := pack.NewElement(buf, pack.Read, 0, TransactionSize)
	if err != nil {
		return nil, err
	}
	var hdr frameHeader
	hdr.pack(el)
	if hdr.frameType != FrameType {
		return nil, errFrameType
	}

	crcEl, _ := el.Sub(crcOffset, CRCSize)
	var crc uint32
	crcEl.U32(&crc)
	if crc != crc32.ChecksumIEEE(buf[:crcOffset]) {
		return nil, errFrameCRC
	}

	if int(hdr.length) > MaxPayload {
		return nil, errPayloadLen
	}
	payload, err := el.Sub(HeaderSize, int(hdr.length))
	if err != nil {
		return nil, err
	}
	return &Frame{
		Session: hdr.session,
		Seq:     hdr.seq,
		MsgID:   hdr.msgID,
		Payload: payload,
	}, nil
}

// EncodeFrame builds a complete transaction around an already packed
// payload. It is used by tests and by peers simulating a manager.
func EncodeFrame(session uint8, seq uint16, msgID uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errPayloadLen
	}
	buf := make([]byte, TransactionSize)
	el, err := beginFrame(buf)
	if err != nil {
		return nil, err
	}
	el.Block(payload)
	if err := sealFrame(buf, session, seq, msgID, el); err != nil {
		return nil, err
	}
	return buf, nil
}
