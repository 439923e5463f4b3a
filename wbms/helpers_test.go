// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/riclolsen/go-wbms/pack"
)

// fakeTransport records every submitted transaction together with the
// retry count of the request that sent it.
type fakeTransport struct {
	frames  [][]byte
	retries []int
	err     error
	stamp   func() int
}

func (t *fakeTransport) SubmitFrame(frame []byte) error {
	if t.err != nil {
		return t.err
	}
	t.frames = append(t.frames, append([]byte(nil), frame...))
	if t.stamp != nil {
		t.retries = append(t.retries, t.stamp())
	} else {
		t.retries = append(t.retries, 0)
	}
	return nil
}

// recorder is a HandlerInterface keeping every completion and event.
type recorder struct {
	completions []Completion
	events      []Event
}

func (r *recorder) CompletionHandler(c Completion) { r.completions = append(r.completions, c) }
func (r *recorder) EventHandler(e Event)           { r.events = append(r.events, e) }

func (r *recorder) last(t *testing.T) Completion {
	t.Helper()
	if len(r.completions) == 0 {
		t.Fatal("no completion delivered")
	}
	return r.completions[len(r.completions)-1]
}

func (r *recorder) eventsOf(typ EventType) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testBench struct {
	p   *Pack
	rec *recorder
	clk *fakeClock
	tr  [2]*fakeTransport
}

// newTestPack builds a pack with connected fake ports and an ACL of nodes entries.
func newTestPack(t *testing.T, cfg Config, nodes int) *testBench {
	t.Helper()
	if err := cfg.Valid(); err != nil {
		t.Fatalf("config: %v", err)
	}
	b := &testBench{
		rec: &recorder{},
		clk: &fakeClock{now: time.Unix(1700000000, 0)},
	}
	p, err := NewPack(b.rec, NewOption().SetConfig(cfg).SetClock(b.clk.Now))
	if err != nil {
		t.Fatalf("NewPack: %v", err)
	}
	b.p = p
	roles := []Role{RolePrimary}
	if cfg.DualManager {
		roles = append(roles, RoleSecondary)
	}
	for _, r := range roles {
		b.tr[r] = &fakeTransport{stamp: func() int { return p.req.retries }}
		if err := p.AddPort(r, b.tr[r]); err != nil {
			t.Fatalf("AddPort(%s): %v", r, err)
		}
		if err := p.SetConnected(r, true); err != nil {
			t.Fatalf("SetConnected(%s): %v", r, err)
		}
	}
	acl := make([]MAC, nodes)
	for i := range acl {
		acl[i][7] = byte(i)
	}
	if err := p.SetACL(acl); err != nil {
		t.Fatalf("SetACL: %v", err)
	}
	return b
}

// raw packs a byte slice as is.
type raw []byte

func (r raw) pack(e *pack.Element) { e.Block(r) }

func packBody(bodies ...packer) []byte {
	buf := make([]byte, MaxPayload)
	e, _ := pack.NewElement(buf, pack.Write, 0, MaxPayload)
	for _, b := range bodies {
		b.pack(e)
	}
	return append([]byte(nil), e.Bytes()...)
}

func readElement(b []byte) *pack.Element {
	e, _ := pack.NewElement(b, pack.Read, 0, len(b))
	return e
}

// sentReq is a request transaction decoded the way a manager would.
type sentReq struct {
	role    Role
	msgID   uint8
	env     *sendDataHeader
	cmdID   uint8
	body    []byte
	raw     []byte
	seq     uint16
	retries int // retry count of the request when it was sent
	token   uint16
	block   int // data requests
	base    int // status requests
	notifID uint16
}

func decodeSent(t *testing.T, role Role, frame []byte) sentReq {
	t.Helper()
	f, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("pack sent an invalid frame: %v", err)
	}
	r := sentReq{role: role, msgID: f.MsgID, cmdID: f.MsgID, raw: frame, seq: f.Seq, block: -1, base: -1}
	switch f.MsgID {
	case MsgSendDataReq:
		var env sendDataHeader
		env.pack(f.Payload)
		f.Payload.U8(&r.cmdID)
		r.env = &env
		r.body = make([]byte, int(env.Length)-1)
		f.Payload.Block(r.body)
	case MsgNotifAck:
		var a notifAck
		a.pack(f.Payload)
		r.notifID = a.NotifID
		r.cmdID = a.CmdID
		return r
	default:
		r.body = append([]byte(nil), f.Payload.Window()...)
	}
	el := readElement(r.body)
	el.U16(&r.token)
	switch r.cmdID {
	case CmdOTAPDataReq:
		var blk uint16
		el.U16(&blk)
		r.block = int(blk)
	case CmdOTAPStatusReq:
		var base uint16
		el.U16(&base)
		r.base = int(base)
	}
	return r
}

// simDevice scripts how one node or manager answers.
type simDevice struct {
	silent      bool
	handshakeRC uint8
	proposeSize uint32
	// missing returns the status bitmap for a sector on the given round
	missing  func(sectorBase, round int) (uint64, uint64)
	rounds   map[int]int
	commitRC uint8
	resetRC  uint8
	crc      uint32
	waitOnce bool
	// waits answers the given command ids with wait that many times
	waits map[uint8]int
}

// sim plays the managers and nodes behind the fake transports.
type sim struct {
	t     *testing.T
	b     *testBench
	seen  [2]int
	nodes map[int]*simDevice
	mgrs  map[Role]*simDevice
	sent  []sentReq
	ackRC uint8
	noAck bool
	// dupAcks delivers every envelope acknowledgment twice
	dupAcks bool
	// ackWaits answers envelopes of the given inner command ids with a
	// wait acknowledgment that many times, without forwarding them
	ackWaits map[uint8]int
	// drop swallows a request without any answer
	drop func(r sentReq) bool
}

func newSim(t *testing.T, b *testBench) *sim {
	return &sim{t: t, b: b, nodes: map[int]*simDevice{}, mgrs: map[Role]*simDevice{}, ackWaits: map[uint8]int{}}
}

func (s *sim) node(id int) *simDevice {
	d := &simDevice{rounds: map[int]int{}, waits: map[uint8]int{}}
	s.nodes[id] = d
	return d
}

func (s *sim) manager(r Role) *simDevice {
	d := &simDevice{rounds: map[int]int{}, waits: map[uint8]int{}}
	s.mgrs[r] = d
	return d
}

// run serves frames until the pack stops sending.
func (s *sim) run() {
	s.t.Helper()
	for i := 0; i < 100000; i++ {
		served := false
		for role, tr := range s.b.tr {
			if tr == nil || s.seen[role] >= len(tr.frames) {
				continue
			}
			frame, retries := tr.frames[s.seen[role]], tr.retries[s.seen[role]]
			s.seen[role]++
			s.serve(Role(role), frame, retries)
			served = true
		}
		if !served {
			return
		}
	}
	s.t.Fatal("simulation did not settle")
}

func (s *sim) serve(role Role, frame []byte, retries int) {
	r := decodeSent(s.t, role, frame)
	r.retries = retries
	s.sent = append(s.sent, r)
	if r.msgID == MsgNotifAck || s.drop != nil && s.drop(r) {
		return
	}
	if r.env != nil {
		if s.ackWaits[r.cmdID] > 0 {
			s.ackWaits[r.cmdID]--
			s.injectSeq(role, r.seq, MsgSendDataResp, &sendDataResp{Token: r.env.Token, RC: rcWait})
			return
		}
		if !s.noAck {
			s.injectSeq(role, r.seq, MsgSendDataResp, &sendDataResp{Token: r.env.Token, RC: s.ackRC})
			if s.dupAcks {
				s.injectSeq(role, r.seq, MsgSendDataResp, &sendDataResp{Token: r.env.Token, RC: s.ackRC})
			}
		}
		var ids []int
		if r.env.DeviceID == BroadcastDeviceID {
			for id := range s.nodes {
				ids = append(ids, id)
			}
			sort.Ints(ids)
		} else {
			ids = []int{int(r.env.DeviceID)}
		}
		for _, id := range ids {
			d := s.nodes[id]
			if d == nil || d.silent {
				continue
			}
			if cmd, resp := s.answer(d, r, false); resp != nil {
				s.injectNode(role, id, cmd, resp)
			}
		}
		return
	}
	d := s.mgrs[role]
	if d == nil || d.silent {
		return
	}
	if cmd, resp := s.answer(d, r, true); resp != nil {
		s.inject(role, cmd, resp)
	}
}

func (s *sim) answer(d *simDevice, r sentReq, manager bool) (uint8, packer) {
	el := readElement(r.body)
	if d.waits[r.cmdID] > 0 {
		d.waits[r.cmdID]--
		return r.cmdID + 1, waitResp(r.cmdID, r.token)
	}
	switch r.cmdID {
	case CmdOTAPHandshakeReq:
		var q otapHandshakeReq
		q.pack(el)
		size := q.FileSize
		if d.proposeSize != 0 {
			size = d.proposeSize
		}
		return CmdOTAPHandshakeResp, &otapHandshakeResp{Token: q.Token, FileSize: size, RC: d.handshakeRC}
	case CmdOTAPDataReq:
		if !manager {
			return 0, nil
		}
		return CmdOTAPDataResp, &otapDataResp{Token: r.token, RC: rcSuccess}
	case CmdOTAPStatusReq:
		var q otapStatusReq
		q.pack(el)
		round := d.rounds[int(q.SectorBase)]
		d.rounds[int(q.SectorBase)]++
		var m0, m1 uint64
		if d.missing != nil {
			m0, m1 = d.missing(int(q.SectorBase), round)
		}
		return CmdOTAPStatusResp, &otapStatusResp{Token: q.Token, Missing0: m0, Missing1: m1, RC: rcSuccess}
	case CmdOTAPCommitReq:
		return CmdOTAPCommitResp, &otapCommitResp{Token: r.token, RC: d.commitRC}
	case CmdResetReq:
		return CmdResetResp, &resetResp{Token: r.token, RC: d.generic(d.resetRC)}
	case CmdFileCRCReq:
		return CmdFileCRCResp, &fileCRCResp{Token: r.token, CRC: d.crc, RC: d.generic(rcSuccess)}
	}
	return 0, nil
}

// waitResp is the wait answer to the request cmdID.
func waitResp(cmdID uint8, token uint16) packer {
	switch cmdID {
	case CmdOTAPHandshakeReq:
		return &otapHandshakeResp{Token: token, RC: rcWait}
	case CmdOTAPDataReq:
		return &otapDataResp{Token: token, RC: rcWait}
	case CmdOTAPStatusReq:
		return &otapStatusResp{Token: token, RC: rcWait}
	case CmdOTAPCommitReq:
		return &otapCommitResp{Token: token, RC: rcWait}
	case CmdResetReq:
		return &resetResp{Token: token, RC: rcWait}
	}
	return &fileCRCResp{Token: token, RC: rcWait}
}

func (d *simDevice) generic(rc uint8) uint8 {
	if d.waitOnce {
		d.waitOnce = false
		return rcWait
	}
	return rc
}

func (s *sim) inject(role Role, msgID uint8, body packer) {
	s.injectSeq(role, 0, msgID, body)
}

// injectSeq delivers a frame carrying seq, as managers do when they echo
// the sequence of the request they accept.
func (s *sim) injectSeq(role Role, seq uint16, msgID uint8, body packer) {
	frame, err := EncodeFrame(0, seq, msgID, packBody(body))
	if err != nil {
		s.t.Fatalf("EncodeFrame: %v", err)
	}
	if err := s.b.p.HandleFrame(role, frame); err != nil {
		s.t.Fatalf("HandleFrame: %v", err)
	}
}

func (s *sim) injectNode(role Role, id int, cmdID uint8, body packer) {
	inner := packBody(body)
	hdr := receiveDataHeader{DeviceID: uint8(id), Length: uint8(1 + len(inner)), CmdID: cmdID}
	frame, err := EncodeFrame(0, 0, MsgReceiveDataNotif, packBody(&hdr, raw(inner)))
	if err != nil {
		s.t.Fatalf("EncodeFrame: %v", err)
	}
	if err := s.b.p.HandleFrame(role, frame); err != nil {
		s.t.Fatalf("HandleFrame: %v", err)
	}
}

// requests returns the sent requests with the given command id.
func (s *sim) requests(cmdID uint8) []sentReq {
	var out []sentReq
	for _, r := range s.sent {
		if r.cmdID == cmdID && r.msgID != MsgNotifAck {
			out = append(out, r)
		}
	}
	return out
}

func (s *sim) blocks() []int {
	var out []int
	for _, r := range s.requests(CmdOTAPDataReq) {
		out = append(out, r.block)
	}
	return out
}

// timeoutTick moves the clock past the response deadline and runs one cycle.
func (b *testBench) timeoutTick() {
	b.clk.Advance(b.p.cfg.ResponseTimeout)
	b.p.Process()
}

func wantCode(t *testing.T, err error, code ResultCode) {
	t.Helper()
	var we *Error
	if !errors.As(err, &we) {
		t.Fatalf("err = %v, want code %s", err, code)
	}
	if we.Code != code {
		t.Fatalf("err code = %s, want %s", we.Code, code)
	}
}

func seqInts(from, to int) []int {
	var out []int
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}
