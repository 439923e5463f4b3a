// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package wbms implements the host side of a wireless battery management
// system link: request/response correlation against one or two network
// managers and the OTAP load-file transfer to nodes and managers.
//
// A Pack is driven cooperatively. The host feeds every received transaction
// to HandleFrame and calls Process periodically; results are delivered to
// the HandlerInterface. A Pack is not safe for concurrent use, all calls
// must come from one goroutine.
package wbms

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/riclolsen/go-wbms/clog"
	"github.com/riclolsen/go-wbms/pack"
)

// MAC is the identity of a node in the manager access control list.
type MAC [8]byte

func (m MAC) String() string {
	var sb strings.Builder
	for i, b := range m {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

// ParseMAC parses a MAC written as 16 hex digits, optionally separated by ':' or '-'.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(clean) != 2*len(m) {
		return m, errors.New("wbms: mac must have 8 octets")
	}
	if _, err := hex.Decode(m[:], []byte(clean)); err != nil {
		return m, err
	}
	return m, nil
}

// node command port inside the send-data envelope
const nodeCommandPort uint8 = 1

// Pack is the protocol engine for one battery pack network.
type Pack struct {
	option  Option
	cfg     Config
	handler HandlerInterface

	ports    [2]*Port
	nodeRole Role // port used by the next node-targeted send
	acl      []MAC

	// busy is held from the entry of a public operation until its
	// completion is delivered or it fails synchronously
	busy bool
	api  API

	lastToken uint16
	seq       uint16
	req       pendingRequest
	gen       genericOp
	lf        loadFile
	block     [MaxBlockSize]byte

	reqStats RequestStats
	lfStats  LoadFileStats

	clog.Clog
}

// NewPack creates a pack engine. Ports are bound afterwards with AddPort.
func NewPack(handler HandlerInterface, o *Option) (*Pack, error) {
	if o == nil {
		o = NewOption()
	}
	opt := *o
	if err := opt.config.Valid(); err != nil {
		return nil, err
	}
	if opt.clock == nil {
		opt.clock = time.Now
	}
	if handler == nil {
		handler = nopHandler{}
	}

	sf := &Pack{
		option:  opt,
		cfg:     opt.config,
		handler: handler,
		Clog:    clog.NewLogger("wbms pack => "),
	}
	if opt.logProvider != nil {
		sf.SetLogProvider(opt.logProvider)
	}
	sf.LogMode(opt.logMode)
	sf.lf.fsm = sf.newTransferFSM()
	return sf, nil
}

// SetLogMode enables or disables logging output.
func (sf *Pack) SetLogMode(enable bool) {
	sf.Clog.LogMode(enable)
}

// Config returns the validated configuration in use.
func (sf *Pack) Config() Config {
	return sf.cfg
}

// AddPort binds a manager transport to a port role. The port starts
// disconnected; call SetConnected once the link is up.
func (sf *Pack) AddPort(role Role, t Transport) error {
	if t == nil || role > RoleSecondary {
		return newError(InvalidParameter, "add port", nil)
	}
	if role == RoleSecondary && !sf.cfg.DualManager {
		return newError(InvalidParameter, "add port", errors.New("secondary port requires dual manager"))
	}
	if sf.ports[role] != nil {
		return newError(InvalidState, "add port", errors.New("port already bound"))
	}
	p, err := newPort(role, t, sf.cfg.AckQueueSize)
	if err != nil {
		return err
	}
	sf.ports[role] = p
	return nil
}

// Port returns the port bound to role, or nil.
func (sf *Pack) Port(role Role) *Port {
	if role > RoleSecondary {
		return nil
	}
	return sf.ports[role]
}

// SetConnected records the link state of a port and notifies the handler.
func (sf *Pack) SetConnected(role Role, connected bool) error {
	p := sf.Port(role)
	if p == nil {
		return newError(InvalidParameter, "set connected", nil)
	}
	if p.connected == connected {
		return nil
	}
	p.connected = connected
	ev := Event{Type: EventPortDisconnected, Role: role}
	if connected {
		ev.Type = EventPortConnected
		sf.Debug("%s port connected", role)
	} else {
		sf.Warn("%s port disconnected", role)
	}
	sf.handler.EventHandler(ev)
	return nil
}

// SetACL replaces the live node list. Node i of the list is device id i.
func (sf *Pack) SetACL(acl []MAC) error {
	if sf.busy {
		return ErrBusy
	}
	if len(acl) > MaxNodes {
		return newError(InvalidParameter, "set acl", errors.New("more than 62 nodes"))
	}
	sf.acl = append(sf.acl[:0], acl...)
	return nil
}

// ACL returns a copy of the live node list.
func (sf *Pack) ACL() []MAC {
	return append([]MAC(nil), sf.acl...)
}

// NodeCount returns the number of nodes in the live ACL.
func (sf *Pack) NodeCount() int {
	return len(sf.acl)
}

// Busy reports whether a public operation is in flight.
func (sf *Pack) Busy() bool {
	return sf.busy
}

// Process runs one cooperative cycle: it fires the retry tick of the
// active request and sends at most one queued acknowledgment per port.
func (sf *Pack) Process() {
	sf.checkForTimeout(sf.now())
	for _, p := range sf.ports {
		if p != nil {
			sf.sendAck(p)
		}
	}
}

func (sf *Pack) now() time.Time {
	return sf.option.clock()
}

// acquire marks the pack busy for api. Every successful acquire is paired
// with exactly one release, either on a synchronous error path or when
// the completion is delivered.
func (sf *Pack) acquire(api API) error {
	if sf.busy {
		return ErrBusy
	}
	sf.busy = true
	sf.api = api
	return nil
}

func (sf *Pack) release() {
	sf.busy = false
	sf.api = APINone
}

// complete delivers the completion of the running operation and frees the pack.
func (sf *Pack) complete(c Completion) {
	c.API = sf.api
	sf.req = pendingRequest{}
	sf.release()
	sf.Debug("%s completed: %s, active %v", c.API, c.Result, c.ActiveMask)
	sf.handler.CompletionHandler(c)
}

// abandon drops the running operation without a completion. Used when the
// first send of an operation fails and the error is returned to the caller.
func (sf *Pack) abandon() {
	if sf.api == APILoadFile {
		sf.resetTransfer()
	}
	sf.req = pendingRequest{}
	sf.release()
}

// sendAck drains one acknowledgment from the port queue.
func (sf *Pack) sendAck(p *Port) {
	if !p.connected || p.acks.Len() == 0 {
		return
	}
	e, err := p.acks.Get()
	if err != nil {
		return
	}
	payload, err := beginFrame(p.bgBuf[:])
	if err != nil {
		return
	}
	m := notifAck{NotifID: e.NotifID, CmdID: e.CmdID}
	m.pack(payload)
	if err := sf.seal(p.bgBuf[:], MsgNotifAck, payload); err != nil {
		p.stats.LostAcks++
		return
	}
	if err := p.submit(p.bgBuf[:]); err != nil {
		sf.Warn("ack of notification %d on %s port lost: %v", e.NotifID, p.role, err)
		p.stats.LostAcks++
		return
	}
	p.stats.AcksSent++
}

// queueAck records a notification that asked for delivery confirmation.
func (sf *Pack) queueAck(p *Port, e AckEntry) {
	if err := p.acks.Put(e); err != nil {
		sf.Warn("ack queue of %s port full, notification %d not acknowledged", p.role, e.NotifID)
		p.stats.LostAcks++
		return
	}
	p.stats.AcksQueued++
}

func (sf *Pack) seal(buf []byte, msgID uint8, payload *pack.Element) error {
	sf.seq++
	return sealFrame(buf, sf.option.session, sf.seq, msgID, payload)
}

func (sf *Pack) newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		stateNoTransfer,
		fsm.Events{
			{Name: evHandshake, Src: []string{stateNoTransfer}, Dst: stateHandshaking},
			{Name: evDownload, Src: []string{stateHandshaking, stateRetransmit}, Dst: stateDownload},
			{Name: evRetransmit, Src: []string{stateDownload}, Dst: stateRetransmit},
			{Name: evCommit, Src: []string{stateRetransmit}, Dst: stateCommit},
			{Name: evFinish, Src: []string{stateHandshaking, stateDownload, stateRetransmit, stateCommit}, Dst: stateNoTransfer},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				sf.Debug("load file: %s -> %s", e.Src, e.Dst)
			},
		},
	)
}
