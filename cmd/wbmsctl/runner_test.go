// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/riclolsen/go-wbms/wbms"
)

// managerLink answers manager reset requests with a fixed return code.
type managerLink struct {
	rx     chan []byte
	silent bool
	rc     byte
}

func newManagerLink() *managerLink {
	return &managerLink{rx: make(chan []byte, 16)}
}

func (l *managerLink) SubmitFrame(frame []byte) error {
	f, err := wbms.DecodeFrame(frame)
	if err != nil {
		return err
	}
	if l.silent || f.MsgID != wbms.CmdResetReq {
		return nil
	}
	var token uint16
	f.Payload.U16(&token)
	resp, err := wbms.EncodeFrame(0, 0, wbms.CmdResetResp, []byte{byte(token >> 8), byte(token), l.rc})
	if err != nil {
		return err
	}
	l.rx <- resp
	return nil
}

func (l *managerLink) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-l.rx:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *managerLink) Close() error { return nil }

func testRunner(t *testing.T, cfg wbms.Config, l *managerLink) *runner {
	t.Helper()
	r, err := newRunnerWithLinks(cfg, 0, nil, [2]link{l}, zap.NewNop(), false)
	if err != nil {
		t.Fatalf("newRunnerWithLinks: %v", err)
	}
	r.tick = time.Millisecond
	return r
}

func resetManager(p *wbms.Pack) error { return p.ResetDevice(wbms.ManagerA) }

func TestRunner_CompletesOperation(t *testing.T) {
	r := testRunner(t, wbms.DefaultConfig(), newManagerLink())
	defer r.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, err := r.run(ctx, resetManager, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.API != wbms.APIResetDevice || c.Result != wbms.Success || c.ActiveMask != wbms.ManagerA {
		t.Errorf("completion = %+v", c)
	}
	if r.pack.Busy() {
		t.Error("pack busy after run")
	}

	// the runner can be reused for the next operation
	if c, err := r.run(ctx, resetManager, nil); err != nil || c.Result != wbms.Success {
		t.Errorf("second run: %+v %v", c, err)
	}
}

func TestRunner_RetryTimeout(t *testing.T) {
	cfg := wbms.DefaultConfig()
	cfg.ResponseTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	l := newManagerLink()
	l.silent = true
	r := testRunner(t, cfg, l)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	ticks := 0
	c, err := r.run(ctx, resetManager, func(*wbms.Pack) { ticks++ })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.Result != wbms.Timeout {
		t.Errorf("result = %s, want timeout", c.Result)
	}
	if ticks == 0 {
		t.Error("progress never called")
	}
}

func TestRunner_StartError(t *testing.T) {
	r := testRunner(t, wbms.DefaultConfig(), newManagerLink())
	_, err := r.run(t.Context(), func(p *wbms.Pack) error {
		return p.ResetDevice(wbms.ManagerB)
	}, nil)
	if !errors.Is(err, wbms.ErrInvalidParameter) {
		t.Errorf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	l := newManagerLink()
	l.silent = true
	r := testRunner(t, wbms.DefaultConfig(), l)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := r.run(ctx, resetManager, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExitFor(t *testing.T) {
	if exitFor(wbms.Completion{Result: wbms.Success}) != nil {
		t.Error("success mapped to an error")
	}
	tests := map[wbms.ResultCode]int{
		wbms.PartialSuccess: exitPartial,
		wbms.Timeout:        exitFailed,
		wbms.Fail:           exitFailed,
	}
	for rc, want := range tests {
		err := exitFor(wbms.Completion{Result: rc})
		var ec interface{ ExitCode() int }
		if !errors.As(err, &ec) || ec.ExitCode() != want {
			t.Errorf("%s: exit = %v, want %d", rc, err, want)
		}
	}
}
