// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riclolsen/go-wbms/clog"
	"github.com/riclolsen/go-wbms/wbms"
)

// frameReader is the receive side of a manager link.
type frameReader interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

type link interface {
	wbms.Transport
	frameReader
	Close() error
}

type inbound struct {
	role  wbms.Role
	frame []byte
}

type linkError struct {
	role wbms.Role
	err  error
}

// runner owns a pack and its links. Every call into the pack happens on the
// goroutine executing run; link readers only hand frames over.
type runner struct {
	pack  *wbms.Pack
	links [2]link
	log   *zap.SugaredLogger
	tick  time.Duration

	result  *wbms.Completion
	removed []wbms.Event
	onEvent func(wbms.Event)
}

// newRunner opens the configured serial links and builds the pack.
func newRunner(cfg *fileConfig, logger *zap.Logger, verbose bool) (*runner, error) {
	pcfg, err := cfg.packConfig()
	if err != nil {
		return nil, fmt.Errorf("pack config: %w", err)
	}
	acl, err := cfg.acl()
	if err != nil {
		return nil, err
	}

	ports := map[wbms.Role]*serialPortConfig{wbms.RolePrimary: cfg.Ports.Primary}
	if cfg.Ports.Secondary != nil {
		ports[wbms.RoleSecondary] = cfg.Ports.Secondary
	}
	var links [2]link
	for role, pc := range ports {
		l, err := wbms.OpenSerial(pc.serialConfig())
		if err != nil {
			closeLinks(links)
			return nil, fmt.Errorf("%s port: %w", role, err)
		}
		links[role] = l
	}

	r, err := newRunnerWithLinks(pcfg, cfg.Session, acl, links, logger, verbose)
	if err != nil {
		closeLinks(links)
		return nil, err
	}
	r.tick = cfg.Tick
	return r, nil
}

func newRunnerWithLinks(pcfg wbms.Config, session uint8, acl []wbms.MAC, links [2]link, logger *zap.Logger, verbose bool) (*runner, error) {
	r := &runner{
		links: links,
		log:   logger.Sugar(),
		tick:  defaultTick,
	}
	opt := wbms.NewOption().
		SetConfig(pcfg).
		SetSession(session).
		SetLogMode(verbose).
		SetLogProvider(clog.NewZapProvider(logger.Named("pack")))
	p, err := wbms.NewPack(r, opt)
	if err != nil {
		return nil, err
	}
	for role, l := range links {
		if l == nil {
			continue
		}
		if err := p.AddPort(wbms.Role(role), l); err != nil {
			return nil, err
		}
		if err := p.SetConnected(wbms.Role(role), true); err != nil {
			return nil, err
		}
	}
	if err := p.SetACL(acl); err != nil {
		return nil, err
	}
	r.pack = p
	return r, nil
}

func closeLinks(links [2]link) {
	for _, l := range links {
		if l != nil {
			l.Close()
		}
	}
}

// Close releases the links.
func (r *runner) Close() {
	closeLinks(r.links)
}

func (r *runner) CompletionHandler(c wbms.Completion) {
	r.result = &c
}

func (r *runner) EventHandler(e wbms.Event) {
	switch e.Type {
	case wbms.EventDeviceRemoved:
		r.log.Warnw("device removed", "device", e.Device.String(), "reason", e.Reason.String())
		r.removed = append(r.removed, e)
	case wbms.EventSystemStatus:
		r.log.Infow("system status", "port", e.Role.String(), "status", e.Status)
	default:
		r.log.Infow(e.Type.String(), "port", e.Role.String())
	}
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

// run starts an operation and drives the pack until the operation
// completes or ctx is done. progress, when set, is called on every tick.
func (r *runner) run(ctx context.Context, start func(*wbms.Pack) error, progress func(*wbms.Pack)) (wbms.Completion, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	frames := make(chan inbound, 16)
	linkErrs := make(chan linkError, len(r.links))
	for role, l := range r.links {
		if l == nil {
			continue
		}
		wg.Add(1)
		go func(role wbms.Role, l link) {
			defer wg.Done()
			for {
				frame, err := l.ReadFrame(ctx)
				if err != nil {
					if ctx.Err() == nil {
						linkErrs <- linkError{role: role, err: err}
					}
					return
				}
				select {
				case frames <- inbound{role: role, frame: frame}:
				case <-ctx.Done():
					return
				}
			}
		}(wbms.Role(role), l)
	}

	r.result = nil
	r.removed = nil
	if err := start(r.pack); err != nil {
		return wbms.Completion{}, err
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for r.result == nil {
		select {
		case <-ctx.Done():
			return wbms.Completion{}, ctx.Err()
		case in := <-frames:
			if err := r.pack.HandleFrame(in.role, in.frame); err != nil {
				r.log.Warnw("frame rejected", "port", in.role.String(), "error", err)
			}
		case le := <-linkErrs:
			r.log.Errorw("link failed", "port", le.role.String(), "error", le.err)
			_ = r.pack.SetConnected(le.role, false)
		case <-ticker.C:
			r.pack.Process()
			if progress != nil && r.result == nil {
				progress(r.pack)
			}
		}
	}
	return *r.result, nil
}

// parseTarget parses a device selection: "all" for every node, "managers",
// "mgrA", "mgrB" or a comma separated list of node ids.
func parseTarget(s string) (wbms.DeviceMask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "nodes":
		return wbms.AllNodesSentinel, nil
	case "managers":
		return wbms.AllManagersSentinel, nil
	case "mgra", "a":
		return wbms.ManagerA, nil
	case "mgrb", "b":
		return wbms.ManagerB, nil
	}
	var mask wbms.DeviceMask
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q", f)
		}
		m := wbms.SingleNode(id)
		if m == 0 {
			return 0, fmt.Errorf("node id %d out of range [0, %d]", id, wbms.MaxNodes-1)
		}
		mask |= m
	}
	return mask, nil
}

var errInterrupted = errors.New("interrupted")
