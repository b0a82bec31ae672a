// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor publishes acquired input blocks on a nanomsg PUB
// socket so out-of-process tools (scopes, recorders) can tap the data
// path without sitting in it.
package monitor

import (
	"sync"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"golang.org/x/xerrors"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/log"
)

// Publisher broadcasts input frames on a PUB socket. Publish drops
// frames on transient send failures rather than stalling acquisition;
// only marshaling errors propagate to the caller.
type Publisher struct {
	msg log.MsgStream

	mu  sync.Mutex
	sck mangos.Socket
}

// NewPublisher opens a PUB socket listening on ep, e.g.
// "tcp://127.0.0.1:40000" or "inproc://symphony-monitor".
func NewPublisher(ep string, msg log.MsgStream) (*Publisher, error) {
	sck, err := pub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("monitor: could not create PUB socket: %w", err)
	}
	if err := sck.Listen(ep); err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("monitor: could not listen on %q: %w", ep, err)
	}
	if msg == nil {
		msg = log.NewMsgStream("monitor", log.LvlInfo, nil)
	}
	return &Publisher{msg: msg, sck: sck}, nil
}

// Publish broadcasts one input block read from the named stream.
func (p *Publisher) Publish(stream string, data *symphony.InputData) error {
	raw, err := MarshalFrame(FrameOf(stream, data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sck == nil {
		return xerrors.Errorf("monitor: publisher closed")
	}
	if err := p.sck.Send(raw); err != nil {
		p.msg.Warnf("could not publish %d samples from %q: %+v", len(data.Samples), stream, err)
	}
	return nil
}

// Close shuts the PUB socket down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sck == nil {
		return nil
	}
	sck := p.sck
	p.sck = nil
	return sck.Close()
}

// Subscriber receives frames published by a Publisher.
type Subscriber struct {
	sck mangos.Socket
}

// NewSubscriber dials ep and subscribes to every frame.
func NewSubscriber(ep string) (*Subscriber, error) {
	sck, err := sub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("monitor: could not create SUB socket: %w", err)
	}
	if err := sck.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("monitor: could not subscribe: %w", err)
	}
	if err := sck.Dial(ep); err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("monitor: could not dial %q: %w", ep, err)
	}
	return &Subscriber{sck: sck}, nil
}

// Recv blocks for the next published frame.
func (s *Subscriber) Recv() (Frame, error) {
	raw, err := s.sck.Recv()
	if err != nil {
		return Frame{}, xerrors.Errorf("monitor: could not receive frame: %w", err)
	}
	return UnmarshalFrame(raw)
}

// Close shuts the SUB socket down.
func (s *Subscriber) Close() error { return s.sck.Close() }

var _ symphony.DataTap = (*Publisher)(nil)
