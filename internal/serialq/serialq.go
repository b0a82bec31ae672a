// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package serialq serializes calls into a non-thread-safe resource.
//
// Vendor DAQ drivers tolerate calls from exactly one thread. A Queue
// owns one worker goroutine and marshals every submitted call onto it;
// callers block until their call has run. From the caller's point of
// view the queue is a mutex around the driver, not a fire-and-forget
// channel.
package serialq // import "github.com/symphony-das/symphony/internal/serialq"

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/xerrors"
)

// ErrClosed is returned for calls submitted after Close.
var ErrClosed = xerrors.New("serialq: queue closed")

type call struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Queue runs submitted calls one at a time on a dedicated worker.
type Queue struct {
	calls  chan call
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	wg   sync.WaitGroup
}

// New starts a queue whose worker is locked to one OS thread, as the
// vendor drivers require.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		calls:  make(chan call),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.work()
	return q
}

func (q *Queue) work() {
	defer q.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-q.ctx.Done():
			return
		case c := <-q.calls:
			c.done <- c.fn(q.ctx)
		}
	}
}

// Submit runs fn on the worker and blocks until it returns. The context
// handed to fn is the queue's own: it is cancelled when the queue
// closes, so long-polling calls can unwind promptly.
func (q *Queue) Submit(fn func(ctx context.Context) error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	case q.calls <- c:
		return <-c.done
	}
}

// Ctx exposes the queue's cancellation context. Device adapters use it
// as their polling-loop cancellation token.
func (q *Queue) Ctx() context.Context { return q.ctx }

// Close cancels the queue context and waits for the worker to exit.
// In-flight calls observe the cancellation through their context.
// Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}
