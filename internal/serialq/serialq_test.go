// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package serialq_test // import "github.com/symphony-das/symphony/internal/serialq"

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/symphony-das/symphony/internal/serialq"
)

func TestSerialization(t *testing.T) {
	q := serialq.New()
	defer q.Close()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		total   int
	)

	var grp errgroup.Group
	for i := 0; i < 8; i++ {
		grp.Go(func() error {
			for j := 0; j < 50; j++ {
				err := q.Submit(func(ctx context.Context) error {
					mu.Lock()
					active++
					if active > maxSeen {
						maxSeen = active
					}
					total++
					mu.Unlock()

					mu.Lock()
					active--
					mu.Unlock()
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		t.Fatalf("could not run calls: %+v", err)
	}

	if maxSeen != 1 {
		t.Fatalf("calls overlapped: max concurrency=%d, want=1", maxSeen)
	}
	if total != 400 {
		t.Fatalf("lost calls: got=%d, want=400", total)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	q := serialq.New()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- q.Submit(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	<-started
	q.Close()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("invalid error: got=%v, want=%v", err, context.Canceled)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("in-flight call did not unwind on close")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	q := serialq.New()
	q.Close()

	err := q.Submit(func(ctx context.Context) error { return nil })
	if err != serialq.ErrClosed {
		t.Fatalf("invalid error: got=%v, want=%v", err, serialq.ErrClosed)
	}
}
