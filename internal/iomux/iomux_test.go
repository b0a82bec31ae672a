// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iomux_test // import "github.com/symphony-das/symphony/internal/iomux"

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/symphony-das/symphony/internal/iomux"
)

func TestConcurrentWrites(t *testing.T) {
	buf := new(bytes.Buffer)
	w := iomux.NewWriter(buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := w.Write([]byte("line\n"))
				if err != nil {
					t.Errorf("could not write: %+v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := w.Sync(); err != nil {
		t.Fatalf("could not sync: %+v", err)
	}

	got := strings.Count(buf.String(), "line\n")
	if got != 1600 {
		t.Fatalf("lost writes: got=%d, want=1600", got)
	}
}
