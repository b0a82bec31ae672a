// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iomux provides simple goroutine safe I/O primitives.
package iomux // import "github.com/symphony-das/symphony/internal/iomux"

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/symphony-das/symphony/log"
)

// Writer is a goroutine-safe log.WriteSyncer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.w.Write(p)
	w.mu.Unlock()
	return n, err
}

// Sync flushes the underlying writer when it supports flushing.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (w *Writer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var o strings.Builder
	fmt.Fprintf(&o, "%v\n", w.w)
	return o.String()
}

var (
	_ io.Writer       = (*Writer)(nil)
	_ log.WriteSyncer = (*Writer)(nil)
)
