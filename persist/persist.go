// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package persist defines the boundary to experiment persistence: named
// typed arrays and scalar attributes stored in a hierarchical container
// of groups. The acquisition loop hands each acquired input block to a
// Writer; backends decide the on-disk format.
package persist // import "github.com/symphony-das/symphony/persist"

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/device"
)

// Container is one group in a hierarchical store. Child groups and
// arrays live in separate namespaces; writing an existing name in
// either namespace is an error.
type Container interface {
	// Name returns the group's name within its parent.
	Name() string

	// Group creates a child group.
	Group(name string) (Container, error)

	// Groups lists child group names, sorted.
	Groups() []string

	// OpenGroup opens an existing child group.
	OpenGroup(name string) (Container, error)

	// WriteArray stores a typed array under name.
	WriteArray(name string, raw device.Raw) error

	// ReadArray retrieves the typed array stored under name.
	ReadArray(name string) (device.Raw, error)

	// Arrays lists array names, sorted.
	Arrays() []string

	// SetAttr attaches a scalar string attribute to the group.
	SetAttr(name, value string) error

	// Attr reads a scalar attribute. The second return reports
	// whether the attribute exists.
	Attr(name string) (string, bool)
}

// Store is the root of a persistence backend.
type Store interface {
	Root() Container
	Close() error
}

// memGroup is the in-memory Container used by tests and the simulator.
type memGroup struct {
	name string

	mu     sync.RWMutex
	groups map[string]*memGroup
	arrays map[string]device.Raw
	attrs  map[string]string
}

func newMemGroup(name string) *memGroup {
	return &memGroup{
		name:   name,
		groups: make(map[string]*memGroup),
		arrays: make(map[string]device.Raw),
		attrs:  make(map[string]string),
	}
}

// MemStore is a volatile in-memory Store.
type MemStore struct {
	root *memGroup
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{root: newMemGroup("/")}
}

func (s *MemStore) Root() Container { return s.root }
func (s *MemStore) Close() error    { return nil }

func (g *memGroup) Name() string { return g.name }

func (g *memGroup) Group(name string) (Container, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.groups[name]; dup {
		return nil, xerrors.Errorf("persist: group %q already exists in %q", name, g.name)
	}
	sub := newMemGroup(name)
	g.groups[name] = sub
	return sub, nil
}

func (g *memGroup) OpenGroup(name string) (Container, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sub, ok := g.groups[name]
	if !ok {
		return nil, xerrors.Errorf("persist: no group %q in %q", name, g.name)
	}
	return sub, nil
}

func (g *memGroup) Groups() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *memGroup) WriteArray(name string, raw device.Raw) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.arrays[name]; dup {
		return xerrors.Errorf("persist: array %q already exists in %q", name, g.name)
	}
	g.arrays[name] = raw
	return nil
}

func (g *memGroup) ReadArray(name string) (device.Raw, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	raw, ok := g.arrays[name]
	if !ok {
		return device.Raw{}, xerrors.Errorf("persist: no array %q in %q", name, g.name)
	}
	return raw, nil
}

func (g *memGroup) Arrays() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.arrays))
	for name := range g.arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *memGroup) SetAttr(name, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attrs[name] = value
	return nil
}

func (g *memGroup) Attr(name string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.attrs[name]
	return v, ok
}

// Writer records acquired input blocks into a container, one child
// group per stream, one numbered array per block.
type Writer struct {
	mu   sync.Mutex
	root Container
	n    map[string]int
}

// NewWriter builds a Writer recording into root.
func NewWriter(root Container) *Writer {
	return &Writer{root: root, n: make(map[string]int)}
}

// Record persists one acquired block from the named stream, encoded as
// float64 base-unit values. The block's timestamp and rate land as
// attributes on the array's group.
func (w *Writer) Record(stream string, data *symphony.InputData) error {
	raw, err := device.Encode(device.ElemFloat64, data.Samples)
	if err != nil {
		return xerrors.Errorf("persist: could not encode block from %q: %w", stream, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	grp, err := w.root.OpenGroup(stream)
	if err != nil {
		grp, err = w.root.Group(stream)
		if err != nil {
			return err
		}
		if err := grp.SetAttr("sampleRate", data.SampleRate.String()); err != nil {
			return err
		}
	}

	name := fmt.Sprintf("block-%06d", w.n[stream])
	w.n[stream]++
	if err := grp.WriteArray(name, raw); err != nil {
		return err
	}
	return grp.SetAttr(name+".time", data.Time.Format(time.RFC3339Nano))
}
