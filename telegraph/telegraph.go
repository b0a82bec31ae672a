// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package telegraph keeps a time-indexed record of externally reported
// device parameters, such as amplifier gain and mode telegraphs.
//
// Parameter changes arrive asynchronously from the acquisition loop, so
// consumers resolve the parameters in effect at a sample's timestamp
// after the fact: Lookup returns the most recent record at or before
// the queried instant.
package telegraph // import "github.com/symphony-das/symphony/telegraph"

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony/units"
)

// Params is one telegraphed parameter snapshot.
type Params map[string]units.Measurement

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type record struct {
	t      time.Time
	params Params
}

// Registry records timestamped parameter snapshots per device and
// answers floor lookups. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	recs map[string][]record // sorted by time, per device
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{recs: make(map[string][]record)}
}

// Record stores the parameters reported by device at time t. Snapshots
// may arrive out of order; the per-device history stays time-sorted.
func (r *Registry) Record(device string, t time.Time, params Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.recs[device]
	rec := record{t: t, params: params.clone()}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].t.After(t) })
	recs = append(recs, record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	r.recs[device] = recs
}

// Lookup resolves the parameters in effect for device at time t: the
// most recent snapshot at or before t. It errors when the device has
// no snapshot that early.
func (r *Registry) Lookup(device string, t time.Time) (Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.recs[device]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].t.After(t) })
	if i == 0 {
		return nil, xerrors.Errorf("telegraph: no parameters for %q at or before %v", device, t)
	}
	return recs[i-1].params.clone(), nil
}

// Devices lists the devices with at least one recorded snapshot.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recs))
	for name := range r.recs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
