// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persist

import (
	"reflect"
	"testing"
	"time"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/device"
	"github.com/symphony-das/symphony/units"
)

func TestMemStoreHierarchy(t *testing.T) {
	store := NewMemStore()
	root := store.Root()

	epoch, err := root.Group("epoch-001")
	if err != nil {
		t.Fatalf("could not create group: %+v", err)
	}
	if _, err := root.Group("epoch-001"); err == nil {
		t.Fatalf("expected error for duplicate group")
	}

	raw := device.Raw{Type: device.ElemInt16, I16: []int16{1, -2, 3}}
	if err := epoch.WriteArray("ai.0", raw); err != nil {
		t.Fatalf("could not write array: %+v", err)
	}
	if err := epoch.WriteArray("ai.0", raw); err == nil {
		t.Fatalf("expected error for duplicate array")
	}

	reopened, err := root.OpenGroup("epoch-001")
	if err != nil {
		t.Fatalf("could not reopen group: %+v", err)
	}
	got, err := reopened.ReadArray("ai.0")
	if err != nil {
		t.Fatalf("could not read array: %+v", err)
	}
	if !reflect.DeepEqual(got, raw) {
		t.Fatalf("invalid array: got=%+v, want=%+v", got, raw)
	}

	if err := epoch.SetAttr("protocol", "ramp"); err != nil {
		t.Fatalf("could not set attr: %+v", err)
	}
	if v, ok := reopened.Attr("protocol"); !ok || v != "ramp" {
		t.Fatalf("invalid attr: got=%q ok=%v", v, ok)
	}
	if _, ok := reopened.Attr("missing"); ok {
		t.Fatalf("unexpected attr")
	}

	if got, want := root.Groups(), []string{"epoch-001"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid groups: got=%v, want=%v", got, want)
	}
	if got, want := epoch.Arrays(), []string{"ai.0"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid arrays: got=%v, want=%v", got, want)
	}
}

func TestWriterRecord(t *testing.T) {
	store := NewMemStore()
	w := NewWriter(store.Root())

	data := &symphony.InputData{
		Samples: []units.Measurement{
			units.FromFloat64(0.5, "V"),
			units.FromFloat64(-0.25, "V"),
		},
		SampleRate: units.FromInt64(1000, "Hz"),
		Time:       time.Unix(1700000000, 0).UTC(),
	}
	if err := w.Record("ai.0", data); err != nil {
		t.Fatalf("could not record block: %+v", err)
	}
	if err := w.Record("ai.0", data); err != nil {
		t.Fatalf("could not record second block: %+v", err)
	}

	grp, err := store.Root().OpenGroup("ai.0")
	if err != nil {
		t.Fatalf("could not open stream group: %+v", err)
	}
	arrays := grp.Arrays()
	if want := []string{"block-000000", "block-000001"}; !reflect.DeepEqual(arrays, want) {
		t.Fatalf("invalid arrays: got=%v, want=%v", arrays, want)
	}
	raw, err := grp.ReadArray("block-000000")
	if err != nil {
		t.Fatalf("could not read block: %+v", err)
	}
	if want := []float64{0.5, -0.25}; !reflect.DeepEqual(raw.F64, want) {
		t.Fatalf("invalid samples: got=%v, want=%v", raw.F64, want)
	}
	if v, ok := grp.Attr("sampleRate"); !ok || v == "" {
		t.Fatalf("missing sampleRate attr: got=%q ok=%v", v, ok)
	}
	if _, ok := grp.Attr("block-000001.time"); !ok {
		t.Fatalf("missing block time attr")
	}
}
