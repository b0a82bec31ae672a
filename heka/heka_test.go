// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heka_test // import "github.com/symphony-das/symphony/heka"

import (
	"context"
	"testing"
	"time"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/heka"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/units"
)

func newOutput(n int, rate float64) *symphony.OutputData {
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = units.FromInt64(int64(i%100), heka.CountsUnit)
	}
	return &symphony.OutputData{
		Samples:    samples,
		SampleRate: units.FromFloat64(rate, "Hz"),
	}
}

func TestChannels(t *testing.T) {
	drv := heka.NewSimDriver()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	descs, err := dev.Channels()
	if err != nil {
		t.Fatalf("could not enumerate channels: %+v", err)
	}

	// 4 analog out, 8 analog in, one digital port pair.
	if got, want := len(descs), 14; got != want {
		t.Fatalf("invalid channel count: got=%d, want=%d", got, want)
	}

	var nIn, nOut, nDig int
	for _, d := range descs {
		if d.Direction == symphony.In {
			nIn++
		} else {
			nOut++
		}
		if d.Digital {
			nDig++
			if d.PortWidth != 16 {
				t.Errorf("channel %v: invalid port width %d", d.ID, d.PortWidth)
			}
		} else if d.RawUnit != heka.CountsUnit {
			t.Errorf("channel %v: invalid raw unit %q", d.ID, d.RawUnit)
		}
	}
	if nIn != 9 || nOut != 5 || nDig != 2 {
		t.Fatalf("invalid channel split: in=%d out=%d dig=%d", nIn, nOut, nDig)
	}
}

func TestSimDriverZeroValue(t *testing.T) {
	// a zero-value driver must come up like NewSimDriver once opened,
	// as the example binaries rely on
	drv := &heka.SimDriver{}
	dev := heka.NewDevice("itc-sim", drv)

	reg := units.NewConversionRegistry()
	heka.RegisterConversions(reg)
	ctl := symphony.NewController("sim", dev, reg, symphony.WithMsgStream(log.Discard))
	if err := ctl.InitHardware(); err != nil {
		t.Fatalf("could not init hardware: %+v", err)
	}
	defer ctl.CloseHardware()

	if ctl.OutputStream("ao.0") == nil {
		t.Fatalf("no output streams enumerated")
	}
	if ctl.InputStream("ai.0") == nil {
		t.Fatalf("no input streams enumerated")
	}

	ao := symphony.ChannelID{Number: 0, Type: heka.ChannelD2A}
	if err := dev.WriteSample(ao, units.FromInt64(0, heka.CountsUnit)); err != nil {
		t.Fatalf("could not write sample: %+v", err)
	}
	if got, want := drv.Written(ao), 1; got != want {
		t.Fatalf("invalid written count: got=%d, want=%d", got, want)
	}
}

func TestReadWriteLoopback(t *testing.T) {
	drv := heka.NewSimDriver()
	drv.Source = drv.LoopbackSource()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	const (
		nsamples = 1200 // spans two full blocks plus a partial one
		rate     = 10000.0
	)
	ao := symphony.ChannelID{Number: 0, Type: heka.ChannelD2A}
	ai := symphony.ChannelID{Number: 0, Type: heka.ChannelA2D}

	err := dev.ConfigureChannels([]symphony.ChannelConfig{
		{ID: ao, SampleRateHz: rate},
		{ID: ai, SampleRateHz: rate},
	})
	if err != nil {
		t.Fatalf("could not configure channels: %+v", err)
	}

	// Prime the loopback with the full output first, as a run would.
	out := newOutput(nsamples, rate)
	if err := dev.Preload(map[symphony.ChannelID]*symphony.OutputData{ao: out}); err != nil {
		t.Fatalf("could not preload: %+v", err)
	}
	if err := dev.StartHardware(false); err != nil {
		t.Fatalf("could not start hardware: %+v", err)
	}

	got, err := dev.ReadWrite(context.Background(), nil, []symphony.ChannelID{ai}, nsamples)
	if err != nil {
		t.Fatalf("could not read-write: %+v", err)
	}

	in := got[ai]
	if in == nil {
		t.Fatalf("no data returned for %v", ai)
	}
	if len(in.Samples) != nsamples {
		t.Fatalf("invalid sample count: got=%d, want=%d", len(in.Samples), nsamples)
	}
	for i, m := range in.Samples {
		if m.BaseUnit() != heka.CountsUnit {
			t.Fatalf("sample %d: invalid unit %q", i, m.BaseUnit())
		}
		if got, want := m.Int64(), out.Samples[i].Int64(); got != want {
			t.Fatalf("sample %d: got=%d, want=%d", i, got, want)
		}
	}
	if got, want := in.SampleRate.Float64(), rate; got != want {
		t.Fatalf("invalid sample rate: got=%v, want=%v", got, want)
	}
}

func TestReadWriteOutputLengthCheck(t *testing.T) {
	drv := heka.NewSimDriver()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	ao := symphony.ChannelID{Number: 0, Type: heka.ChannelD2A}
	_, err := dev.ReadWrite(context.Background(),
		map[symphony.ChannelID]*symphony.OutputData{ao: newOutput(10, 1000)},
		nil, 20)
	if err == nil {
		t.Fatalf("expected an error for mismatched output length")
	}
}

func TestPreloadHomogeneity(t *testing.T) {
	drv := heka.NewSimDriver()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	out := map[symphony.ChannelID]*symphony.OutputData{
		{Number: 0, Type: heka.ChannelD2A}: newOutput(100, 1000),
		{Number: 1, Type: heka.ChannelD2A}: newOutput(90, 1000),
	}
	if err := dev.Preload(out); err == nil {
		t.Fatalf("expected an error for heterogeneous preload buffers")
	}
}

func TestReadWriteHardwareFault(t *testing.T) {
	drv := heka.NewSimDriver()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	if err := dev.StartHardware(false); err != nil {
		t.Fatalf("could not start hardware: %+v", err)
	}
	drv.ForceState(heka.State{RunningMode: heka.DeadState, Overflow: heka.WriteUnderrunH})

	ai := symphony.ChannelID{Number: 0, Type: heka.ChannelA2D}
	_, err := dev.ReadWrite(context.Background(), nil, []symphony.ChannelID{ai}, 100)
	hwerr, ok := err.(*symphony.HardwareError)
	if !ok {
		t.Fatalf("invalid error type %T: %v", err, err)
	}
	if hwerr.Code != int32(heka.WriteUnderrunH) {
		t.Fatalf("invalid error code: got=0x%X", hwerr.Code)
	}
}

func TestReadWriteCancellation(t *testing.T) {
	drv := heka.NewSimDriver()
	drv.Starve(true)
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	if err := dev.StartHardware(false); err != nil {
		t.Fatalf("could not start hardware: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		ai := symphony.ChannelID{Number: 0, Type: heka.ChannelA2D}
		_, err := dev.ReadWrite(ctx, nil, []symphony.ChannelID{ai}, 100)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("invalid error: got=%v, want=%v", err, context.Canceled)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("read-write did not observe cancellation")
	}
}

func TestStatusMapping(t *testing.T) {
	drv := heka.NewSimDriver()
	dev := heka.NewDevice("itc-sim", drv)
	if err := dev.Open(); err != nil {
		t.Fatalf("could not open device: %+v", err)
	}
	defer dev.Close()

	drv.ForceState(heka.State{
		RunningMode: heka.RunState,
		Overflow:    heka.ReadOverflowH,
	})

	st, err := dev.Status()
	if err != nil {
		t.Fatalf("could not query status: %+v", err)
	}
	if !st.Running || !st.Overflow || st.Underrun {
		t.Fatalf("invalid status: %+v", st)
	}
}

func TestConversions(t *testing.T) {
	reg := units.NewConversionRegistry()
	heka.RegisterConversions(reg)

	counts, err := reg.Convert(units.MustParse("0.5", 0, "V"), heka.CountsUnit)
	if err != nil {
		t.Fatalf("could not convert to counts: %+v", err)
	}
	if got, want := counts.Int64(), int64(1600); got != want {
		t.Fatalf("invalid counts: got=%d, want=%d", got, want)
	}

	back, err := reg.Convert(counts, "V")
	if err != nil {
		t.Fatalf("could not convert to volts: %+v", err)
	}
	if got, want := back.Float64(), 0.5; got != want {
		t.Fatalf("invalid volts: got=%v, want=%v", got, want)
	}
}
