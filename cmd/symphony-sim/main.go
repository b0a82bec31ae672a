// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command symphony-sim runs a simulated acquisition: a sine stimulus on
// the first analog output, loopback inputs recorded to an in-memory
// store, with an optional network data tap.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/flags"
	"github.com/symphony-das/symphony/heka"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/monitor"
	"github.com/symphony-das/symphony/persist"
	"github.com/symphony-das/symphony/units"
)

var (
	duration = flag.Duration("duration", 2*time.Second, "length of the simulated run")
	freq     = flag.Float64("freq", 10, "stimulus frequency (Hz)")
	amp      = flag.Float64("amp", 1, "stimulus amplitude (V)")
)

func main() {
	cfg := flags.New()
	msg := log.NewMsgStream(cfg.Name, cfg.Level, log.WithSync(os.Stdout))

	drv := heka.NewSimDriver()
	drv.Source = drv.LoopbackSource()
	dev := heka.NewDevice(cfg.Name+"-itc", drv, heka.WithMsgStream(msg))

	reg := units.NewConversionRegistry()
	heka.RegisterConversions(reg)

	opts := []symphony.Option{symphony.WithMsgStream(msg)}
	if cfg.Monitor != "" {
		tap, err := monitor.NewPublisher(cfg.Monitor, msg)
		if err != nil {
			msg.Errorf("could not open data tap: %+v", err)
			os.Exit(1)
		}
		defer tap.Close()
		opts = append(opts, symphony.WithTap(tap))
	}

	ctl := symphony.NewController(cfg.Name, dev, reg, opts...)
	if err := ctl.SetSampleRate(units.FromFloat64(cfg.SampleRateHz, "Hz")); err != nil {
		msg.Errorf("could not set sample rate: %+v", err)
		os.Exit(1)
	}
	if err := ctl.InitHardware(); err != nil {
		msg.Errorf("could not init hardware: %+v", err)
		os.Exit(1)
	}
	defer ctl.CloseHardware()

	store := persist.NewMemStore()
	defer store.Close()

	stim := &sineDevice{
		rate:      units.FromFloat64(cfg.SampleRateHz, "Hz"),
		freq:      *freq,
		amp:       *amp,
		remaining: symphony.SamplesIn(units.FromFloat64(cfg.SampleRateHz, "Hz"), *duration),
	}
	out := ctl.OutputStream("ao.0").(*symphony.DAQOutputStream)
	out.SetMeasurementConversionTarget(heka.CountsUnit)
	out.BindDevice(stim)

	sink := &recorderDevice{w: persist.NewWriter(store.Root())}
	in := ctl.InputStream("ai.0").(*symphony.DAQInputStream)
	in.SetMeasurementConversionTarget("V")
	in.BindDevice(sink)

	if v := ctl.Validate(); !v.OK() {
		msg.Errorf("invalid configuration: %s", v.Reason())
		os.Exit(1)
	}

	done := make(chan error, 1)
	ctl.OnStopped(func(err error) { done <- err })

	if err := ctl.Start(false); err != nil {
		msg.Errorf("could not start run: %+v", err)
		os.Exit(1)
	}

	if err := <-done; err != nil {
		msg.Errorf("run failed: %+v", err)
		os.Exit(1)
	}

	stats := ctl.LoopStats()
	msg.Infof("run complete: %d iterations (mean=%v sigma=%v), %d blocks recorded",
		stats.N, stats.Mean, stats.StdDev, sink.blocks)
}

// sineDevice supplies a fixed-length sine stimulus.
type sineDevice struct {
	rate      units.Measurement
	freq, amp float64
	remaining int
	i         int
}

func (d *sineDevice) Name() string { return "sine-stim" }

func (d *sineDevice) PullOutputData(s symphony.OutputStream, dur time.Duration) (*symphony.OutputData, error) {
	n := symphony.SamplesIn(d.rate, dur)
	last := false
	if n >= d.remaining {
		n = d.remaining
		last = true
	}
	hz := d.rate.Float64()
	samples := make([]units.Measurement, n)
	for i := range samples {
		t := float64(d.i+i) / hz
		samples[i] = units.FromFloat64(d.amp*math.Sin(2*math.Pi*d.freq*t), "V")
	}
	d.i += n
	d.remaining -= n
	return &symphony.OutputData{Samples: samples, SampleRate: d.rate, IsLast: last}, nil
}

func (d *sineDevice) PushInputData(s symphony.InputStream, data *symphony.InputData) error {
	return fmt.Errorf("sine-stim consumes no input")
}

func (d *sineDevice) OutputBackground(s symphony.OutputStream) units.Measurement {
	return units.FromFloat64(0, "V")
}

func (d *sineDevice) DidOutputData(s symphony.OutputStream, t time.Time, dur time.Duration, cfg symphony.PipelineConfig) {
}

// recorderDevice persists every distributed input block.
type recorderDevice struct {
	w      *persist.Writer
	blocks int
}

func (d *recorderDevice) Name() string { return "recorder" }

func (d *recorderDevice) PullOutputData(s symphony.OutputStream, dur time.Duration) (*symphony.OutputData, error) {
	return nil, fmt.Errorf("recorder supplies no output")
}

func (d *recorderDevice) PushInputData(s symphony.InputStream, data *symphony.InputData) error {
	if err := d.w.Record(s.Name(), data); err != nil {
		return err
	}
	d.blocks++
	return nil
}

func (d *recorderDevice) OutputBackground(s symphony.OutputStream) units.Measurement {
	return units.Measurement{}
}

func (d *recorderDevice) DidOutputData(s symphony.OutputStream, t time.Time, dur time.Duration, cfg symphony.PipelineConfig) {
}
