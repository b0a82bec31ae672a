// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command symphony-shell is an interactive front-end to a simulated
// acquisition controller.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/flags"
	"github.com/symphony-das/symphony/heka"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/units"
)

var shellCmds = []string{"init", "start", "stop", "status", "stats", "rate", "bg", "quit"}

func main() {
	cfg := flags.New()
	msg := log.NewMsgStream(cfg.Name, cfg.Level, log.WithSync(os.Stdout))

	drv := heka.NewSimDriver()
	drv.Source = heka.NoiseSource(uint64(time.Now().UnixNano()), 100)
	dev := heka.NewDevice(cfg.Name+"-itc", drv, heka.WithMsgStream(msg))

	reg := units.NewConversionRegistry()
	heka.RegisterConversions(reg)

	ctl := symphony.NewController(cfg.Name, dev, reg, symphony.WithMsgStream(msg))
	if err := ctl.SetSampleRate(units.FromFloat64(cfg.SampleRateHz, "Hz")); err != nil {
		msg.Errorf("could not set sample rate: %+v", err)
		os.Exit(1)
	}
	ctl.OnStopped(func(err error) {
		if err != nil {
			msg.Errorf("run ended: %+v", err)
			return
		}
		msg.Infof("run ended")
	})
	defer ctl.CloseHardware()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var out []string
		for _, cmd := range shellCmds {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}
		return out
	})

	for {
		line, err := term.Prompt(cfg.Name + ">> ")
		switch err {
		case nil:
			// ok
		case io.EOF, liner.ErrPromptAborted:
			fmt.Println()
			return
		default:
			msg.Errorf("could not read line: %+v", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		args := strings.Fields(line)
		switch args[0] {
		case "init":
			if err := ctl.InitHardware(); err != nil {
				msg.Errorf("init failed: %+v", err)
				continue
			}
			bindNoiseRig(ctl)
			msg.Infof("hardware ready: %d inputs, %d outputs",
				len(ctl.InputStreams()), len(ctl.OutputStreams()))
		case "start":
			if err := ctl.Start(false); err != nil {
				msg.Errorf("start failed: %+v", err)
			}
		case "stop":
			ctl.Stop()
		case "status":
			fmt.Printf("state=%v rate=%v interval=%v\n",
				ctl.State(), ctl.SampleRate(), ctl.ProcessInterval())
		case "stats":
			st := ctl.LoopStats()
			fmt.Printf("iterations=%d mean=%v sigma=%v\n", st.N, st.Mean, st.StdDev)
		case "rate":
			if len(args) != 2 {
				fmt.Println("usage: rate <hz>")
				continue
			}
			hz, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				msg.Errorf("invalid rate %q: %+v", args[1], err)
				continue
			}
			if err := ctl.SetSampleRate(units.FromFloat64(hz, "Hz")); err != nil {
				msg.Errorf("could not set rate: %+v", err)
			}
		case "bg":
			for _, s := range ctl.OutputStreams() {
				if !s.Active() {
					continue
				}
				if err := ctl.ApplyStreamBackground(s); err != nil {
					msg.Errorf("could not apply background for %q: %+v", s.Name(), err)
				}
			}
		case "quit":
			ctl.Stop()
			return
		default:
			fmt.Printf("unknown command %q (try: %s)\n", args[0], strings.Join(shellCmds, ", "))
		}
	}
}

// bindNoiseRig attaches a holding stimulus to the first output and a
// sample counter to the first input so the controller validates.
func bindNoiseRig(ctl *symphony.Controller) {
	if out, ok := ctl.OutputStream("ao.0").(*symphony.DAQOutputStream); ok && !out.Active() {
		out.SetMeasurementConversionTarget(heka.CountsUnit)
		out.BindDevice(&holdDevice{level: units.FromFloat64(0, "V")})
	}
	if in, ok := ctl.InputStream("ai.0").(*symphony.DAQInputStream); ok && !in.Active() {
		in.SetMeasurementConversionTarget("V")
		in.BindDevice(&countDevice{})
	}
}

// holdDevice supplies an endless constant stimulus.
type holdDevice struct {
	level units.Measurement
}

func (d *holdDevice) Name() string { return "hold" }

func (d *holdDevice) PullOutputData(s symphony.OutputStream, dur time.Duration) (*symphony.OutputData, error) {
	n := symphony.SamplesIn(s.SampleRate(), dur)
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = d.level
	}
	return &symphony.OutputData{Samples: samples, SampleRate: s.SampleRate()}, nil
}

func (d *holdDevice) PushInputData(s symphony.InputStream, data *symphony.InputData) error {
	return fmt.Errorf("hold consumes no input")
}

func (d *holdDevice) OutputBackground(s symphony.OutputStream) units.Measurement { return d.level }

func (d *holdDevice) DidOutputData(s symphony.OutputStream, t time.Time, dur time.Duration, cfg symphony.PipelineConfig) {
}

// countDevice counts acquired samples.
type countDevice struct {
	n int
}

func (d *countDevice) Name() string { return "counter" }

func (d *countDevice) PullOutputData(s symphony.OutputStream, dur time.Duration) (*symphony.OutputData, error) {
	return nil, fmt.Errorf("counter supplies no output")
}

func (d *countDevice) PushInputData(s symphony.InputStream, data *symphony.InputData) error {
	d.n += len(data.Samples)
	return nil
}

func (d *countDevice) OutputBackground(s symphony.OutputStream) units.Measurement {
	return units.Measurement{}
}

func (d *countDevice) DidOutputData(s symphony.OutputStream, t time.Time, dur time.Duration, cfg symphony.PipelineConfig) {
}
