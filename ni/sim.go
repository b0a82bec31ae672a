// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ni

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/symphony-das/symphony"
)

// SimSource produces the next raw input sample for a simulated channel.
type SimSource func(ch symphony.ChannelID, i int) float64

// NoiseSource returns a SimSource emitting zero-mean uniform noise.
func NoiseSource(seed uint64, amplitude float64) SimSource {
	rnd := rand.New(rand.NewSource(seed))
	var mu sync.Mutex
	return func(ch symphony.ChannelID, i int) float64 {
		mu.Lock()
		defer mu.Unlock()
		return amplitude * (2*rnd.Float64() - 1)
	}
}

// SimDriver is an in-memory Driver for tests and the simulator binary.
type SimDriver struct {
	Info_  TaskInfo
	Source SimSource

	mu      sync.Mutex
	open    bool
	running bool
	status  symphony.HardwareStatus
	faults  map[string]error
	written map[symphony.ChannelID][]float64
	reads   map[symphony.ChannelID]int
	starved bool
}

// LoopbackSource replays data written to the paired output channel.
// ai.N replays ao.N, di.N replays do.N.
func (d *SimDriver) LoopbackSource() SimSource {
	return func(ch symphony.ChannelID, i int) float64 {
		d.mu.Lock()
		defer d.mu.Unlock()
		src := ch
		switch ch.Type {
		case ChannelAI:
			src.Type = ChannelAO
		case ChannelDI:
			src.Type = ChannelDO
		}
		buf := d.written[src]
		if i < len(buf) {
			return buf[i]
		}
		return 0
	}
}

// SetFault makes the named driver call fail with err. A nil err clears
// the fault.
func (d *SimDriver) SetFault(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults == nil {
		d.faults = make(map[string]error)
	}
	if err == nil {
		delete(d.faults, op)
		return
	}
	d.faults[op] = err
}

// ForceStatus pins the status reported to the adapter.
func (d *SimDriver) ForceStatus(st symphony.HardwareStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = st
}

// Starve withholds input availability, parking ReadWrite in its poll
// loop until cancelled.
func (d *SimDriver) Starve(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starved = on
}

// Written reports all samples written to ch so far.
func (d *SimDriver) Written(ch symphony.ChannelID) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.written[ch]...)
}

func (d *SimDriver) fault(op string) error {
	if err, ok := d.faults[op]; ok {
		return err
	}
	return nil
}

func (d *SimDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Open"); err != nil {
		return err
	}
	d.open = true
	d.written = make(map[symphony.ChannelID][]float64)
	d.reads = make(map[symphony.ChannelID]int)
	if d.Info_ == (TaskInfo{}) {
		d.Info_ = TaskInfo{
			AnalogIn:        8,
			AnalogOut:       4,
			DigitalPorts:    1,
			PortWidth:       32,
			TransferSamples: 512,
		}
	}
	return nil
}

func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.running = false
	return nil
}

func (d *SimDriver) Info() (TaskInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Info"); err != nil {
		return TaskInfo{}, err
	}
	return d.Info_, nil
}

func (d *SimDriver) Configure(cfgs []symphony.ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fault("Configure")
}

func (d *SimDriver) Start(waitForTrigger bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Start"); err != nil {
		return err
	}
	d.running = true
	d.status = symphony.HardwareStatus{Running: true}
	return nil
}

func (d *SimDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.status.Running = false
	return nil
}

func (d *SimDriver) Status() (symphony.HardwareStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Status"); err != nil {
		return symphony.HardwareStatus{}, err
	}
	return d.status, nil
}

func (d *SimDriver) Available(chans []symphony.ChannelID) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Available"); err != nil {
		return nil, err
	}
	avail := make([]int, len(chans))
	for i, ch := range chans {
		switch ch.Type {
		case ChannelAI, ChannelDI:
			if d.starved {
				avail[i] = 0
			} else {
				avail[i] = d.Info_.TransferSamples
			}
		default:
			avail[i] = 1 << 20
		}
	}
	return avail, nil
}

func (d *SimDriver) ReadAnalog(ch symphony.ChannelID, buf []float64) error {
	d.mu.Lock()
	if err := d.fault("ReadAnalog"); err != nil {
		d.mu.Unlock()
		return err
	}
	off := d.reads[ch]
	d.reads[ch] += len(buf)
	src := d.Source
	d.mu.Unlock()
	for i := range buf {
		if src != nil {
			buf[i] = src(ch, off+i)
		}
	}
	return nil
}

func (d *SimDriver) WriteAnalog(ch symphony.ChannelID, data []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("WriteAnalog"); err != nil {
		return err
	}
	if !d.open {
		return fmt.Errorf("ni: sim task not open")
	}
	d.written[ch] = append(d.written[ch], data...)
	return nil
}

func (d *SimDriver) WriteSample(ch symphony.ChannelID, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("WriteSample"); err != nil {
		return err
	}
	d.written[ch] = append(d.written[ch], v)
	return nil
}

var _ Driver = (*SimDriver)(nil)
