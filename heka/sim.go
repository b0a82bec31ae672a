// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heka // import "github.com/symphony-das/symphony/heka"

import (
	"sync"

	"golang.org/x/exp/rand"

	"github.com/symphony-das/symphony"
)

// SimSource produces the input samples a simulated channel reports.
type SimSource func(ch symphony.ChannelID, n int) []int16

// NoiseSource returns a SimSource of uniform noise within +-amplitude
// counts.
func NoiseSource(seed uint64, amplitude int16) SimSource {
	rng := rand.New(rand.NewSource(seed))
	return func(ch symphony.ChannelID, n int) []int16 {
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(rng.Intn(int(2*amplitude+1))) - amplitude
		}
		return out
	}
}

// LoopbackSource returns a SimSource replaying the most recent data
// written to the paired output channel, zero-filled when the output is
// ahead.
func (d *SimDriver) LoopbackSource() SimSource {
	return func(ch symphony.ChannelID, n int) []int16 {
		pair := symphony.ChannelID{Number: ch.Number, Type: ChannelD2A}
		if ch.Type == ChannelDigIn {
			pair = symphony.ChannelID{Number: ch.Number, Type: ChannelDigOut}
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		written := d.written[pair]
		out := make([]int16, n)
		copy(out, written)
		if len(written) > n {
			d.written[pair] = written[n:]
		} else {
			d.written[pair] = nil
		}
		return out
	}
}

// SimDriver is an in-memory Driver for tests and the example binaries.
// It reports data as immediately available, so transfers complete at
// host speed rather than at the configured sample rate.
type SimDriver struct {
	Info_  DeviceInfo
	Source SimSource

	mu       sync.Mutex
	open     bool
	running  bool
	state    State
	faults   map[string]int32
	written  map[symphony.ChannelID][]int16
	failIn   int // fail the state check after this many reads; 0 disables
	reads    int
	starved  bool
	nWritten map[symphony.ChannelID]int
}

// NewSimDriver builds a simulated ITC-18-like device: 4 analog outputs,
// 8 analog inputs, one 16-bit digital port pair.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		Info_: DeviceInfo{
			AnalogIn:     8,
			AnalogOut:    4,
			DigitalPorts: 1,
			PortWidth:    16,
		},
		faults:   make(map[string]int32),
		written:  make(map[symphony.ChannelID][]int16),
		nWritten: make(map[symphony.ChannelID]int),
	}
}

// SetFault makes the named driver call fail with code until cleared
// with code 0.
func (d *SimDriver) SetFault(op string, code int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults == nil {
		d.faults = make(map[string]int32)
	}
	if code == OK {
		delete(d.faults, op)
		return
	}
	d.faults[op] = code
}

// FailAfterReads drives the device into the dead state after n FIFO
// read passes, simulating a hardware underrun mid-run.
func (d *SimDriver) FailAfterReads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failIn = n
}

// Starve makes Available report zero samples, so transfers spin until
// cancelled.
func (d *SimDriver) Starve(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starved = on
}

// ForceState overrides the reported device state.
func (d *SimDriver) ForceState(st State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = st
	d.running = st.RunningMode&RunState != 0
}

// Written returns the total samples written to ch since open.
func (d *SimDriver) Written(ch symphony.ChannelID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nWritten[ch]
}

func (d *SimDriver) fault(op string) (int32, bool) {
	code, ok := d.faults[op]
	return code, ok
}

func (d *SimDriver) Open() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("open"); ok {
		return code
	}
	d.open = true
	d.state = State{}
	d.reads = 0
	d.written = make(map[symphony.ChannelID][]int16)
	d.nWritten = make(map[symphony.ChannelID]int)
	if d.Info_ == (DeviceInfo{}) {
		d.Info_ = DeviceInfo{
			AnalogIn:     8,
			AnalogOut:    4,
			DigitalPorts: 1,
			PortWidth:    16,
		}
	}
	return OK
}

func (d *SimDriver) Close() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.running = false
	return OK
}

func (d *SimDriver) Info() (DeviceInfo, int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("info"); ok {
		return DeviceInfo{}, code
	}
	return d.Info_, OK
}

func (d *SimDriver) SetChannels(cfgs []symphony.ChannelConfig) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("configure"); ok {
		return code
	}
	return OK
}

func (d *SimDriver) Start(waitForTrigger bool) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("start"); ok {
		return code
	}
	d.running = true
	d.state = State{RunningMode: RunState}
	return OK
}

func (d *SimDriver) Stop() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.state = State{}
	return OK
}

func (d *SimDriver) Update() int32 { return OK }

func (d *SimDriver) GetState() (State, int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("state"); ok {
		return State{}, code
	}
	if d.failIn > 0 && d.reads >= d.failIn {
		return State{RunningMode: DeadState, Overflow: WriteUnderrunH}, OK
	}
	return d.state, OK
}

func (d *SimDriver) Available(chans []symphony.ChannelID) ([]int32, int32) {
	d.mu.Lock()
	code, ok := d.fault("available")
	starved := d.starved
	d.mu.Unlock()
	if ok {
		return nil, code
	}
	// Everything is always ready: full blocks for inputs, free space
	// for outputs.
	avail := make([]int32, len(chans))
	if starved {
		return avail, OK
	}
	for i := range avail {
		avail[i] = TransferBlockSamples
	}
	return avail, OK
}

func (d *SimDriver) ReadFIFO(ch symphony.ChannelID, buf []int16) int32 {
	d.mu.Lock()
	if code, ok := d.fault("read"); ok {
		d.mu.Unlock()
		return code
	}
	d.reads++
	src := d.Source
	d.mu.Unlock()

	if src == nil {
		return OK // zero-filled
	}
	copy(buf, src(ch, len(buf)))
	return OK
}

func (d *SimDriver) WriteFIFO(ch symphony.ChannelID, data []int16) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("write"); ok {
		return code
	}
	d.written[ch] = append(d.written[ch], data...)
	d.nWritten[ch] += len(data)
	return OK
}

func (d *SimDriver) WriteSample(ch symphony.ChannelID, v int16) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fault("async"); ok {
		return code
	}
	d.written[ch] = append(d.written[ch], v)
	d.nWritten[ch]++
	return OK
}

var _ Driver = (*SimDriver)(nil)
