// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony/units"
)

// fakeOwner is a minimal StreamOwner for stream-level tests.
type fakeOwner struct {
	rate units.Measurement
	reg  *units.ConversionRegistry
}

func newFakeOwner(rateHz float64) *fakeOwner {
	return &fakeOwner{
		rate: units.FromFloat64(rateHz, "Hz"),
		reg:  units.NewConversionRegistry(),
	}
}

func (o *fakeOwner) SampleRate() units.Measurement        { return o.rate }
func (o *fakeOwner) Clock() Clock                         { return SystemClock }
func (o *fakeOwner) Registry() *units.ConversionRegistry  { return o.reg }
func (o *fakeOwner) Configuration() PipelineConfig        { return NewPipelineConfig() }

// fakeDevice is a scriptable ExternalDevice.
type fakeDevice struct {
	name       string
	rate       units.Measurement
	value      func(i int) units.Measurement
	background units.Measurement

	// remaining caps the total samples supplied; negative is unbounded.
	remaining int

	mu       sync.Mutex
	pulled   int
	pushed   [][]units.Measurement
	lastPush *InputData
	notified int
	pullLog  *[]string
	pushErr  error
}

func newFakeDevice(name string, rateHz float64, value func(i int) units.Measurement) *fakeDevice {
	return &fakeDevice{
		name:      name,
		rate:      units.FromFloat64(rateHz, "Hz"),
		value:     value,
		remaining: -1,
	}
}

func constValue(m units.Measurement) func(int) units.Measurement {
	return func(int) units.Measurement { return m }
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) PullOutputData(s OutputStream, dur time.Duration) (*OutputData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pullLog != nil {
		*d.pullLog = append(*d.pullLog, d.name)
	}
	n := SamplesIn(d.rate, dur)
	last := false
	if d.remaining >= 0 && n >= d.remaining {
		n = d.remaining
		last = true
	}
	samples := make([]units.Measurement, n)
	for i := range samples {
		samples[i] = d.value(d.pulled + i)
	}
	d.pulled += n
	if d.remaining >= 0 {
		d.remaining -= n
	}
	return &OutputData{Samples: samples, SampleRate: d.rate, IsLast: last}, nil
}

func (d *fakeDevice) PushInputData(s InputStream, data *InputData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return d.pushErr
	}
	d.pushed = append(d.pushed, data.Samples)
	d.lastPush = data
	return nil
}

func (d *fakeDevice) OutputBackground(s OutputStream) units.Measurement { return d.background }

func (d *fakeDevice) DidOutputData(s OutputStream, t time.Time, dur time.Duration, cfg PipelineConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified++
}

func (d *fakeDevice) notifications() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notified
}

func (d *fakeDevice) pushedBlocks() [][]units.Measurement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]units.Measurement(nil), d.pushed...)
}

// fakeHardware is a scriptable Hardware adapter.
type fakeHardware struct {
	descs []ChannelDescriptor

	mu        sync.Mutex
	callLog   []string
	open      bool
	rates     map[ChannelID]float64
	preloaded map[ChannelID]int
	written   map[ChannelID]int
	applied   map[ChannelID]units.Measurement

	inValue      units.Measurement
	pace         time.Duration
	readCalls    int
	readErrAfter int // 1-based ReadWrite call that fails; 0 disables
	readErr      error
	openFails    int
}

func analogRig() []ChannelDescriptor {
	return []ChannelDescriptor{
		{ID: ChannelID{Number: 0, Type: 1}, Name: "ai.0", Direction: In, RawUnit: "V"},
		{ID: ChannelID{Number: 0, Type: 0}, Name: "ao.0", Direction: Out, RawUnit: "V"},
	}
}

func newFakeHardware(descs []ChannelDescriptor) *fakeHardware {
	return &fakeHardware{
		descs:     descs,
		rates:     make(map[ChannelID]float64),
		preloaded: make(map[ChannelID]int),
		written:   make(map[ChannelID]int),
		applied:   make(map[ChannelID]units.Measurement),
		inValue:   units.FromFloat64(0.5, "V"),
		pace:      time.Millisecond,
	}
}

func (h *fakeHardware) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callLog = append(h.callLog, call)
}

func (h *fakeHardware) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.callLog...)
}

func (h *fakeHardware) countCalls(name string) int {
	n := 0
	for _, c := range h.calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (h *fakeHardware) Open() error {
	h.record("Open")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openFails > 0 {
		h.openFails--
		return xerrors.Errorf("fake: open refused")
	}
	h.open = true
	return nil
}

func (h *fakeHardware) Close() error {
	h.record("Close")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open = false
	return nil
}

func (h *fakeHardware) Channels() ([]ChannelDescriptor, error) {
	h.record("Channels")
	return h.descs, nil
}

func (h *fakeHardware) ConfigureChannels(cfgs []ChannelConfig) error {
	h.record("ConfigureChannels")
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cfg := range cfgs {
		h.rates[cfg.ID] = cfg.SampleRateHz
	}
	return nil
}

func (h *fakeHardware) StartHardware(waitForTrigger bool) error {
	h.record("StartHardware")
	return nil
}

func (h *fakeHardware) StopHardware() error {
	h.record("StopHardware")
	return nil
}

func (h *fakeHardware) Preload(out map[ChannelID]*OutputData) error {
	h.record("Preload")
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, od := range out {
		h.preloaded[ch] += len(od.Samples)
	}
	return nil
}

func (h *fakeHardware) Write(out map[ChannelID]*OutputData) error {
	h.record("Write")
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, od := range out {
		h.written[ch] += len(od.Samples)
	}
	return nil
}

func (h *fakeHardware) ReadWrite(ctx context.Context, out map[ChannelID]*OutputData, in []ChannelID, nsamples int) (map[ChannelID]*InputData, error) {
	h.record("ReadWrite")
	h.mu.Lock()
	h.readCalls++
	if h.readErrAfter > 0 && h.readCalls >= h.readErrAfter {
		err := h.readErr
		if err == nil {
			err = &HardwareError{Op: "fakeReadWrite", Code: 0x02, Msg: "output underrun"}
		}
		h.mu.Unlock()
		return nil, err
	}
	for ch, od := range out {
		h.written[ch] += len(od.Samples)
	}
	result := make(map[ChannelID]*InputData, len(in))
	for _, ch := range in {
		samples := make([]units.Measurement, nsamples)
		for i := range samples {
			samples[i] = h.inValue
		}
		result[ch] = &InputData{
			Samples:    samples,
			SampleRate: units.FromFloat64(h.rates[ch], "Hz"),
			Time:       time.Now(),
		}
	}
	pace := h.pace
	h.mu.Unlock()
	if pace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pace):
		}
	}
	return result, nil
}

func (h *fakeHardware) WriteSample(ch ChannelID, v units.Measurement) error {
	h.record("WriteSample")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied[ch] = v
	return nil
}

func (h *fakeHardware) Status() (HardwareStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HardwareStatus{Running: h.open}, nil
}

// alignedHardware adds a multiplexed-converter rate constraint.
type alignedHardware struct {
	*fakeHardware
	maxAggregateHz float64
}

func (h *alignedHardware) CanAlign(rate units.Measurement, nIn, nOut int) bool {
	return rate.Float64()*float64(nIn) <= h.maxAggregateHz
}

var (
	_ Hardware          = (*fakeHardware)(nil)
	_ SampleRateAligner = (*alignedHardware)(nil)
	_ ExternalDevice    = (*fakeDevice)(nil)
	_ StreamOwner       = (*fakeOwner)(nil)
)
