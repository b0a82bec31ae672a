// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ni adapts National Instruments acquisition hardware to the
// symphony controller.
//
// Unlike the ITC family, NI devices exchange raw samples as IEEE-754
// double-precision volts, and the channels of one task share a
// multiplexed converter: the aggregate rate across active channels is
// bounded, so high rates may require shedding spare input channels.
package ni // import "github.com/symphony-das/symphony/ni"

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/device"
	"github.com/symphony-das/symphony/internal/serialq"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/units"
)

// VoltsUnit is the unit raw NI samples carry.
const VoltsUnit = "V"

// NI channel types within one task.
const (
	ChannelAO uint16 = 0
	ChannelAI uint16 = 1
	ChannelDO uint16 = 2
	ChannelDI uint16 = 3
)

// TaskInfo describes the channel complement of an NI task.
type TaskInfo struct {
	AnalogIn        uint16
	AnalogOut       uint16
	DigitalPorts    uint16
	PortWidth       uint8
	MaxAggregateHz  float64 // multiplexed converter limit across inputs
	TimebaseHz      float64 // onboard sample clock the rate must divide
	TransferSamples int     // driver-imposed burst limit
}

// Driver is the narrow NI-DAQmx call surface consumed by the adapter.
// Implementations are NOT safe for concurrent use; the Device adapter
// serializes all access.
type Driver interface {
	Open() error
	Close() error

	Info() (TaskInfo, error)

	Configure(cfgs []symphony.ChannelConfig) error

	Start(waitForTrigger bool) error
	Stop() error

	Status() (symphony.HardwareStatus, error)

	// Available reports per-channel sample counts: samples ready to
	// read for inputs, free buffer space for outputs.
	Available(chans []symphony.ChannelID) ([]int, error)

	ReadAnalog(ch symphony.ChannelID, buf []float64) error
	WriteAnalog(ch symphony.ChannelID, data []float64) error

	WriteSample(ch symphony.ChannelID, v float64) error
}

// Device drives one NI task through a serialized call queue.
type Device struct {
	name  string
	msg   log.MsgStream
	drv   Driver
	clock symphony.Clock

	q     *serialq.Queue
	info  TaskInfo
	rates map[symphony.ChannelID]float64
}

// DeviceOption configures a Device at construction.
type DeviceOption func(*Device)

// WithMsgStream routes adapter logging to msg.
func WithMsgStream(msg log.MsgStream) DeviceOption {
	return func(d *Device) { d.msg = msg }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk symphony.Clock) DeviceOption {
	return func(d *Device) { d.clock = clk }
}

// NewDevice builds an adapter over drv.
func NewDevice(name string, drv Driver, opts ...DeviceOption) *Device {
	d := &Device{
		name:  name,
		drv:   drv,
		clock: symphony.SystemClock,
		rates: make(map[symphony.ChannelID]float64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.msg == nil {
		d.msg = log.NewMsgStream(name, log.LvlInfo, nil)
	}
	return d
}

// Open acquires the task and starts the serialized worker.
func (d *Device) Open() error {
	if d.q != nil {
		return nil
	}
	if err := d.drv.Open(); err != nil {
		return errors.Wrap(err, "ni: could not open task")
	}
	info, err := d.drv.Info()
	if err != nil {
		_ = d.drv.Close()
		return errors.Wrap(err, "ni: could not query task info")
	}
	d.info = info
	d.q = serialq.New()
	return nil
}

// Close cancels the serialized worker and releases the task.
func (d *Device) Close() error {
	if d.q == nil {
		return nil
	}
	d.q.Close()
	d.q = nil
	return d.drv.Close()
}

func (d *Device) submit(fn func(ctx context.Context) error) error {
	if d.q == nil {
		return errors.Errorf("ni: device %q not open", d.name)
	}
	return d.q.Submit(fn)
}

// Channels enumerates the task's channel complement.
func (d *Device) Channels() ([]symphony.ChannelDescriptor, error) {
	var descs []symphony.ChannelDescriptor
	err := d.submit(func(ctx context.Context) error {
		info := d.info
		for n := uint16(0); n < info.AnalogOut; n++ {
			descs = append(descs, symphony.ChannelDescriptor{
				ID:        symphony.ChannelID{Number: n, Type: ChannelAO},
				Name:      fmt.Sprintf("ao.%d", n),
				Direction: symphony.Out,
				RawUnit:   VoltsUnit,
			})
		}
		for n := uint16(0); n < info.AnalogIn; n++ {
			descs = append(descs, symphony.ChannelDescriptor{
				ID:        symphony.ChannelID{Number: n, Type: ChannelAI},
				Name:      fmt.Sprintf("ai.%d", n),
				Direction: symphony.In,
				RawUnit:   VoltsUnit,
			})
		}
		for n := uint16(0); n < info.DigitalPorts; n++ {
			descs = append(descs,
				symphony.ChannelDescriptor{
					ID:        symphony.ChannelID{Number: n, Type: ChannelDO},
					Name:      fmt.Sprintf("do.%d", n),
					Direction: symphony.Out,
					Digital:   true,
					PortWidth: info.PortWidth,
				},
				symphony.ChannelDescriptor{
					ID:        symphony.ChannelID{Number: n, Type: ChannelDI},
					Name:      fmt.Sprintf("di.%d", n),
					Direction: symphony.In,
					Digital:   true,
					PortWidth: info.PortWidth,
				},
			)
		}
		return nil
	})
	return descs, err
}

// CanAlign reports whether a well-aligned sampling interval exists at
// rate for the given active channel counts: the rate must divide the
// onboard timebase evenly, and the aggregate input rate must fit the
// multiplexed converter.
func (d *Device) CanAlign(rate units.Measurement, nIn, nOut int) bool {
	hz := rate.Float64()
	if hz <= 0 {
		return false
	}
	if d.info.TimebaseHz > 0 {
		div := d.info.TimebaseHz / hz
		if div != float64(int64(div)) {
			return false
		}
	}
	if d.info.MaxAggregateHz > 0 && nIn > 0 {
		if hz*float64(nIn) > d.info.MaxAggregateHz {
			return false
		}
	}
	return true
}

// ConfigureChannels commits the per-channel configuration to the task.
func (d *Device) ConfigureChannels(cfgs []symphony.ChannelConfig) error {
	return d.submit(func(ctx context.Context) error {
		if err := d.drv.Configure(cfgs); err != nil {
			return errors.Wrap(err, "ni: could not configure channels")
		}
		d.rates = make(map[symphony.ChannelID]float64, len(cfgs))
		for _, cfg := range cfgs {
			d.rates[cfg.ID] = cfg.SampleRateHz
		}
		return nil
	})
}

// StartHardware starts the task, optionally armed on a trigger input.
func (d *Device) StartHardware(waitForTrigger bool) error {
	return d.submit(func(ctx context.Context) error {
		return d.drv.Start(waitForTrigger)
	})
}

// StopHardware halts the task.
func (d *Device) StopHardware() error {
	return d.submit(func(ctx context.Context) error {
		return d.drv.Stop()
	})
}

// Preload primes the output buffer before start.
func (d *Device) Preload(out map[symphony.ChannelID]*symphony.OutputData) error {
	n := -1
	for _, od := range out {
		if n == -1 {
			n = len(od.Samples)
		} else if len(od.Samples) != n {
			return errors.Errorf("ni: preload sample buffers must be homogeneous in length")
		}
	}
	return d.submit(func(ctx context.Context) error {
		return d.writeOutput(out)
	})
}

// Write pushes an incremental output block mid-run.
func (d *Device) Write(out map[symphony.ChannelID]*symphony.OutputData) error {
	return d.submit(func(ctx context.Context) error {
		return d.writeOutput(out)
	})
}

func (d *Device) writeOutput(out map[symphony.ChannelID]*symphony.OutputData) error {
	for ch, od := range out {
		raw, err := device.Encode(device.ElemFloat64, od.Samples)
		if err != nil {
			return errors.Wrapf(err, "ni: could not encode output for %v", ch)
		}
		if err := d.drv.WriteAnalog(ch, raw.F64); err != nil {
			return errors.Wrapf(err, "ni: could not write output for %v", ch)
		}
	}
	return nil
}

// WriteSample writes one output value out-of-band.
func (d *Device) WriteSample(ch symphony.ChannelID, v units.Measurement) error {
	return d.submit(func(ctx context.Context) error {
		return d.drv.WriteSample(ch, v.Float64())
	})
}

// Status reports a point-in-time health snapshot.
func (d *Device) Status() (symphony.HardwareStatus, error) {
	var st symphony.HardwareStatus
	err := d.submit(func(ctx context.Context) error {
		var err error
		st, err = d.drv.Status()
		return err
	})
	return st, err
}

// ReadWrite writes nsamples per output channel while polling for
// nsamples per input channel in driver-sized bursts, until the
// requested input count is satisfied or cancellation is observed.
func (d *Device) ReadWrite(ctx context.Context, out map[symphony.ChannelID]*symphony.OutputData, in []symphony.ChannelID, nsamples int) (map[symphony.ChannelID]*symphony.InputData, error) {
	if nsamples < 0 {
		return nil, errors.Errorf("ni: nsamples may not be negative")
	}
	for ch, od := range out {
		if len(od.Samples) != nsamples {
			return nil, errors.Errorf("ni: output for %v has %d samples, want %d", ch, len(od.Samples), nsamples)
		}
	}

	start := d.clock.Now()
	result := make(map[symphony.ChannelID]*symphony.InputData, len(in))

	err := d.submit(func(qctx context.Context) error {
		outChans := make([]symphony.ChannelID, 0, len(out))
		outRaw := make(map[symphony.ChannelID][]float64, len(out))
		for ch, od := range out {
			raw, err := device.Encode(device.ElemFloat64, od.Samples)
			if err != nil {
				return errors.Wrapf(err, "ni: could not encode output for %v", ch)
			}
			outChans = append(outChans, ch)
			outRaw[ch] = raw.F64
		}

		inRaw := make(map[symphony.ChannelID][]float64, len(in))
		for _, ch := range in {
			inRaw[ch] = make([]float64, 0, nsamples)
		}

		block := d.info.TransferSamples
		if block <= 0 {
			block = 512
		}
		if nsamples < block {
			block = nsamples
		}

		nIn, nOut := 0, 0
		for (nOut < nsamples && len(out) > 0) || (nIn < nsamples && len(in) > 0) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-qctx.Done():
				return qctx.Err()
			default:
			}

			st, err := d.drv.Status()
			if err != nil {
				return err
			}
			if !st.Running || st.Overflow || st.Underrun {
				return &symphony.HardwareError{
					Op:   "DAQmxGetTaskStatus",
					Code: st.Code,
					Msg:  fmt.Sprintf("task not running: %+v", st),
				}
			}

			if len(in) > 0 && nIn < nsamples {
				avail, err := d.drv.Available(in)
				if err != nil {
					return err
				}
				want := block
				if rem := nsamples - nIn; rem < want {
					want = rem
				}
				if want > 0 && minAvail(avail) >= want {
					for _, ch := range in {
						buf := make([]float64, want)
						if err := d.drv.ReadAnalog(ch, buf); err != nil {
							return err
						}
						inRaw[ch] = append(inRaw[ch], buf...)
					}
					nIn += want
				}
			}

			if len(out) > 0 && nOut < nsamples {
				space, err := d.drv.Available(outChans)
				if err != nil {
					return err
				}
				want := block
				if rem := nsamples - nOut; rem < want {
					want = rem
				}
				if want > 0 && minAvail(space) >= want {
					for _, ch := range outChans {
						if err := d.drv.WriteAnalog(ch, outRaw[ch][nOut:nOut+want]); err != nil {
							return err
						}
					}
					nOut += want
				}
			}
		}

		for _, ch := range in {
			ms, err := device.Decode(device.Raw{Type: device.ElemFloat64, F64: inRaw[ch]}, VoltsUnit)
			if err != nil {
				return errors.Wrapf(err, "ni: could not decode input for %v", ch)
			}
			result[ch] = &symphony.InputData{
				Samples:    ms,
				SampleRate: units.FromFloat64(d.rates[ch], "Hz"),
				Time:       start,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func minAvail(avail []int) int {
	if len(avail) == 0 {
		return 0
	}
	min := avail[0]
	for _, v := range avail[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

var (
	_ symphony.Hardware          = (*Device)(nil)
	_ symphony.SampleRateAligner = (*Device)(nil)
)
