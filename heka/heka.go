// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heka adapts Heka/Instrutech ITC acquisition hardware to the
// symphony controller.
//
// The native driver handle tolerates calls from exactly one thread, so
// every driver call is marshaled onto a single serialized worker; from
// the caller's perspective each adapter method is a blocking call
// behind a mutex. Raw samples are 16-bit signed hardware counts.
package heka // import "github.com/symphony-das/symphony/heka"

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

// Device drives one ITC device through a serialized call queue.
type Device struct {
	name  string
	msg   log.MsgStream
	drv   Driver
	clock symphony.Clock

	q     *serialq.Queue
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

// NewDevice builds an adapter over drv. The driver is not opened until
// Open.
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

func hwerr(op string, code int32) error {
	return &symphony.HardwareError{Op: op, Code: code}
}

// Open acquires the driver handle and starts the serialized worker.
func (d *Device) Open() error {
	if d.q != nil {
		return nil
	}
	if code := d.drv.Open(); code != OK {
		return hwerr("ITC_OpenDevice", code)
	}
	d.q = serialq.New()
	return nil
}

// Close cancels the serialized worker, unwinding any in-flight
// transfer, and releases the driver handle.
func (d *Device) Close() error {
	if d.q == nil {
		return nil
	}
	d.q.Close()
	d.q = nil
	if code := d.drv.Close(); code != OK {
		return hwerr("ITC_CloseDevice", code)
	}
	return nil
}

func (d *Device) submit(fn func(ctx context.Context) error) error {
	if d.q == nil {
		return errors.Errorf("heka: device %q not open", d.name)
	}
	return d.q.Submit(fn)
}

// Channels enumerates the device's channel complement.
func (d *Device) Channels() ([]symphony.ChannelDescriptor, error) {
	var descs []symphony.ChannelDescriptor
	err := d.submit(func(ctx context.Context) error {
		info, code := d.drv.Info()
		if code != OK {
			return hwerr("ITC_GetDeviceInfo", code)
		}
		for n := uint16(0); n < info.AnalogOut; n++ {
			descs = append(descs, symphony.ChannelDescriptor{
				ID:        symphony.ChannelID{Number: n, Type: ChannelD2A},
				Name:      fmt.Sprintf("ao.%d", n),
				Direction: symphony.Out,
				RawUnit:   CountsUnit,
			})
		}
		for n := uint16(0); n < info.AnalogIn; n++ {
			descs = append(descs, symphony.ChannelDescriptor{
				ID:        symphony.ChannelID{Number: n, Type: ChannelA2D},
				Name:      fmt.Sprintf("ai.%d", n),
				Direction: symphony.In,
				RawUnit:   CountsUnit,
			})
		}
		for n := uint16(0); n < info.DigitalPorts; n++ {
			descs = append(descs,
				symphony.ChannelDescriptor{
					ID:        symphony.ChannelID{Number: n, Type: ChannelDigOut},
					Name:      fmt.Sprintf("do.%d", n),
					Direction: symphony.Out,
					Digital:   true,
					PortWidth: info.PortWidth,
				},
				symphony.ChannelDescriptor{
					ID:        symphony.ChannelID{Number: n, Type: ChannelDigIn},
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

// ConfigureChannels resets the hardware channel table and commits the
// given configurations.
func (d *Device) ConfigureChannels(cfgs []symphony.ChannelConfig) error {
	return d.submit(func(ctx context.Context) error {
		if code := d.drv.SetChannels(cfgs); code != OK {
			return hwerr("ITC_SetChannels", code)
		}
		d.rates = make(map[symphony.ChannelID]float64, len(cfgs))
		for _, cfg := range cfgs {
			d.rates[cfg.ID] = cfg.SampleRateHz
		}
		return nil
	})
}

// StartHardware starts acquisition, optionally armed on the external
// trigger input.
func (d *Device) StartHardware(waitForTrigger bool) error {
	return d.submit(func(ctx context.Context) error {
		if code := d.drv.Start(waitForTrigger); code != OK {
			return hwerr("ITC_Start", code)
		}
		return nil
	})
}

// StopHardware halts acquisition.
func (d *Device) StopHardware() error {
	return d.submit(func(ctx context.Context) error {
		if code := d.drv.Stop(); code != OK {
			return hwerr("ITC_Stop", code)
		}
		return nil
	})
}

// Preload primes the hardware FIFO before start. All buffers must be
// of equal length; the hardware begins consuming the moment it starts
// and a short channel would underrun immediately.
func (d *Device) Preload(out map[symphony.ChannelID]*symphony.OutputData) error {
	n := -1
	for _, od := range out {
		if n == -1 {
			n = len(od.Samples)
		} else if len(od.Samples) != n {
			return errors.Errorf("heka: preload sample buffers must be homogeneous in length")
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
		raw, err := device.Encode(device.ElemInt16, od.Samples)
		if err != nil {
			return errors.Wrapf(err, "heka: could not encode output for %v", ch)
		}
		if code := d.drv.WriteFIFO(ch, raw.I16); code != OK {
			return hwerr("ITC_WriteFIFO", code)
		}
	}
	return nil
}

// WriteSample writes one output value out-of-band.
func (d *Device) WriteSample(ch symphony.ChannelID, v units.Measurement) error {
	return d.submit(func(ctx context.Context) error {
		if code := d.drv.WriteSample(ch, int16(v.Int64())); code != OK {
			return hwerr("ITC_AsyncIO", code)
		}
		return nil
	})
}

// Status reports a point-in-time health snapshot.
func (d *Device) Status() (symphony.HardwareStatus, error) {
	var st symphony.HardwareStatus
	err := d.submit(func(ctx context.Context) error {
		state, code := d.drv.GetState()
		if code != OK {
			return hwerr("ITC_GetState", code)
		}
		st = statusOf(state)
		return nil
	})
	return st, err
}

func statusOf(state State) symphony.HardwareStatus {
	return symphony.HardwareStatus{
		Running:  state.RunningMode&RunState != 0,
		Overflow: state.Overflow&(ReadOverflowH|ReadOverflowS) != 0,
		Underrun: state.Overflow&(WriteUnderrunH|WriteUnderrunS) != 0,
		Code:     int32(state.Overflow),
	}
}

// checkState raises when the device has left the running state or
// reports an unrecovered overflow/underrun. The fault is never retried
// here: it propagates to the controller's exceptional-stop path.
func (d *Device) checkState() error {
	state, code := d.drv.GetState()
	if code != OK {
		return hwerr("ITC_GetState", code)
	}
	switch {
	case state.RunningMode == DeadState:
		return &symphony.HardwareError{
			Op:   "ITC_GetState",
			Code: int32(state.Overflow),
			Msg:  "device not running: DEAD (likely hardware underrun)",
		}
	case state.RunningMode&RunState == 0,
		state.RunningMode&ErrorState != 0 && state.Overflow&(WriteUnderrunH|WriteUnderrunS) != 0,
		state.RunningMode&ErrorState != 0 && state.Overflow&(ReadOverflowH|ReadOverflowS) != 0:
		return &symphony.HardwareError{
			Op:   "ITC_GetState",
			Code: int32(state.Overflow),
			Msg:  fmt.Sprintf("device not running: mode=0x%X overflow=0x%X", state.RunningMode, state.Overflow),
		}
	}
	return nil
}

// ReadWrite writes nsamples per output channel while polling for
// nsamples per input channel, transferring in blocks of at most
// TransferBlockSamples, until the requested input count is satisfied
// or cancellation is observed.
func (d *Device) ReadWrite(ctx context.Context, out map[symphony.ChannelID]*symphony.OutputData, in []symphony.ChannelID, nsamples int) (map[symphony.ChannelID]*symphony.InputData, error) {
	if nsamples < 0 {
		return nil, errors.Errorf("heka: nsamples may not be negative")
	}
	for ch, od := range out {
		if len(od.Samples) != nsamples {
			return nil, errors.Errorf("heka: output for %v has %d samples, want %d", ch, len(od.Samples), nsamples)
		}
	}

	start := d.clock.Now()
	result := make(map[symphony.ChannelID]*symphony.InputData, len(in))

	err := d.submit(func(qctx context.Context) error {
		outChans := make([]symphony.ChannelID, 0, len(out))
		outRaw := make(map[symphony.ChannelID][]int16, len(out))
		for ch, od := range out {
			raw, err := device.Encode(device.ElemInt16, od.Samples)
			if err != nil {
				return errors.Wrapf(err, "heka: could not encode output for %v", ch)
			}
			outChans = append(outChans, ch)
			outRaw[ch] = raw.I16
		}

		inRaw := make(map[symphony.ChannelID][]int16, len(in))
		for _, ch := range in {
			inRaw[ch] = make([]int16, 0, nsamples)
		}

		block := TransferBlockSamples
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

			if err := d.checkState(); err != nil {
				return err
			}

			if code := d.drv.Update(); code != OK {
				return hwerr("ITC_UpdateNow", code)
			}

			if len(in) > 0 && nIn < nsamples {
				avail, code := d.drv.Available(in)
				if code != OK {
					return hwerr("ITC_GetDataAvailable", code)
				}
				want := block
				if rem := nsamples - nIn; rem < want {
					want = rem
				}
				if minAvail(avail) >= int32(want) && want > 0 {
					for _, ch := range in {
						buf := make([]int16, want)
						if code := d.drv.ReadFIFO(ch, buf); code != OK {
							return hwerr("ITC_ReadWriteFIFO", code)
						}
						inRaw[ch] = append(inRaw[ch], buf...)
					}
					nIn += want
				}
			}

			if len(out) > 0 && nOut < nsamples {
				space, code := d.drv.Available(outChans)
				if code != OK {
					return hwerr("ITC_GetDataAvailable", code)
				}
				want := block
				if rem := nsamples - nOut; rem < want {
					want = rem
				}
				if minAvail(space) >= int32(want) && want > 0 {
					for _, ch := range outChans {
						if code := d.drv.WriteFIFO(ch, outRaw[ch][nOut:nOut+want]); code != OK {
							return hwerr("ITC_ReadWriteFIFO", code)
						}
					}
					nOut += want
				}
			}
		}

		for _, ch := range in {
			ms, err := device.Decode(device.Raw{Type: device.ElemInt16, I16: inRaw[ch]}, CountsUnit)
			if err != nil {
				return errors.Wrapf(err, "heka: could not decode input for %v", ch)
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

func minAvail(avail []int32) int32 {
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

// RegisterConversions installs the ITC unit conversions: volts to and
// from hardware counts at the fixed device gain. Digital streams are
// unitless and need no registration.
func RegisterConversions(reg *units.ConversionRegistry) {
	reg.Register("V", CountsUnit,
		units.Linear(CountsUnit, units.FromInt64(CountsPerVolt, CountsUnit)))
	// 1/3200 is exact in decimal.
	reg.Register(CountsUnit, "V",
		units.Linear("V", units.MustParse("0.0003125", 0, "V")))
}

var _ symphony.Hardware = (*Device)(nil)
