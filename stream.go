// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"time"

	"github.com/symphony-das/symphony/units"
)

// Clock is the time reference streams and the controller share.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is a Clock backed by the wall clock.
var SystemClock Clock = systemClock{}

// StreamOwner is what a stream delegates to for its sample rate, time
// reference, unit conversions and pipeline configuration. A Controller
// is the only production implementation.
type StreamOwner interface {
	SampleRate() units.Measurement
	Clock() Clock
	Registry() *units.ConversionRegistry
	Configuration() PipelineConfig
}

// Stream is a named logical channel, one direction, bound to one
// hardware channel. Stream identity is (name, owning controller) and
// persists across runs; devices may be rebound between runs.
type Stream interface {
	Name() string
	Channel() ChannelID

	// SampleRate delegates to the owning controller. Streams cannot
	// carry a rate of their own.
	SampleRate() units.Measurement

	// MeasurementConversionTarget is the unit data crossing this
	// stream is converted to.
	MeasurementConversionTarget() string

	// Active reports whether any device is bound.
	Active() bool

	Validate() Validation
}

// InputStream carries acquired data from the hardware to its bound
// devices.
type InputStream interface {
	Stream

	Devices() []ExternalDevice
	BindDevice(dev ExternalDevice)

	// Deactivate unbinds every device, leaving the stream inactive.
	// Validation uses it to shed spare inputs when the hardware cannot
	// align the requested rate.
	Deactivate()

	// PushInputData converts data to the stream's conversion target,
	// stamps it with the stream configuration and forwards it to every
	// bound device.
	PushInputData(data *InputData) error
}

// OutputStream carries stimulus data from its bound devices to the
// hardware.
type OutputStream interface {
	Stream

	Devices() []ExternalDevice
	BindDevice(dev ExternalDevice)

	// PullOutputData merges the next duration's worth of data from
	// every bound device, converted to the stream's conversion target.
	PullOutputData(d time.Duration) (*OutputData, error)

	// HasMoreData is true until any bound device delivers its final
	// block. Reset rearms it for the next run.
	HasMoreData() bool
	Reset()

	// Background is the merged idle value of the bound devices,
	// expressed in the conversion target.
	Background() (units.Measurement, error)

	// DidOutputData relays a hardware-write notification to every
	// bound device.
	DidOutputData(t time.Time, d time.Duration, cfg PipelineConfig)
}

type streamBase struct {
	name    string
	ch      ChannelID
	rawUnit string
	owner   StreamOwner
	target  string
	devices []ExternalDevice
}

func (s *streamBase) Name() string                        { return s.name }
func (s *streamBase) Channel() ChannelID                  { return s.ch }
func (s *streamBase) MeasurementConversionTarget() string { return s.target }
func (s *streamBase) Active() bool                        { return len(s.devices) > 0 }
func (s *streamBase) Devices() []ExternalDevice           { return s.devices }
func (s *streamBase) BindDevice(dev ExternalDevice)       { s.devices = append(s.devices, dev) }
func (s *streamBase) Deactivate()                         { s.devices = nil }

func (s *streamBase) SampleRate() units.Measurement {
	if s.owner == nil {
		return units.Measurement{}
	}
	return s.owner.SampleRate()
}

// SetMeasurementConversionTarget sets the unit data crossing the
// stream is converted to.
func (s *streamBase) SetMeasurementConversionTarget(unit string) { s.target = unit }

func (s *streamBase) configNode() NodeConfig {
	return NodeConfig{
		"channel":          s.ch.String(),
		"conversionTarget": s.target,
		"sampleRate":       s.SampleRate().String(),
	}
}

// validate covers the checks common to every stream kind, first
// failure wins.
func (s *streamBase) validate() Validation {
	if s.name == "" {
		return Invalid("stream has no name")
	}
	if s.owner == nil || s.owner.Clock() == nil {
		return Invalid("stream %q has no clock reference", s.name)
	}
	if !s.Active() {
		return Valid()
	}
	if s.target == "" {
		return Invalid("stream %q has no measurement conversion target", s.name)
	}
	if s.target != units.Unitless && !s.owner.Registry().TestTo(s.rawUnit, s.target) {
		return Invalid("stream %q cannot convert %q to %q", s.name, s.rawUnit, s.target)
	}
	return Valid()
}

// DAQInputStream is the analog input stream implementation.
type DAQInputStream struct {
	streamBase
}

// NewDAQInputStream builds an input stream for hardware channel ch.
// rawUnit is the unit the adapter's samples arrive in.
func NewDAQInputStream(name string, ch ChannelID, rawUnit string, owner StreamOwner) *DAQInputStream {
	return &DAQInputStream{streamBase{name: name, ch: ch, rawUnit: rawUnit, owner: owner}}
}

func (s *DAQInputStream) Validate() Validation { return s.validate() }

// PushInputData converts data to the conversion target, stamps it with
// this stream's configuration and forwards it to every bound device.
func (s *DAQInputStream) PushInputData(data *InputData) error {
	if s.target == "" {
		return daqErrorf("input stream %q has no measurement conversion target", s.name)
	}
	samples := data.Samples
	if s.target != units.Unitless {
		conv, err := s.owner.Registry().ConvertAll(data.Samples, s.target)
		if err != nil {
			return daqWrap(err, "input stream %q could not convert data", s.name)
		}
		samples = conv
	}
	out := &InputData{
		Samples:    samples,
		SampleRate: data.SampleRate,
		Time:       data.Time,
		Config:     data.Config.With(s.name, s.configNode()),
	}
	for _, dev := range s.devices {
		if err := dev.PushInputData(s, out); err != nil {
			return daqWrap(err, "device %q rejected data from stream %q", dev.Name(), s.name)
		}
	}
	return nil
}

// DAQOutputStream is the analog output stream implementation. The
// contributions of multiple bound devices are summed sample by sample.
type DAQOutputStream struct {
	streamBase
	hasMore bool
}

// NewDAQOutputStream builds an output stream for hardware channel ch.
func NewDAQOutputStream(name string, ch ChannelID, rawUnit string, owner StreamOwner) *DAQOutputStream {
	return &DAQOutputStream{
		streamBase: streamBase{name: name, ch: ch, rawUnit: rawUnit, owner: owner},
		hasMore:    true,
	}
}

func (s *DAQOutputStream) Validate() Validation { return s.validate() }

func (s *DAQOutputStream) HasMoreData() bool { return s.hasMore }

// Reset rearms the stream for a new run.
func (s *DAQOutputStream) Reset() { s.hasMore = true }

// PullOutputData pulls duration d worth of samples from every bound
// device in insertion order, converts each contribution to the
// conversion target and sums them. A contribution sampled at a rate
// other than the stream's is fatal.
func (s *DAQOutputStream) PullOutputData(d time.Duration) (*OutputData, error) {
	if s.target == "" {
		return nil, daqErrorf("output stream %q has no measurement conversion target", s.name)
	}

	var (
		merged []units.Measurement
		last   bool
	)
	for _, dev := range s.devices {
		od, err := dev.PullOutputData(s, d)
		if err != nil {
			return nil, daqWrap(err, "device %q could not supply data for stream %q", dev.Name(), s.name)
		}
		if !od.SampleRate.EqualBaseValue(s.SampleRate()) {
			return nil, daqErrorf("stream %q sample rate mismatch: device %q supplied %v, want %v",
				s.name, dev.Name(), od.SampleRate, s.SampleRate())
		}
		samples := od.Samples
		if s.target != units.Unitless {
			samples, err = s.owner.Registry().ConvertAll(od.Samples, s.target)
			if err != nil {
				return nil, daqWrap(err, "output stream %q could not convert data", s.name)
			}
		}
		if merged == nil {
			merged = append([]units.Measurement(nil), samples...)
		} else {
			if len(samples) != len(merged) {
				return nil, daqErrorf("stream %q length mismatch: device %q supplied %d samples, want %d",
					s.name, dev.Name(), len(samples), len(merged))
			}
			for i := range merged {
				sum, err := merged[i].Add(samples[i])
				if err != nil {
					return nil, daqWrap(err, "output stream %q could not merge data", s.name)
				}
				merged[i] = sum
			}
		}
		if od.IsLast {
			last = true
		}
	}
	if last {
		s.hasMore = false
	}
	return &OutputData{
		Samples:    merged,
		SampleRate: s.SampleRate(),
		IsLast:     last,
		Config:     s.owner.Configuration().With(s.name, s.configNode()),
	}, nil
}

// Background sums the bound devices' idle values, converted to the
// conversion target.
func (s *DAQOutputStream) Background() (units.Measurement, error) {
	return mergedBackground(&s.streamBase, s)
}

// DidOutputData relays a hardware-write notification to every bound
// device.
func (s *DAQOutputStream) DidOutputData(t time.Time, d time.Duration, cfg PipelineConfig) {
	for _, dev := range s.devices {
		dev.DidOutputData(s, t, d, cfg)
	}
}

func mergedBackground(base *streamBase, s OutputStream) (units.Measurement, error) {
	var (
		bg  units.Measurement
		set bool
	)
	for _, dev := range base.devices {
		v := dev.OutputBackground(s)
		if base.target != units.Unitless {
			conv, err := base.owner.Registry().Convert(v, base.target)
			if err != nil {
				return units.Measurement{}, daqWrap(err, "stream %q could not convert background", base.name)
			}
			v = conv
		}
		if !set {
			bg, set = v, true
			continue
		}
		sum, err := bg.Add(v)
		if err != nil {
			return units.Measurement{}, daqWrap(err, "stream %q could not merge backgrounds", base.name)
		}
		bg = sum
	}
	if !set {
		return units.Measurement{}, daqErrorf("stream %q has no devices to supply a background", base.name)
	}
	return bg, nil
}

var (
	_ InputStream  = (*DAQInputStream)(nil)
	_ OutputStream = (*DAQOutputStream)(nil)
)
