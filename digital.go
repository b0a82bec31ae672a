// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"time"

	"github.com/symphony-das/symphony/units"
)

// DigitalDAQOutputStream packs multiple single-bit logical devices onto
// one physical digital port. Each bound device supplies {0,1}-valued
// samples; its contribution is shifted to its assigned bit position and
// OR-combined into the port word.
type DigitalDAQOutputStream struct {
	streamBase
	hasMore   bool
	portWidth uint8
	bits      map[ExternalDevice]uint8
}

// NewDigitalDAQOutputStream builds a digital output stream over a port
// of portWidth bits (16 for the legacy ITC hardware, up to 32 for
// newer families).
func NewDigitalDAQOutputStream(name string, ch ChannelID, portWidth uint8, owner StreamOwner) *DigitalDAQOutputStream {
	return &DigitalDAQOutputStream{
		streamBase: streamBase{name: name, ch: ch, rawUnit: units.Unitless, owner: owner, target: units.Unitless},
		hasMore:    true,
		portWidth:  portWidth,
		bits:       make(map[ExternalDevice]uint8),
	}
}

// PortWidth returns the bit width of the physical port.
func (s *DigitalDAQOutputStream) PortWidth() uint8 { return s.portWidth }

// SetBitPosition assigns the bit index dev's samples occupy in the
// port word.
func (s *DigitalDAQOutputStream) SetBitPosition(dev ExternalDevice, bit uint8) {
	s.bits[dev] = bit
}

// BitPosition returns dev's assigned bit index.
func (s *DigitalDAQOutputStream) BitPosition(dev ExternalDevice) (uint8, bool) {
	bit, ok := s.bits[dev]
	return bit, ok
}

// Validate adds the bit-assignment checks to the common stream checks:
// every bound device must hold a bit position below the port width, and
// no two devices may share one.
func (s *DigitalDAQOutputStream) Validate() Validation {
	if v := s.validate(); !v.OK() {
		return v
	}
	return validateBits(s.name, s.devices, s.bits, s.portWidth)
}

func (s *DigitalDAQOutputStream) HasMoreData() bool { return s.hasMore }
func (s *DigitalDAQOutputStream) Reset()            { s.hasMore = true }

// PullOutputData merges the bound devices' single-bit sequences into
// port words. A device value outside {0,1} is fatal and nothing is
// written.
func (s *DigitalDAQOutputStream) PullOutputData(d time.Duration) (*OutputData, error) {
	var (
		words []int64
		last  bool
	)
	for _, dev := range s.devices {
		bit, ok := s.bits[dev]
		if !ok {
			return nil, daqErrorf("digital stream %q: device %q has no bit position", s.name, dev.Name())
		}
		od, err := dev.PullOutputData(s, d)
		if err != nil {
			return nil, daqWrap(err, "device %q could not supply data for stream %q", dev.Name(), s.name)
		}
		if !od.SampleRate.EqualBaseValue(s.SampleRate()) {
			return nil, daqErrorf("stream %q sample rate mismatch: device %q supplied %v, want %v",
				s.name, dev.Name(), od.SampleRate, s.SampleRate())
		}
		if words == nil {
			words = make([]int64, len(od.Samples))
		} else if len(od.Samples) != len(words) {
			return nil, daqErrorf("stream %q length mismatch: device %q supplied %d samples, want %d",
				s.name, dev.Name(), len(od.Samples), len(words))
		}
		for i, m := range od.Samples {
			v := m.Int64()
			if v != 0 && v != 1 {
				return nil, daqErrorf("digital stream %q: device %q sample %d is %d, want 0 or 1",
					s.name, dev.Name(), i, v)
			}
			words[i] |= v << bit
		}
		if od.IsLast {
			last = true
		}
	}
	if last {
		s.hasMore = false
	}
	samples := make([]units.Measurement, len(words))
	for i, w := range words {
		samples[i] = units.FromInt64(w, units.Unitless)
	}
	return &OutputData{
		Samples:    samples,
		SampleRate: s.SampleRate(),
		IsLast:     last,
		Config:     s.owner.Configuration().With(s.name, s.configNode()),
	}, nil
}

// Background merges the bound devices' idle bits into one port word.
func (s *DigitalDAQOutputStream) Background() (units.Measurement, error) {
	var word int64
	if len(s.devices) == 0 {
		return units.Measurement{}, daqErrorf("stream %q has no devices to supply a background", s.name)
	}
	for _, dev := range s.devices {
		bit, ok := s.bits[dev]
		if !ok {
			return units.Measurement{}, daqErrorf("digital stream %q: device %q has no bit position", s.name, dev.Name())
		}
		v := dev.OutputBackground(s).Int64()
		if v != 0 && v != 1 {
			return units.Measurement{}, daqErrorf("digital stream %q: device %q background is %d, want 0 or 1",
				s.name, dev.Name(), v)
		}
		word |= v << bit
	}
	return units.FromInt64(word, units.Unitless), nil
}

// DidOutputData relays a hardware-write notification to every bound
// device.
func (s *DigitalDAQOutputStream) DidOutputData(t time.Time, d time.Duration, cfg PipelineConfig) {
	for _, dev := range s.devices {
		dev.DidOutputData(s, t, d, cfg)
	}
}

// DigitalDAQInputStream fans one physical port word out to multiple
// single-bit logical consumers: each device receives its own bit,
// shifted down and masked.
type DigitalDAQInputStream struct {
	streamBase
	portWidth uint8
	bits      map[ExternalDevice]uint8
}

// NewDigitalDAQInputStream builds a digital input stream over a port
// of portWidth bits.
func NewDigitalDAQInputStream(name string, ch ChannelID, portWidth uint8, owner StreamOwner) *DigitalDAQInputStream {
	return &DigitalDAQInputStream{
		streamBase: streamBase{name: name, ch: ch, rawUnit: units.Unitless, owner: owner, target: units.Unitless},
		portWidth:  portWidth,
		bits:       make(map[ExternalDevice]uint8),
	}
}

// PortWidth returns the bit width of the physical port.
func (s *DigitalDAQInputStream) PortWidth() uint8 { return s.portWidth }

// SetBitPosition assigns the bit index delivered to dev.
func (s *DigitalDAQInputStream) SetBitPosition(dev ExternalDevice, bit uint8) {
	s.bits[dev] = bit
}

// BitPosition returns dev's assigned bit index.
func (s *DigitalDAQInputStream) BitPosition(dev ExternalDevice) (uint8, bool) {
	bit, ok := s.bits[dev]
	return bit, ok
}

// Validate adds the bit-assignment checks to the common stream checks.
func (s *DigitalDAQInputStream) Validate() Validation {
	if v := s.validate(); !v.OK() {
		return v
	}
	return validateBits(s.name, s.devices, s.bits, s.portWidth)
}

// PushInputData delivers each device its own bit of every port word.
func (s *DigitalDAQInputStream) PushInputData(data *InputData) error {
	cfg := data.Config.With(s.name, s.configNode())
	for _, dev := range s.devices {
		bit, ok := s.bits[dev]
		if !ok {
			return daqErrorf("digital stream %q: device %q has no bit position", s.name, dev.Name())
		}
		samples := make([]units.Measurement, len(data.Samples))
		for i, m := range data.Samples {
			samples[i] = units.FromInt64((m.Int64()>>bit)&1, units.Unitless)
		}
		err := dev.PushInputData(s, &InputData{
			Samples:    samples,
			SampleRate: data.SampleRate,
			Time:       data.Time,
			Config:     cfg,
		})
		if err != nil {
			return daqWrap(err, "device %q rejected data from stream %q", dev.Name(), s.name)
		}
	}
	return nil
}

func validateBits(name string, devices []ExternalDevice, bits map[ExternalDevice]uint8, width uint8) Validation {
	seen := make(map[uint8]ExternalDevice, len(devices))
	for _, dev := range devices {
		bit, ok := bits[dev]
		if !ok {
			return Invalid("digital stream %q: device %q has no bit position", name, dev.Name())
		}
		if bit >= width {
			return Invalid("digital stream %q: device %q bit position %d exceeds port width %d",
				name, dev.Name(), bit, width)
		}
		if other, dup := seen[bit]; dup {
			return Invalid("digital stream %q: devices %q and %q share bit position %d",
				name, other.Name(), dev.Name(), bit)
		}
		seen[bit] = dev
	}
	return Valid()
}

var (
	_ OutputStream = (*DigitalDAQOutputStream)(nil)
	_ InputStream  = (*DigitalDAQInputStream)(nil)
)
