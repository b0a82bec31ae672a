// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"context"
	"fmt"

	"github.com/symphony-das/symphony/units"
)

// ChannelID addresses one hardware channel. It is a value-equality key
// correlating streams with driver-level sample buffers.
type ChannelID struct {
	Number uint16
	Type   uint16
}

func (ch ChannelID) String() string {
	return fmt.Sprintf("ch(%d/%d)", ch.Type, ch.Number)
}

// Direction tells whether a channel carries data into or out of the
// host.
type Direction uint8

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// ChannelDescriptor describes one physical channel reported by a
// hardware adapter during enumeration.
type ChannelDescriptor struct {
	ID        ChannelID
	Name      string
	Direction Direction
	Digital   bool
	PortWidth uint8  // bit width of a digital port; 0 for analog channels
	RawUnit   string // unit the adapter's raw samples carry
}

// ChannelConfig carries the per-channel settings committed to the
// hardware before a run.
type ChannelConfig struct {
	ID           ChannelID
	SampleRateHz float64
}

// HardwareStatus is a point-in-time health snapshot of the device.
type HardwareStatus struct {
	Running  bool
	Overflow bool // input FIFO filled before being read
	Underrun bool // output FIFO emptied before new data arrived
	Code     int32
}

// Hardware is the narrow adapter surface the controller drives. An
// adapter serializes its own driver access (the vendor drivers are
// single-threaded) and owns the raw sample representation: 16-bit
// counts for the Heka family, float64 volts for the NI family.
//
// Blocking calls observe ctx as well as the adapter's own close
// cancellation; they return promptly when either fires.
type Hardware interface {
	// Open acquires the driver handle. Close releases it; any blocked
	// call unwinds when the handle closes.
	Open() error
	Close() error

	// Channels enumerates the physical channels once per device open.
	Channels() ([]ChannelDescriptor, error)

	// ConfigureChannels resets the hardware channel table and commits
	// the given configurations.
	ConfigureChannels(cfgs []ChannelConfig) error

	StartHardware(waitForTrigger bool) error
	StopHardware() error

	// Preload primes the hardware FIFO before StartHardware so the
	// first read-write cycle has data ready. All buffers must be of
	// equal length.
	Preload(out map[ChannelID]*OutputData) error

	// Write pushes an incremental block of output mid-run, outside the
	// regular read-write cycle.
	Write(out map[ChannelID]*OutputData) error

	// ReadWrite writes nsamples per output channel while polling for
	// nsamples per input channel, transferring in driver-sized blocks
	// until the requested input count is satisfied or ctx fires.
	ReadWrite(ctx context.Context, out map[ChannelID]*OutputData, in []ChannelID, nsamples int) (map[ChannelID]*InputData, error)

	// WriteSample writes a single output value out-of-band, used to
	// settle channels to their background when not running.
	WriteSample(ch ChannelID, v units.Measurement) error

	Status() (HardwareStatus, error)
}

// SampleRateAligner is implemented by adapters whose channel groups
// constrain the achievable sampling interval (the NI family). The
// controller consults it during validation and deactivates spare input
// streams until alignment is possible.
type SampleRateAligner interface {
	// CanAlign reports whether a well-aligned sampling interval exists
	// at rate with the given active channel counts.
	CanAlign(rate units.Measurement, nIn, nOut int) bool
}
