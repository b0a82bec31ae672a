// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heka // import "github.com/symphony-das/symphony/heka"

import (
	"github.com/symphony-das/symphony"
)

// Raw samples are 16-bit signed hardware counts on the ITC family.
const (
	// CountsUnit is the unit raw ITC samples carry.
	CountsUnit = "HekaDAQCounts"

	// TransferBlockSamples is the driver-imposed FIFO burst limit.
	TransferBlockSamples = 512

	// CountsPerVolt is the ITC gain: +-10.24 V over the 16-bit range.
	CountsPerVolt = 3200
)

// ITC channel types, matching the native driver's address space.
const (
	ChannelD2A    uint16 = 0 // analog output
	ChannelA2D    uint16 = 1 // analog input
	ChannelDigOut uint16 = 2
	ChannelDigIn  uint16 = 3
)

// Running-mode and overflow flags reported by the native driver.
const (
	DeadState  uint32 = 0x00
	RunState   uint32 = 0x10
	ErrorState uint32 = 0x80000000

	ReadOverflowH  uint32 = 0x01
	WriteUnderrunH uint32 = 0x02
	ReadOverflowS  uint32 = 0x10
	WriteUnderrunS uint32 = 0x20
)

// OK is the success return code of every driver call.
const OK int32 = 0

// State is the raw device state word pair.
type State struct {
	RunningMode uint32
	Overflow    uint32
}

// DeviceInfo describes the channel complement of an attached device.
type DeviceInfo struct {
	AnalogIn     uint16
	AnalogOut    uint16
	DigitalPorts uint16 // one in + one out port per entry
	PortWidth    uint8  // 16 on the legacy hardware, up to 32 on newer
}

// Driver is the narrow native ITC call surface. Every call returns a
// raw vendor code; OK means success. Implementations are NOT safe for
// concurrent use: the Device adapter serializes all access onto one
// worker.
type Driver interface {
	Open() int32
	Close() int32

	Info() (DeviceInfo, int32)

	// SetChannels resets the hardware channel table and commits cfgs.
	SetChannels(cfgs []symphony.ChannelConfig) int32

	Start(waitForTrigger bool) int32
	Stop() int32

	// Update latches FIFO pointers before an availability query.
	Update() int32

	GetState() (State, int32)

	// Available reports per-channel sample counts: samples ready to
	// read for input channels, free space for output channels.
	Available(chans []symphony.ChannelID) ([]int32, int32)

	ReadFIFO(ch symphony.ChannelID, buf []int16) int32
	WriteFIFO(ch symphony.ChannelID, data []int16) int32

	// WriteSample performs a single out-of-band sample write.
	WriteSample(ch symphony.ChannelID, v int16) int32
}
