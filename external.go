// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"time"

	"github.com/symphony-das/symphony/units"
)

// ExternalDevice models a logical instrument (an amplifier, a
// stimulator, an LED driver) that produces or consumes data through
// one or more streams.
type ExternalDevice interface {
	Name() string

	// PullOutputData supplies the next duration's worth of stimulus
	// data for stream s.
	PullOutputData(s OutputStream, d time.Duration) (*OutputData, error)

	// PushInputData delivers acquired data bound for this device.
	PushInputData(s InputStream, data *InputData) error

	// OutputBackground is the idle value the device wants applied to
	// s when it is not actively driven.
	OutputBackground(s OutputStream) units.Measurement

	// DidOutputData informs the device that data it supplied for s was
	// written to the hardware at time t, covering d.
	DidOutputData(s OutputStream, t time.Time, d time.Duration, cfg PipelineConfig)
}

// DataTap receives acquired input data as it is distributed to input
// streams. The monitor package provides a network-publishing tap.
type DataTap interface {
	Publish(stream string, data *InputData) error
}
