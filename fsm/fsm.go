// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsm describes the lifecycle of a symphony DAQ controller.
package fsm // import "github.com/symphony-das/symphony/fsm"

import (
	"fmt"
)

// Status describes the current state of a DAQ controller.
type Status uint8

const (
	// Idle means the hardware has not been opened.
	Idle Status = iota
	// Ready means the hardware is open but channels are not configured.
	Ready
	// Running means the acquisition process loop is active.
	Running
	// Stopping means a stop has been requested and the loop is winding down.
	Stopping
	// Faulted means the last run ended with an exceptional stop and the
	// hardware reset sequence is in progress.
	Faulted
)

func (st Status) String() string {
	switch st {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	default:
		panic(fmt.Errorf("invalid status value %d", uint8(st)))
	}
}

// CanStart reports whether a Start request is acceptable in st.
func (st Status) CanStart() bool {
	return st == Idle || st == Ready
}
