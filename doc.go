// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symphony orchestrates continuous analog/digital data
// acquisition over polling-style DAQ hardware.
//
// A Controller owns a set of named streams bound to external devices
// (amplifiers, stimulators, ...), a hardware adapter, and a process
// loop that interleaves writing output samples and reading input
// samples under a fixed wall-clock cadence. Hardware adapters for the
// Heka/Instrutech ITC family and the National Instruments family live
// in the heka and ni packages.
package symphony // import "github.com/symphony-das/symphony"
