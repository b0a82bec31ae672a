// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/symphony-das/symphony/units"
)

// NodeConfig holds the configuration of one pipeline node, keyed by
// parameter name.
type NodeConfig map[string]interface{}

// PipelineConfig is a snapshot of the configuration of every node a
// data packet has crossed. Streams and the controller each stamp their
// own node entry onto packets at the stream boundary.
type PipelineConfig struct {
	ID    uuid.UUID
	Nodes map[string]NodeConfig
}

// NewPipelineConfig returns an empty snapshot with a fresh identity.
func NewPipelineConfig() PipelineConfig {
	return PipelineConfig{ID: uuid.New(), Nodes: make(map[string]NodeConfig)}
}

// With returns a copy of pc with node's configuration added. The
// receiver is not modified: packets in flight keep the snapshot they
// were stamped with.
func (pc PipelineConfig) With(node string, cfg NodeConfig) PipelineConfig {
	out := PipelineConfig{ID: pc.ID, Nodes: make(map[string]NodeConfig, len(pc.Nodes)+1)}
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	for k, v := range pc.Nodes {
		out.Nodes[k] = v
	}
	out.Nodes[node] = cfg
	return out
}

// OutputData is a block of samples headed for the hardware.
type OutputData struct {
	Samples    []units.Measurement
	SampleRate units.Measurement
	IsLast     bool // no more data follows this block
	Config     PipelineConfig
}

// Duration returns the wall-clock span the block covers at its rate.
func (d *OutputData) Duration() time.Duration {
	return DurationOf(d.SampleRate, len(d.Samples))
}

// SplitAt splits the block into its first n samples and the remainder.
// IsLast travels with the remainder.
func (d *OutputData) SplitAt(n int) (head, rest *OutputData) {
	if n > len(d.Samples) {
		n = len(d.Samples)
	}
	head = &OutputData{
		Samples:    d.Samples[:n],
		SampleRate: d.SampleRate,
		Config:     d.Config,
	}
	rest = &OutputData{
		Samples:    d.Samples[n:],
		SampleRate: d.SampleRate,
		IsLast:     d.IsLast,
		Config:     d.Config,
	}
	return head, rest
}

// InputData is a block of samples acquired from the hardware.
type InputData struct {
	Samples    []units.Measurement
	SampleRate units.Measurement
	Time       time.Time // acquisition time of the first sample
	Config     PipelineConfig
}

// Duration returns the wall-clock span the block covers at its rate.
func (d *InputData) Duration() time.Duration {
	return DurationOf(d.SampleRate, len(d.Samples))
}

// SamplesIn returns the sample count covering duration d at rate
// (a measurement in Hz), rounded to nearest.
func SamplesIn(rate units.Measurement, d time.Duration) int {
	return int(math.Round(rate.Float64() * d.Seconds()))
}

// DurationOf returns the wall-clock span of n samples at rate.
func DurationOf(rate units.Measurement, n int) time.Duration {
	hz := rate.Float64()
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(n) / hz * float64(time.Second))
}
