// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/symphony-das/symphony/units"
)

type loopState struct {
	inputs    []InputStream
	outputs   []OutputStream
	interval  time.Duration
	rate      units.Measurement
	hooks     []IterationHook
	preloaded int // samples already sitting in the FIFO per output channel
	done      chan struct{}
}

// runLoop is the steady-state acquisition cycle. Each iteration pulls
// one process-interval of output from every active output stream,
// covers any accumulated deficit with an immediate write, performs the
// blocking read-write round trip, and distributes the returned samples
// to the input streams. Iteration N's output is always written before
// iteration N+1 begins; there is no pipelining.
func (c *Controller) runLoop(ls loopState) {
	var runErr error
	defer func() { c.finishRun(runErr) }()

	ctx := context.Background()
	nPerInterval := SamplesIn(ls.rate, ls.interval)
	start := c.clock.Now()
	written := ls.preloaded
	iteration := 0

	for {
		select {
		case <-c.stopReq:
			if err := c.hw.StopHardware(); err != nil {
				runErr = err
			}
			return
		default:
		}

		iterStart := c.clock.Now()

		// Drift between the wall-clock cadence and actual hardware
		// consumption accumulates as a sample deficit; cover it with
		// an immediate write before the regular round trip.
		deficit := 0
		if len(ls.outputs) > 0 {
			expected := ls.preloaded + SamplesIn(ls.rate, iterStart.Sub(start))
			deficit = expected - written
			if deficit < 0 {
				deficit = 0
			}
		}

		var (
			outBufs     = make(map[ChannelID]*OutputData, len(ls.outputs))
			deficitBufs map[ChannelID]*OutputData
			iterLen     = -1
		)
		for _, s := range ls.outputs {
			od, err := s.PullOutputData(DurationOf(ls.rate, nPerInterval+deficit))
			if err != nil {
				runErr = err
				return
			}
			if deficit > 0 {
				head, rest := od.SplitAt(deficit)
				if deficitBufs == nil {
					deficitBufs = make(map[ChannelID]*OutputData, len(ls.outputs))
				}
				deficitBufs[s.Channel()] = head
				od = rest
			}
			if iterLen == -1 {
				iterLen = len(od.Samples)
			} else if len(od.Samples) != iterLen {
				runErr = daqErrorf("output buffer length mismatch: stream %q supplied %d samples, want %d",
					s.Name(), len(od.Samples), iterLen)
				return
			}
			outBufs[s.Channel()] = od
		}

		if deficitBufs != nil {
			if err := c.hw.Write(deficitBufs); err != nil {
				runErr = err
				return
			}
			written += deficit
		}

		nsamples := iterLen
		if len(ls.outputs) == 0 {
			nsamples = nPerInterval
		}

		inChans := make([]ChannelID, len(ls.inputs))
		for i, s := range ls.inputs {
			inChans[i] = s.Channel()
		}

		inData, err := c.hw.ReadWrite(ctx, outBufs, inChans, nsamples)
		if err != nil {
			runErr = err
			return
		}
		written += nsamples

		// Input distribution fans out in parallel; nothing is shared
		// between streams at this point. The Wait is a barrier: the
		// next iteration must not begin before distribution completes.
		var grp errgroup.Group
		for _, s := range ls.inputs {
			s := s
			data := inData[s.Channel()]
			if data == nil {
				runErr = daqErrorf("hardware returned no data for stream %q (%v)", s.Name(), s.Channel())
				return
			}
			grp.Go(func() error {
				if c.tap != nil {
					if err := c.tap.Publish(s.Name(), data); err != nil {
						c.msg.Warnf("data tap rejected data for stream %q: %+v", s.Name(), err)
					}
				}
				return s.PushInputData(data)
			})
		}
		if err := grp.Wait(); err != nil {
			runErr = err
			return
		}

		cfg := c.Configuration()
		outDur := DurationOf(ls.rate, nsamples)
		for _, s := range ls.outputs {
			s.DidOutputData(iterStart, outDur, cfg)
		}

		for _, hook := range ls.hooks {
			if err := hook(iteration); err != nil {
				runErr = err
				return
			}
		}

		c.statsMu.Lock()
		c.iterSecs = append(c.iterSecs, c.clock.Now().Sub(iterStart).Seconds())
		c.statsMu.Unlock()

		if len(ls.outputs) > 0 {
			exhausted := true
			for _, s := range ls.outputs {
				if s.HasMoreData() {
					exhausted = false
					break
				}
			}
			if exhausted {
				if err := c.hw.StopHardware(); err != nil {
					runErr = err
				}
				return
			}
		}

		iteration++
	}
}

// LoopStats returns the mean and standard deviation of the wall-clock
// duration of the completed loop iterations of the current or last
// run.
func (c *Controller) LoopStats() LoopStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if len(c.iterSecs) == 0 {
		return LoopStats{}
	}
	mean, std := stat.MeanStdDev(c.iterSecs, nil)
	if len(c.iterSecs) == 1 {
		std = 0
	}
	return LoopStats{
		N:      len(c.iterSecs),
		Mean:   time.Duration(mean * float64(time.Second)),
		StdDev: time.Duration(std * float64(time.Second)),
	}
}
