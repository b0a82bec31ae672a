// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony // import "github.com/symphony-das/symphony"

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony/fsm"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/units"
)

const (
	// Loop cadence. Above the threshold the interval is stretched to
	// amortize per-call driver overhead over more samples.
	lowRateInterval   = 100 * time.Millisecond
	highRateInterval  = 250 * time.Millisecond
	highRateThreshold = 10_000.0 // Hz
)

// IterationHook runs once per process-loop iteration, after input
// distribution. An error from a hook is fatal to the run, exactly like
// a hardware fault.
type IterationHook func(iteration int) error

// Controller orchestrates one DAQ device: it owns the stream set, the
// sample-rate policy, the start/stop state machine and the per-
// iteration read-write cycle.
type Controller struct {
	name  string
	msg   log.MsgStream
	hw    Hardware
	reg   *units.ConversionRegistry
	clock Clock
	tap   DataTap

	mu         sync.RWMutex
	state      fsm.Status
	enumerated bool
	inputs     []InputStream
	outputs    []OutputStream
	pipeline   PipelineConfig

	// rate has its own lock: streams call back into SampleRate while
	// the controller holds mu during validation.
	rateMu sync.RWMutex
	rate   units.Measurement

	hooks   []IterationHook
	onStop  []func(error)
	stopReq chan struct{}
	runDone chan struct{}

	statsMu  sync.Mutex
	iterSecs []float64
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithMsgStream routes controller logging to msg.
func WithMsgStream(msg log.MsgStream) Option {
	return func(c *Controller) { c.msg = msg }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithTap attaches a data tap that observes every distributed input
// block.
func WithTap(tap DataTap) Option {
	return func(c *Controller) { c.tap = tap }
}

// NewController builds a controller over the given hardware adapter
// and conversion registry. The hardware is not opened until
// InitHardware.
func NewController(name string, hw Hardware, reg *units.ConversionRegistry, opts ...Option) *Controller {
	c := &Controller{
		name:     name,
		hw:       hw,
		reg:      reg,
		clock:    SystemClock,
		state:    fsm.Idle,
		pipeline: NewPipelineConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.msg == nil {
		c.msg = log.NewMsgStream(name, log.LvlInfo, nil)
	}
	return c
}

// Name returns the controller's name.
func (c *Controller) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Controller) State() fsm.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SampleRate returns the controller-wide sample rate. Every stream
// delegates here.
func (c *Controller) SampleRate() units.Measurement {
	c.rateMu.RLock()
	defer c.rateMu.RUnlock()
	return c.rate
}

// SetSampleRate sets the controller-wide sample rate, a measurement in
// Hz. It may not change while running.
func (c *Controller) SetSampleRate(rate units.Measurement) error {
	c.mu.RLock()
	running := c.state == fsm.Running
	c.mu.RUnlock()
	if running {
		return xerrors.Errorf("symphony: cannot change sample rate while running")
	}
	c.rateMu.Lock()
	c.rate = rate
	c.rateMu.Unlock()
	return nil
}

// Clock returns the controller's time reference.
func (c *Controller) Clock() Clock { return c.clock }

// Registry returns the unit-conversion registry streams consult.
func (c *Controller) Registry() *units.ConversionRegistry { return c.reg }

// Configuration returns the pipeline-configuration snapshot stamped
// onto data crossing this controller.
func (c *Controller) Configuration() PipelineConfig {
	c.mu.RLock()
	pipeline := c.pipeline
	c.mu.RUnlock()
	return pipeline.With(c.name, NodeConfig{
		"sampleRate":      c.SampleRate().String(),
		"processInterval": c.ProcessInterval().String(),
	})
}

// ProcessInterval is the wall-clock cadence of one loop iteration.
func (c *Controller) ProcessInterval() time.Duration {
	if c.SampleRate().Float64() >= highRateThreshold {
		return highRateInterval
	}
	return lowRateInterval
}

// AddIterationHook registers a hook invoked once per loop iteration.
func (c *Controller) AddIterationHook(h IterationHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// OnStopped subscribes to end-of-run events. The callback receives nil
// for a requested or natural stop, and the triggering error for an
// exceptional stop. It fires exactly once per run.
func (c *Controller) OnStopped(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = append(c.onStop, fn)
}

// InputStreams returns the enumerated input streams.
func (c *Controller) InputStreams() []InputStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]InputStream(nil), c.inputs...)
}

// OutputStreams returns the enumerated output streams.
func (c *Controller) OutputStreams() []OutputStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]OutputStream(nil), c.outputs...)
}

// InputStream returns the named input stream, or nil.
func (c *Controller) InputStream(name string) InputStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.inputs {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// OutputStream returns the named output stream, or nil.
func (c *Controller) OutputStream(name string) OutputStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.outputs {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// InitHardware opens the device and, on first use, enumerates its
// physical channels into the fixed stream set. Calling it again
// without an intervening CloseHardware is a no-op: the stream set is
// never re-enumerated within one controller instance.
func (c *Controller) InitHardware() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != fsm.Idle {
		return nil
	}

	if err := c.hw.Open(); err != nil {
		return xerrors.Errorf("symphony: could not open hardware: %w", err)
	}

	if !c.enumerated {
		descs, err := c.hw.Channels()
		if err != nil {
			_ = c.hw.Close()
			return xerrors.Errorf("symphony: could not enumerate channels: %w", err)
		}
		for _, d := range descs {
			name := d.Name
			if name == "" {
				name = fmt.Sprintf("%s.%s", d.Direction, d.ID)
			}
			switch {
			case d.Direction == In && d.Digital:
				c.inputs = append(c.inputs, NewDigitalDAQInputStream(name, d.ID, d.PortWidth, c))
			case d.Direction == In:
				c.inputs = append(c.inputs, NewDAQInputStream(name, d.ID, d.RawUnit, c))
			case d.Digital:
				c.outputs = append(c.outputs, NewDigitalDAQOutputStream(name, d.ID, d.PortWidth, c))
			default:
				c.outputs = append(c.outputs, NewDAQOutputStream(name, d.ID, d.RawUnit, c))
			}
		}
		c.enumerated = true
		c.msg.Infof("enumerated %d input and %d output streams", len(c.inputs), len(c.outputs))
	}

	c.state = fsm.Ready
	return nil
}

// CloseHardware stops any run in progress and releases the device.
func (c *Controller) CloseHardware() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == fsm.Idle {
		return nil
	}
	err := c.hw.Close()
	c.state = fsm.Idle
	if err != nil {
		return xerrors.Errorf("symphony: could not close hardware: %w", err)
	}
	return nil
}

// Validate checks the aggregated pre-run contract, top to bottom, first
// failure wins. When the adapter constrains rate alignment, spare
// input streams are deactivated (outputs never are) until alignment is
// possible.
func (c *Controller) Validate() Validation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateLocked()
}

func (c *Controller) validateLocked() Validation {
	rate := c.SampleRate()
	if rate.BaseUnit() == "" {
		return Invalid("sample rate not set")
	}
	if rate.BaseUnit() != "Hz" {
		return Invalid("sample rate must be in Hz, got %q", rate.BaseUnit())
	}
	if rate.Float64() <= 0 {
		return Invalid("sample rate must be positive, got %v", rate)
	}

	if aligner, ok := c.hw.(SampleRateAligner); ok {
		for !aligner.CanAlign(rate, c.activeInputsLocked(), c.activeOutputsLocked()) {
			if !c.deactivateSpareInputLocked() {
				return Invalid("no aligned sampling interval achievable at %v", rate)
			}
		}
	}

	nactive := 0
	for _, s := range c.inputs {
		if !s.SampleRate().Equal(rate) {
			return Invalid("stream %q sample rate %v differs from controller rate %v",
				s.Name(), s.SampleRate(), rate)
		}
		if v := s.Validate(); !v.OK() {
			return v
		}
		if s.Active() {
			nactive++
		}
	}
	for _, s := range c.outputs {
		if !s.SampleRate().Equal(rate) {
			return Invalid("stream %q sample rate %v differs from controller rate %v",
				s.Name(), s.SampleRate(), rate)
		}
		if v := s.Validate(); !v.OK() {
			return v
		}
		if s.Active() {
			nactive++
		}
	}
	if nactive == 0 {
		return Invalid("no active stream")
	}
	return Valid()
}

func (c *Controller) activeInputsLocked() int {
	n := 0
	for _, s := range c.inputs {
		if s.Active() {
			n++
		}
	}
	return n
}

func (c *Controller) activeOutputsLocked() int {
	n := 0
	for _, s := range c.outputs {
		if s.Active() {
			n++
		}
	}
	return n
}

// deactivateSpareInputLocked sheds the last active input stream and
// reports whether one was found.
func (c *Controller) deactivateSpareInputLocked() bool {
	for i := len(c.inputs) - 1; i >= 0; i-- {
		if c.inputs[i].Active() {
			c.msg.Warnf("deactivating input stream %q to achieve rate alignment", c.inputs[i].Name())
			c.inputs[i].Deactivate()
			return true
		}
	}
	return false
}

// Start validates the configuration, configures channels from the
// active stream set, preloads at least two process-intervals of output
// and starts the hardware and the process loop. It returns once the
// loop is running; the run ends through Stop, output exhaustion or an
// exceptional stop.
func (c *Controller) Start(waitForTrigger bool) error {
	c.mu.Lock()

	if !c.state.CanStart() {
		st := c.state
		c.mu.Unlock()
		return xerrors.Errorf("symphony: cannot start from state %v", st)
	}

	if c.state == fsm.Idle {
		c.mu.Unlock()
		if err := c.InitHardware(); err != nil {
			return err
		}
		c.mu.Lock()
	}

	if v := c.validateLocked(); !v.OK() {
		c.mu.Unlock()
		return xerrors.Errorf("symphony: validation failed: %s", v.Reason())
	}

	var (
		activeIn  []InputStream
		activeOut []OutputStream
	)
	for _, s := range c.inputs {
		if s.Active() {
			activeIn = append(activeIn, s)
		}
	}
	for _, s := range c.outputs {
		if s.Active() {
			s.Reset()
			activeOut = append(activeOut, s)
		}
	}

	interval := c.ProcessInterval()
	rate := c.SampleRate()
	c.mu.Unlock()

	// Pull preload data before any hardware call, so a stream that
	// cannot produce data fails the start without touching the device.
	preload := make(map[ChannelID]*OutputData, len(activeOut))
	for _, s := range activeOut {
		od, err := s.PullOutputData(2 * interval)
		if err != nil {
			return xerrors.Errorf("symphony: could not pull preload data for stream %q: %w", s.Name(), err)
		}
		if len(od.Samples) == 0 {
			return xerrors.Errorf("symphony: stream %q produced no preload data", s.Name())
		}
		preload[s.Channel()] = od
	}

	cfgs := make([]ChannelConfig, 0, len(activeIn)+len(activeOut))
	for _, s := range activeIn {
		cfgs = append(cfgs, ChannelConfig{ID: s.Channel(), SampleRateHz: rate.Float64()})
	}
	for _, s := range activeOut {
		cfgs = append(cfgs, ChannelConfig{ID: s.Channel(), SampleRateHz: rate.Float64()})
	}
	if err := c.hw.ConfigureChannels(cfgs); err != nil {
		return xerrors.Errorf("symphony: could not configure channels: %w", err)
	}

	if len(preload) > 0 {
		if err := c.hw.Preload(preload); err != nil {
			return xerrors.Errorf("symphony: could not preload output: %w", err)
		}
	}

	if err := c.hw.StartHardware(waitForTrigger); err != nil {
		return xerrors.Errorf("symphony: could not start hardware: %w", err)
	}

	c.mu.Lock()
	c.state = fsm.Running
	c.stopReq = make(chan struct{})
	c.runDone = make(chan struct{})
	hooks := append([]IterationHook(nil), c.hooks...)
	done := c.runDone
	c.mu.Unlock()

	c.statsMu.Lock()
	c.iterSecs = c.iterSecs[:0]
	c.statsMu.Unlock()

	// Preload already wrote 2 intervals per channel.
	preloaded := 0
	for _, od := range preload {
		preloaded = len(od.Samples)
		break
	}

	go c.runLoop(loopState{
		inputs:    activeIn,
		outputs:   activeOut,
		interval:  interval,
		rate:      rate,
		hooks:     hooks,
		preloaded: preloaded,
		done:      done,
	})

	c.msg.Infof("run started (rate=%v, interval=%v)", rate, interval)
	return nil
}

// Stop requests a common stop and waits for the loop to wind down. It
// is a no-op when not running.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case fsm.Running:
		c.state = fsm.Stopping
		close(c.stopReq)
	case fsm.Stopping:
		// another caller already requested a stop; wait with them
	default:
		c.mu.Unlock()
		return
	}
	done := c.runDone
	c.mu.Unlock()

	<-done
}

// WaitStopped blocks until the current run ends. It returns
// immediately when no run is active.
func (c *Controller) WaitStopped() {
	c.mu.RLock()
	done := c.runDone
	running := c.state == fsm.Running || c.state == fsm.Stopping
	c.mu.RUnlock()
	if !running || done == nil {
		return
	}
	<-done
}

// ApplyStreamBackground writes the stream's merged background value
// through the out-of-band single-sample path so the output settles to
// a safe idle level. It is rejected while a run is active: the process
// loop owns the output path then.
func (c *Controller) ApplyStreamBackground(s OutputStream) error {
	c.mu.RLock()
	running := c.state == fsm.Running
	c.mu.RUnlock()
	if running {
		return xerrors.Errorf("symphony: cannot apply backgrounds while running")
	}
	bg, err := s.Background()
	if err != nil {
		return err
	}
	if err := c.hw.WriteSample(s.Channel(), bg); err != nil {
		return xerrors.Errorf("symphony: could not apply background for stream %q: %w", s.Name(), err)
	}
	return nil
}

// resetHardware restores the device to a safe, reusable idle state
// after an exceptional stop: stop, close, reopen, reapply backgrounds.
// It never resumes the interrupted run.
func (c *Controller) resetHardware() error {
	if err := c.hw.StopHardware(); err != nil {
		c.msg.Warnf("could not stop hardware during reset: %+v", err)
	}
	if err := c.hw.Close(); err != nil {
		c.msg.Warnf("could not close hardware during reset: %+v", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(c.hw.Open, bo); err != nil {
		c.msg.Errorf("could not reopen hardware during reset: %+v", err)
		return err
	}

	c.mu.RLock()
	outputs := append([]OutputStream(nil), c.outputs...)
	c.mu.RUnlock()
	for _, s := range outputs {
		if !s.Active() {
			continue
		}
		bg, err := s.Background()
		if err != nil {
			c.msg.Warnf("could not compute background for stream %q: %+v", s.Name(), err)
			continue
		}
		if err := c.hw.WriteSample(s.Channel(), bg); err != nil {
			c.msg.Warnf("could not reapply background for stream %q: %+v", s.Name(), err)
		}
	}
	return nil
}

func (c *Controller) finishRun(runErr error) {
	if runErr == nil {
		c.mu.Lock()
		c.state = fsm.Ready
		done := c.runDone
		var subs []func(error)
		subs = append(subs, c.onStop...)
		c.mu.Unlock()

		c.msg.Infof("run stopped")
		for _, fn := range subs {
			fn(nil)
		}
		close(done)
		return
	}

	c.msg.Errorf("run failed, resetting hardware: %+v", runErr)

	c.mu.Lock()
	c.state = fsm.Faulted
	c.mu.Unlock()

	// Ready when the device came back, Idle when it stayed closed.
	next := fsm.Ready
	if err := c.resetHardware(); err != nil {
		next = fsm.Idle
	}

	c.mu.Lock()
	c.state = next
	done := c.runDone
	var subs []func(error)
	subs = append(subs, c.onStop...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(runErr)
	}
	close(done)
}

// LoopStats summarizes the wall-clock duration of completed loop
// iterations.
type LoopStats struct {
	N      int
	Mean   time.Duration
	StdDev time.Duration
}

var _ StreamOwner = (*Controller)(nil)
