// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symphony

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony/fsm"
	"github.com/symphony-das/symphony/log"
	"github.com/symphony-das/symphony/units"
)

func newAnalogController(t *testing.T, opts ...Option) (*Controller, *fakeHardware, *fakeDevice, *fakeDevice) {
	t.Helper()
	hw := newFakeHardware(analogRig())
	opts = append([]Option{WithMsgStream(log.Discard)}, opts...)
	c := NewController("rig", hw, units.NewConversionRegistry(), opts...)
	if err := c.SetSampleRate(units.FromFloat64(1000, "Hz")); err != nil {
		t.Fatalf("could not set sample rate: %+v", err)
	}
	if err := c.InitHardware(); err != nil {
		t.Fatalf("could not init hardware: %+v", err)
	}

	in := newFakeDevice("amp", 1000, nil)
	is := c.InputStream("ai.0").(*DAQInputStream)
	is.SetMeasurementConversionTarget("V")
	is.BindDevice(in)

	out := newFakeDevice("stim", 1000, constValue(units.MustParse("0.1", 0, "V")))
	out.background = units.FromFloat64(0, "V")
	os := c.OutputStream("ao.0").(*DAQOutputStream)
	os.SetMeasurementConversionTarget("V")
	os.BindDevice(out)

	t.Cleanup(func() { _ = c.CloseHardware() })
	return c, hw, in, out
}

func waitEvent(t *testing.T, events <-chan error) error {
	t.Helper()
	select {
	case err := <-events:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("no stop event within deadline")
		return nil
	}
}

func TestInitHardwareIdempotent(t *testing.T) {
	c, hw, _, _ := newAnalogController(t)

	if got, want := c.State(), fsm.Ready; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	if err := c.InitHardware(); err != nil {
		t.Fatalf("second init failed: %+v", err)
	}
	if got, want := hw.countCalls("Channels"), 1; got != want {
		t.Fatalf("invalid enumeration count: got=%d, want=%d", got, want)
	}
	if got, want := len(c.InputStreams()), 1; got != want {
		t.Fatalf("invalid input stream count: got=%d, want=%d", got, want)
	}
	if got, want := len(c.OutputStreams()), 1; got != want {
		t.Fatalf("invalid output stream count: got=%d, want=%d", got, want)
	}

	// a close/init cycle reopens the device but never re-enumerates
	if err := c.CloseHardware(); err != nil {
		t.Fatalf("could not close hardware: %+v", err)
	}
	if got, want := c.State(), fsm.Idle; got != want {
		t.Fatalf("invalid state after close: got=%v, want=%v", got, want)
	}
	if err := c.InitHardware(); err != nil {
		t.Fatalf("could not re-init hardware: %+v", err)
	}
	if got, want := hw.countCalls("Channels"), 1; got != want {
		t.Fatalf("re-init re-enumerated: got=%d calls, want=%d", got, want)
	}
	if c.InputStream("ai.0") == nil {
		t.Fatalf("stream set lost across close/init")
	}
}

func TestValidate(t *testing.T) {
	hw := newFakeHardware(analogRig())
	c := NewController("rig", hw, units.NewConversionRegistry(), WithMsgStream(log.Discard))
	if err := c.InitHardware(); err != nil {
		t.Fatalf("could not init hardware: %+v", err)
	}

	if v := c.Validate(); v.OK() {
		t.Fatalf("unset sample rate passed validation")
	}

	_ = c.SetSampleRate(units.FromFloat64(1, "kHz"))
	if v := c.Validate(); v.OK() {
		t.Fatalf("non-Hz sample rate passed validation")
	}

	_ = c.SetSampleRate(units.FromFloat64(-10, "Hz"))
	if v := c.Validate(); v.OK() {
		t.Fatalf("negative sample rate passed validation")
	}

	_ = c.SetSampleRate(units.FromFloat64(1000, "Hz"))
	if v := c.Validate(); v.OK() {
		t.Fatalf("streamless configuration passed validation")
	}

	is := c.InputStream("ai.0").(*DAQInputStream)
	is.SetMeasurementConversionTarget("V")
	is.BindDevice(newFakeDevice("amp", 1000, nil))
	if v := c.Validate(); !v.OK() {
		t.Fatalf("valid configuration failed validation: %v", v)
	}
}

func TestStartStop(t *testing.T) {
	c, hw, in, out := newAnalogController(t)

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	if got, want := c.State(), fsm.Running; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	// preload covers two process intervals
	ao := ChannelID{Number: 0, Type: 0}
	hw.mu.Lock()
	preloaded := hw.preloaded[ao]
	hw.mu.Unlock()
	if want := 2 * SamplesIn(c.SampleRate(), c.ProcessInterval()); preloaded < want {
		t.Fatalf("insufficient preload: got=%d samples, want>=%d", preloaded, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for out.notifications() < 2 || len(in.pushedBlocks()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop made no progress: notified=%d pushed=%d", out.notifications(), len(in.pushedBlocks()))
		}
		time.Sleep(time.Millisecond)
	}

	c.Stop()
	if got, want := c.State(), fsm.Ready; got != want {
		t.Fatalf("invalid state after stop: got=%v, want=%v", got, want)
	}
	if err := waitEvent(t, events); err != nil {
		t.Fatalf("invalid stop event: got=%v, want=nil", err)
	}
	if hw.countCalls("StopHardware") == 0 {
		t.Fatalf("hardware not stopped")
	}

	// the distributed input carries the stream and controller stamps
	blocks := in.pushedBlocks()
	if len(blocks) == 0 || !blocks[0][0].EqualBaseValue(units.MustParse("0.5", 0, "V")) {
		t.Fatalf("invalid distributed input: %v", blocks)
	}
	if in.lastPush.Config.Nodes["ai.0"] == nil {
		t.Fatalf("input not stamped with stream configuration")
	}

	if stats := c.LoopStats(); stats.N < 2 {
		t.Fatalf("invalid loop stats: %+v", stats)
	}
}

func TestStartFailsBeforeHardwareWithoutData(t *testing.T) {
	c, hw, _, out := newAnalogController(t)
	out.remaining = 0

	if err := c.Start(false); err == nil {
		t.Fatalf("expected start to fail with no output data")
	}
	for _, call := range []string{"ConfigureChannels", "Preload", "StartHardware"} {
		if got := hw.countCalls(call); got != 0 {
			t.Fatalf("hardware touched before data check: %s called %d times", call, got)
		}
	}
	if got, want := c.State(), fsm.Ready; got != want {
		t.Fatalf("invalid state after failed start: got=%v, want=%v", got, want)
	}
}

func TestNaturalStopOnOutputExhaustion(t *testing.T) {
	c, hw, _, out := newAnalogController(t)
	out.remaining = 260 // 200 preloaded, final short block ends the run

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	if err := waitEvent(t, events); err != nil {
		t.Fatalf("invalid stop event: got=%v, want=nil", err)
	}
	if got, want := c.State(), fsm.Ready; got != want {
		t.Fatalf("invalid state after natural stop: got=%v, want=%v", got, want)
	}
	if hw.countCalls("StopHardware") == 0 {
		t.Fatalf("hardware not stopped")
	}
	if out.notifications() == 0 {
		t.Fatalf("output device never notified")
	}
}

func lastIndex(calls []string, name string) int {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i] == name {
			return i
		}
	}
	return -1
}

func TestExceptionalStopResetsHardware(t *testing.T) {
	c, hw, _, _ := newAnalogController(t)
	hw.readErrAfter = 3

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	err := waitEvent(t, events)
	var hwerr *HardwareError
	if !xerrors.As(err, &hwerr) {
		t.Fatalf("invalid stop event: got=%T (%v), want *HardwareError", err, err)
	}

	// exactly one event per run
	select {
	case extra := <-events:
		t.Fatalf("stop event fired twice: second=%v", extra)
	case <-time.After(200 * time.Millisecond):
	}

	// stop, close, reopen, reapply backgrounds
	calls := hw.calls()
	iStop := lastIndex(calls, "StopHardware")
	iClose := lastIndex(calls, "Close")
	iOpen := lastIndex(calls, "Open")
	if iStop == -1 || iClose == -1 || iOpen == -1 || !(iStop < iClose && iClose < iOpen) {
		t.Fatalf("invalid reset sequence: %v", calls)
	}
	if hw.countCalls("WriteSample") == 0 {
		t.Fatalf("backgrounds not reapplied after reset")
	}
	if got, want := c.State(), fsm.Ready; got != want {
		t.Fatalf("invalid state after reset: got=%v, want=%v", got, want)
	}

	// the controller is reusable without a new InitHardware
	hw.mu.Lock()
	hw.readErrAfter = 0
	hw.mu.Unlock()
	if err := c.Start(false); err != nil {
		t.Fatalf("could not restart after reset: %+v", err)
	}
	c.Stop()
	if err := waitEvent(t, events); err != nil {
		t.Fatalf("invalid stop event after restart: got=%v, want=nil", err)
	}
}

func TestIterationHookErrorEndsRun(t *testing.T) {
	c, _, _, _ := newAnalogController(t)

	hookErr := xerrors.Errorf("bath temperature out of range")
	c.AddIterationHook(func(iteration int) error {
		if iteration >= 1 {
			return hookErr
		}
		return nil
	})

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	if err := waitEvent(t, events); !xerrors.Is(err, hookErr) {
		t.Fatalf("invalid stop event: got=%v, want=%v", err, hookErr)
	}
}

func TestRunGuards(t *testing.T) {
	c, hw, _, _ := newAnalogController(t)
	os := c.OutputStream("ao.0")

	// idle: backgrounds apply through the out-of-band path
	if err := c.ApplyStreamBackground(os); err != nil {
		t.Fatalf("could not apply background: %+v", err)
	}
	if hw.countCalls("WriteSample") != 1 {
		t.Fatalf("background not written")
	}

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	if err := c.ApplyStreamBackground(os); err == nil {
		t.Fatalf("background applied while running")
	}
	if err := c.SetSampleRate(units.FromFloat64(2000, "Hz")); err == nil {
		t.Fatalf("sample rate changed while running")
	}
	if err := c.Start(false); err == nil {
		t.Fatalf("started while already running")
	}
	c.Stop()

	if err := c.SetSampleRate(units.FromFloat64(2000, "Hz")); err != nil {
		t.Fatalf("could not change sample rate after stop: %+v", err)
	}
}

func TestAlignerShedsSpareInputs(t *testing.T) {
	descs := []ChannelDescriptor{
		{ID: ChannelID{Number: 0, Type: 1}, Name: "ai.0", Direction: In, RawUnit: "V"},
		{ID: ChannelID{Number: 1, Type: 1}, Name: "ai.1", Direction: In, RawUnit: "V"},
		{ID: ChannelID{Number: 0, Type: 0}, Name: "ao.0", Direction: Out, RawUnit: "V"},
	}
	hw := &alignedHardware{fakeHardware: newFakeHardware(descs), maxAggregateHz: 1000}
	c := NewController("rig", hw, units.NewConversionRegistry(), WithMsgStream(log.Discard))
	_ = c.SetSampleRate(units.FromFloat64(1000, "Hz"))
	if err := c.InitHardware(); err != nil {
		t.Fatalf("could not init hardware: %+v", err)
	}

	for _, name := range []string{"ai.0", "ai.1"} {
		s := c.InputStream(name).(*DAQInputStream)
		s.SetMeasurementConversionTarget("V")
		s.BindDevice(newFakeDevice("amp-"+name, 1000, nil))
	}
	os := c.OutputStream("ao.0").(*DAQOutputStream)
	os.SetMeasurementConversionTarget("V")
	os.BindDevice(newFakeDevice("stim", 1000, constValue(units.FromFloat64(0, "V"))))

	if v := c.Validate(); !v.OK() {
		t.Fatalf("validation failed: %v", v)
	}
	if c.InputStream("ai.0").Active() != true {
		t.Fatalf("first input was shed")
	}
	if c.InputStream("ai.1").Active() {
		t.Fatalf("spare input not shed")
	}
	if !os.Active() {
		t.Fatalf("output was shed")
	}
}

func TestRateMismatchStopsLoopBeforeReadWrite(t *testing.T) {
	c, hw, _, out := newAnalogController(t)

	var pulls []string
	out.mu.Lock()
	out.pullLog = &pulls
	out.mu.Unlock()

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	// let at least one full iteration complete, then degrade the device
	deadline := time.Now().Add(2 * time.Second)
	for out.notifications() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("loop made no progress")
		}
		time.Sleep(time.Millisecond)
	}
	out.mu.Lock()
	out.rate = units.FromFloat64(2000, "Hz")
	out.mu.Unlock()

	err := waitEvent(t, events)
	var derr *DAQError
	if !xerrors.As(err, &derr) {
		t.Fatalf("invalid stop event: got=%T (%v), want *DAQError", err, err)
	}

	// one pull per iteration plus the preload pull; the iteration whose
	// pull failed must not have reached ReadWrite
	out.mu.Lock()
	npulls := len(pulls)
	out.mu.Unlock()
	if got, want := hw.countCalls("ReadWrite"), npulls-2; got != want {
		t.Fatalf("read-write ran for the failing iteration: got=%d calls, want=%d", got, want)
	}
}

type failingTap struct {
	mu sync.Mutex
	n  int
}

func (tap *failingTap) Publish(stream string, data *InputData) error {
	tap.mu.Lock()
	defer tap.mu.Unlock()
	tap.n++
	return xerrors.Errorf("tap refused %q", stream)
}

func (tap *failingTap) calls() int {
	tap.mu.Lock()
	defer tap.mu.Unlock()
	return tap.n
}

func TestDataTapErrorsAreNotFatal(t *testing.T) {
	tap := new(failingTap)
	c, _, in, _ := newAnalogController(t, WithTap(tap))

	events := make(chan error, 4)
	c.OnStopped(func(err error) { events <- err })

	if err := c.Start(false); err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tap.calls() < 2 || len(in.pushedBlocks()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loop made no progress: tap=%d pushed=%d", tap.calls(), len(in.pushedBlocks()))
		}
		time.Sleep(time.Millisecond)
	}

	c.Stop()
	if err := waitEvent(t, events); err != nil {
		t.Fatalf("invalid stop event: got=%v, want=nil", err)
	}
}

func TestConfigurationStamp(t *testing.T) {
	c, _, _, _ := newAnalogController(t)
	cfg := c.Configuration()
	node := cfg.Nodes["rig"]
	if node == nil {
		t.Fatalf("missing controller node: %+v", cfg.Nodes)
	}
	if _, ok := node["sampleRate"]; !ok {
		t.Fatalf("missing sampleRate entry: %+v", node)
	}
}
