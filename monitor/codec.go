// Copyright 2023 The symphony-das Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package monitor // import "github.com/symphony-das/symphony/monitor"

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/symphony-das/symphony"
	"github.com/symphony-das/symphony/units"
)

// frameMagic marks the start of a published data frame.
const frameMagic uint32 = 0x53594d46 // "SYMF"

// frameVersion is bumped on incompatible frame layout changes.
const frameVersion uint8 = 1

// Frame is one published input block: the stream it was read from and
// the block's samples, timestamp and rate.
type Frame struct {
	Stream     string
	Time       time.Time
	SampleRate units.Measurement
	Samples    []units.Measurement
}

// Encoder writes frame primitives to an underlying writer. The first
// write error sticks and turns subsequent writes into no-ops.
type Encoder struct {
	w   io.Writer
	err error

	buf []byte
}

// NewEncoder builds an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, buf: make([]byte, 8)}
}

// Err returns the first error the encoder hit.
func (enc *Encoder) Err() error { return enc.err }

func (enc *Encoder) WriteU8(v uint8) {
	if enc.err != nil {
		return
	}
	enc.buf[0] = v
	_, enc.err = enc.w.Write(enc.buf[:1])
}

func (enc *Encoder) WriteI32(v int32) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(enc.buf[:4], uint32(v))
	_, enc.err = enc.w.Write(enc.buf[:4])
}

func (enc *Encoder) WriteU32(v uint32) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(enc.buf[:4], v)
	_, enc.err = enc.w.Write(enc.buf[:4])
}

func (enc *Encoder) WriteI64(v int64) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(enc.buf[:8], uint64(v))
	_, enc.err = enc.w.Write(enc.buf[:8])
}

func (enc *Encoder) WriteU64(v uint64) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(enc.buf[:8], v)
	_, enc.err = enc.w.Write(enc.buf[:8])
}

func (enc *Encoder) WriteF64(v float64) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(enc.buf[:8], math.Float64bits(v))
	_, enc.err = enc.w.Write(enc.buf[:8])
}

func (enc *Encoder) WriteStr(v string) {
	enc.WriteU64(uint64(len(v)))

	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write([]byte(v))
}

func (enc *Encoder) writeMeasurement(m units.Measurement) {
	enc.WriteStr(m.Quantity().String())
	enc.WriteI32(m.Exponent())
	enc.WriteStr(m.BaseUnit())
}

// Decoder reads frame primitives from an underlying reader. The first
// read error sticks; callers check Err once after a batch of reads.
type Decoder struct {
	r   io.Reader
	err error
	buf []byte
}

// NewDecoder builds a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 8)}
}

// Err returns the first error the decoder hit.
func (dec *Decoder) Err() error { return dec.err }

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		copy(dec.buf, []byte{0, 0, 0, 0, 0, 0, 0, 0})
		return
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
}

func (dec *Decoder) ReadU8() uint8 {
	dec.load(1)
	return dec.buf[0]
}

func (dec *Decoder) ReadI32() int32 {
	dec.load(4)
	return int32(binary.LittleEndian.Uint32(dec.buf[:4]))
}

func (dec *Decoder) ReadU32() uint32 {
	dec.load(4)
	return binary.LittleEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) ReadI64() int64 {
	dec.load(8)
	return int64(binary.LittleEndian.Uint64(dec.buf[:8]))
}

func (dec *Decoder) ReadU64() uint64 {
	dec.load(8)
	return binary.LittleEndian.Uint64(dec.buf[:8])
}

func (dec *Decoder) ReadF64() float64 {
	dec.load(8)
	return math.Float64frombits(binary.LittleEndian.Uint64(dec.buf[:8]))
}

func (dec *Decoder) ReadStr() string {
	n := dec.ReadU64()
	if n == 0 || dec.err != nil {
		return ""
	}
	str := make([]byte, n)
	_, dec.err = io.ReadFull(dec.r, str)
	return string(str)
}

func (dec *Decoder) readMeasurement() units.Measurement {
	qstr := dec.ReadStr()
	exp := dec.ReadI32()
	unit := dec.ReadStr()
	if dec.err != nil {
		return units.Measurement{}
	}
	q, err := decimal.NewFromString(qstr)
	if err != nil {
		dec.err = xerrors.Errorf("monitor: could not parse quantity %q: %w", qstr, err)
		return units.Measurement{}
	}
	return units.New(q, exp, unit)
}

// MarshalFrame serializes one published frame.
func MarshalFrame(frame Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := NewEncoder(buf)
	enc.WriteU32(frameMagic)
	enc.WriteU8(frameVersion)
	enc.WriteStr(frame.Stream)
	enc.WriteI64(frame.Time.UnixNano())
	enc.writeMeasurement(frame.SampleRate)
	enc.WriteU64(uint64(len(frame.Samples)))
	for _, m := range frame.Samples {
		enc.writeMeasurement(m)
	}
	if err := enc.Err(); err != nil {
		return nil, xerrors.Errorf("monitor: could not marshal frame: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalFrame deserializes one published frame.
func UnmarshalFrame(p []byte) (Frame, error) {
	dec := NewDecoder(bytes.NewReader(p))
	if magic := dec.ReadU32(); dec.Err() == nil && magic != frameMagic {
		return Frame{}, xerrors.Errorf("monitor: invalid frame magic 0x%X", magic)
	}
	if version := dec.ReadU8(); dec.Err() == nil && version != frameVersion {
		return Frame{}, xerrors.Errorf("monitor: unknown frame version %d", version)
	}
	var frame Frame
	frame.Stream = dec.ReadStr()
	frame.Time = time.Unix(0, dec.ReadI64())
	frame.SampleRate = dec.readMeasurement()
	n := dec.ReadU64()
	if dec.Err() == nil && n > uint64(len(p)) {
		return Frame{}, xerrors.Errorf("monitor: invalid sample count %d", n)
	}
	frame.Samples = make([]units.Measurement, 0, n)
	for i := uint64(0); i < n; i++ {
		frame.Samples = append(frame.Samples, dec.readMeasurement())
	}
	if err := dec.Err(); err != nil {
		return Frame{}, xerrors.Errorf("monitor: could not unmarshal frame: %w", err)
	}
	return frame, nil
}

// FrameOf packages an input block read from the named stream.
func FrameOf(stream string, data *symphony.InputData) Frame {
	return Frame{
		Stream:     stream,
		Time:       data.Time,
		SampleRate: data.SampleRate,
		Samples:    data.Samples,
	}
}
