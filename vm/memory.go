package vm

import (
	"encoding/binary"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	// Addr is a segment-tagged address: segment*SegmentSize + offset.
	Addr uint64

	Segment uint32
)

const (
	SegNull Segment = iota
	SegStack
	SegData
)

const SegmentSize = 1 << 32

func MakeAddr(s Segment, off int) Addr { return Addr(uint64(s)*SegmentSize + uint64(off)) }

func (a Addr) Segment() Segment { return Segment(a / SegmentSize) }
func (a Addr) Offset() int      { return int(a % SegmentSize) }

func (s Segment) String() string {
	switch s {
	case SegNull:
		return "null"
	case SegStack:
		return "stack"
	case SegData:
		return "data"
	default:
		return "seg?"
	}
}

func (a Addr) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt64(b, "seg", int64(a.Segment()))
	b = e.AppendKeyInt64(b, "off", int64(a.Offset()))

	return b
}

// Load returns a copy of n bytes at a.
func (v *VM) Load(a Addr, n int) ([]byte, error) {
	m, err := v.mem(a, n, false)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), m...), nil
}

// Store copies b to a. The data segment is read-only.
func (v *VM) Store(a Addr, b []byte) error {
	m, err := v.mem(a, len(b), true)
	if err != nil {
		return err
	}

	copy(m, b)

	return nil
}

// AllocData appends b to the data segment and returns its address.
// Data lives until the VM is dropped.
func (v *VM) AllocData(b []byte) Addr {
	off := len(v.data)
	v.data = append(v.data, b...)

	return MakeAddr(SegData, off)
}

// Slice encodes a slice value: data pointer and element count.
func Slice(data Addr, length int) []byte {
	b := binary.LittleEndian.AppendUint64(nil, uint64(data))
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(float64(length)))
}

// SplitSlice decodes a slice value.
func SplitSlice(b []byte) (data Addr, length int) {
	data = Addr(binary.LittleEndian.Uint64(b))
	length = int(math.Float64frombits(binary.LittleEndian.Uint64(b[8:])))

	return
}

func (v *VM) mem(a Addr, n int, write bool) ([]byte, error) {
	var buf []byte

	switch s := a.Segment(); s {
	case SegStack:
		buf = v.stack
	case SegData:
		if write {
			return nil, errors.Wrap(ErrBadSegment, "store to read-only %v segment", s)
		}

		buf = v.data
	default:
		return nil, errors.Wrap(ErrBadSegment, "address %#x: segment %v", uint64(a), s)
	}

	off := a.Offset()
	if n < 0 || off+n > len(buf) {
		return nil, errors.Wrap(ErrOutOfBounds, "address %#x size %d: %v segment is %d bytes", uint64(a), n, a.Segment(), len(buf))
	}

	return buf[off : off+n], nil
}
