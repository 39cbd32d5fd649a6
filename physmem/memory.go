// Package physmem models physical RAM and the physical page allocator that hands out its frames.
package physmem

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/mortyos/memcore/paging"
	"github.com/pkg/errors"
)

var (
	// ErrOutOfRange is returned when an access falls past the end of installed memory
	ErrOutOfRange = errors.New("physical address is outside installed memory")
	// ErrUnalignedWord is returned when a word access does not sit on a 4-byte boundary
	ErrUnalignedWord = errors.New("word access is not 4-byte aligned")
)

type frameData [paging.PageSize]byte

// Memory is a sparse model of installed physical RAM. Frames are materialized on first write;
// reads of untouched frames observe zeroes.
type Memory struct {
	size   uint32
	frames *swiss.Map[uint32, *frameData]
}

// NewMemory creates a physical memory of size bytes, rounded down to whole frames
func NewMemory(size uint32) *Memory {
	return &Memory{
		size:   paging.PageBase(size),
		frames: swiss.NewMap[uint32, *frameData](64),
	}
}

// Size returns the number of installed bytes
func (m *Memory) Size() uint32 { return m.size }

// ResidentFrames returns the number of frames that have been written at least once
func (m *Memory) ResidentFrames() int { return m.frames.Count() }

func (m *Memory) checkRange(addr, length uint32) error {
	if length > m.size || addr > m.size-length {
		return cerrors.Wrapf(ErrOutOfRange, "access %#x+%#x, installed %#x", addr, length, m.size)
	}
	return nil
}

func (m *Memory) frame(addr uint32, create bool) *frameData {
	base := paging.PageBase(addr)
	data, ok := m.frames.Get(base)
	if !ok && create {
		data = &frameData{}
		m.frames.Put(base, data)
	}
	return data
}

func (m *Memory) ReadWord(addr uint32) (uint32, error) {
	if addr&3 != 0 {
		return 0, cerrors.Wrapf(ErrUnalignedWord, "read at %#x", addr)
	}
	if err := m.checkRange(addr, 4); err != nil {
		return 0, err
	}

	data := m.frame(addr, false)
	if data == nil {
		return 0, nil
	}
	offset := paging.PageOffset(addr)
	return binary.LittleEndian.Uint32(data[offset : offset+4]), nil
}

func (m *Memory) WriteWord(addr uint32, value uint32) error {
	if addr&3 != 0 {
		return cerrors.Wrapf(ErrUnalignedWord, "write at %#x", addr)
	}
	if err := m.checkRange(addr, 4); err != nil {
		return err
	}

	data := m.frame(addr, true)
	offset := paging.PageOffset(addr)
	binary.LittleEndian.PutUint32(data[offset:offset+4], value)
	return nil
}

// ReadBytes copies len(buf) bytes starting at addr into buf
func (m *Memory) ReadBytes(addr uint32, buf []byte) error {
	if err := m.checkRange(addr, uint32(len(buf))); err != nil {
		return err
	}

	for done := 0; done < len(buf); {
		offset := paging.PageOffset(addr)
		n := int(paging.PageSize - offset)
		if n > len(buf)-done {
			n = len(buf) - done
		}

		if data := m.frame(addr, false); data != nil {
			copy(buf[done:done+n], data[offset:])
		} else {
			clear(buf[done : done+n])
		}

		done += n
		addr += uint32(n)
	}
	return nil
}

// WriteBytes copies buf into memory starting at addr
func (m *Memory) WriteBytes(addr uint32, buf []byte) error {
	if err := m.checkRange(addr, uint32(len(buf))); err != nil {
		return err
	}

	for done := 0; done < len(buf); {
		offset := paging.PageOffset(addr)
		data := m.frame(addr, true)
		n := copy(data[offset:], buf[done:])
		done += n
		addr += uint32(n)
	}
	return nil
}

// ZeroFrame clears the frame containing addr
func (m *Memory) ZeroFrame(addr uint32) error {
	base := paging.PageBase(addr)
	if err := m.checkRange(base, paging.PageSize); err != nil {
		return err
	}

	// An untouched frame already reads as zero, so dropping it is the same as clearing it
	m.frames.Delete(base)
	return nil
}

// CopyFrame copies the whole frame at src over the frame at dst
func (m *Memory) CopyFrame(dst, src uint32) error {
	dst, src = paging.PageBase(dst), paging.PageBase(src)
	if err := m.checkRange(dst, paging.PageSize); err != nil {
		return err
	}
	if err := m.checkRange(src, paging.PageSize); err != nil {
		return err
	}

	data := m.frame(src, false)
	if data == nil {
		m.frames.Delete(dst)
		return nil
	}

	copied := *data
	m.frames.Put(dst, &copied)
	return nil
}
