// Package thumb decodes, classifies, and assembles the small subset of
// Thumb/Thumb-2 (ARMv7-M) instructions needed to relocate code and write
// trampolines into Cortex-M4 firmware images.
package thumb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Inst is a single decoded Thumb instruction. It is either a Thumb16 or a
// Thumb32, and is immutable once decoded.
type Inst interface {
	// Addr is the address the instruction was decoded at.
	Addr() uint32
	// Len is the instruction length in bytes (2 or 4).
	Len() int
	// Bytes returns the raw little-endian instruction bytes.
	Bytes() []byte
	// String returns the halfword encoding, e.g. "E92D 47F0".
	String() string

	inst()
}

// Thumb16 is a 16-bit Thumb instruction.
type Thumb16 struct {
	Address uint32
	HW      uint16
}

// Thumb32 is a 32-bit Thumb-2 instruction made of two halfwords.
type Thumb32 struct {
	Address  uint32
	HW1, HW2 uint16
}

func (i Thumb16) Addr() uint32 { return i.Address }
func (i Thumb16) Len() int     { return 2 }
func (i Thumb16) Bytes() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, i.HW)
	return b
}
func (i Thumb16) String() string { return fmt.Sprintf("%04X", i.HW) }
func (Thumb16) inst()            {}

func (i Thumb32) Addr() uint32 { return i.Address }
func (i Thumb32) Len() int     { return 4 }
func (i Thumb32) Bytes() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:], i.HW1)
	binary.LittleEndian.PutUint16(b[2:], i.HW2)
	return b
}
func (i Thumb32) String() string { return fmt.Sprintf("%04X %04X", i.HW1, i.HW2) }
func (Thumb32) inst()            {}

// ErrBoundary is matched by a *BoundaryError.
var ErrBoundary = errors.New("instruction boundary")

// BoundaryError is returned when a buffer ends in the middle of an
// instruction.
type BoundaryError struct {
	// Addr is the address of the truncated instruction.
	Addr uint32
	// Need is the length of the truncated instruction.
	Need int
	// Have is the number of bytes left in the buffer.
	Have int
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("instruction at 0x%08X needs %d bytes, only %d left", e.Addr, e.Need, e.Have)
}

func (e *BoundaryError) Is(target error) bool {
	return target == ErrBoundary
}

// Is32 returns true if hw1 is the first halfword of a 32-bit instruction,
// i.e. bits [15:11] are 0b11101, 0b11110, or 0b11111.
func Is32(hw1 uint16) bool {
	switch hw1 >> 11 {
	case 0b11101, 0b11110, 0b11111:
		return true
	}
	return false
}

// Decode splits buf into consecutive instructions starting at addr. The
// lengths of the returned instructions always sum to len(buf); a buffer
// which ends inside an instruction is an error.
func Decode(buf []byte, addr uint32) ([]Inst, error) {
	var insts []Inst
	for pos := 0; pos < len(buf); {
		pc := addr + uint32(pos)
		if len(buf)-pos < 2 {
			return insts, &BoundaryError{pc, 2, len(buf) - pos}
		}
		hw1 := binary.LittleEndian.Uint16(buf[pos:])
		if !Is32(hw1) {
			insts = append(insts, Thumb16{pc, hw1})
			pos += 2
			continue
		}
		if len(buf)-pos < 4 {
			return insts, &BoundaryError{pc, 4, len(buf) - pos}
		}
		hw2 := binary.LittleEndian.Uint16(buf[pos+2:])
		insts = append(insts, Thumb32{pc, hw1, hw2})
		pos += 4
	}
	return insts, nil
}

// Size returns the total length of insts in bytes.
func Size(insts []Inst) int {
	var n int
	for _, i := range insts {
		n += i.Len()
	}
	return n
}
