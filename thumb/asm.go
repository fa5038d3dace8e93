package thumb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// note: these are the 32-bit thumb-2 encodings, see the ARMv7-M architecture
// reference manual, section A7.7.12 (B) and A7.7.18 (BL)

// ErrEncodingRange is matched by an *EncodingRangeError.
var ErrEncodingRange = errors.New("branch encoding range")

// EncodingRangeError is returned when a branch target cannot be encoded.
type EncodingRangeError struct {
	From, To uint32
	Offset   int64
	Reason   string
}

func (e *EncodingRangeError) Error() string {
	return fmt.Sprintf("cannot encode branch from 0x%08X to 0x%08X (offset %#x): %s", e.From, e.To, e.Offset, e.Reason)
}

func (e *EncodingRangeError) Is(target error) bool {
	return target == ErrEncodingRange
}

// AsmBW assembles a B.W instruction at pc branching to target, and returns
// the 4 bytes which can be patched directly into a binary.
func AsmBW(pc, target uint32) ([]byte, error) {
	hw1, hw2, err := branch(pc, target, 0x9000)
	if err != nil {
		return nil, err
	}
	return halfwords(hw1, hw2), nil
}

// AsmBL assembles a BL instruction at pc calling target.
func AsmBL(pc, target uint32) ([]byte, error) {
	hw1, hw2, err := branch(pc, target, 0xD000)
	if err != nil {
		return nil, err
	}
	return halfwords(hw1, hw2), nil
}

// DecodeBW returns the offset (relative to pc+4) encoded by a B.W.
func DecodeBW(b []byte) (int32, error) {
	return unbranch(b, 0xD000, 0x9000, "B.W")
}

// DecodeBL returns the offset (relative to pc+4) encoded by a BL.
func DecodeBL(b []byte) (int32, error) {
	return unbranch(b, 0xD000, 0xD000, "BL")
}

// B.W (encoding T4) and BL (encoding T1)
// 1 1 1 1 0 S imm10 | 1 0 J1 1 J2 imm11   (B.W)
// 1 1 1 1 0 S imm10 | 1 1 J1 1 J2 imm11   (BL)
//
//     I1    = NOT(J1 EOR S)                            thus...  J1    = NOT(I1 EOR S)
//     I2    = NOT(J2 EOR S)                            thus...  J2    = NOT(I2 EOR S)
//     imm32 = SignExtend(S:I1:I2:imm10:imm11:'0', 32)  thus...  S     = imm32[24]
//                                                               I1    = imm32[23]
//                                                               I2    = imm32[22]
//                                                               imm10 = imm32[12:22]
//                                                               imm11 = imm32[1:12]
//
//     BranchWritePC(PC + imm32)                        thus...  imm32 = target - pc - 4
//
//     imm32 must be even and between -16777216 and 16777214
func branch(pc, target uint32, op uint16) (hw1, hw2 uint16, err error) {
	offset := int64(target) - int64(pc) - 4
	if offset < -(1<<24) || offset >= 1<<24 {
		return 0, 0, &EncodingRangeError{pc, target, offset, "out of range (±16MB)"}
	}
	if offset&1 != 0 {
		return 0, 0, &EncodingRangeError{pc, target, offset, "target not halfword-aligned"}
	}

	imm32 := uint32(offset)
	S := uint16(imm32>>24) & 1
	I1 := uint16(imm32>>23) & 1
	I2 := uint16(imm32>>22) & 1
	imm10 := uint16(imm32>>12) & 0x3FF
	imm11 := uint16(imm32>>1) & 0x7FF
	J1 := ^(I1 ^ S) & 1
	J2 := ^(I2 ^ S) & 1

	hw1 = 0b11110<<11 | S<<10 | imm10
	hw2 = op | J1<<13 | J2<<11 | imm11
	return hw1, hw2, nil
}

func unbranch(b []byte, mask, op uint16, name string) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("decode %s: need 4 bytes, got %d", name, len(b))
	}
	hw1, hw2 := binary.LittleEndian.Uint16(b), binary.LittleEndian.Uint16(b[2:])
	if hw1&0xF800 != 0xF000 || hw2&mask != op {
		return 0, fmt.Errorf("decode %s: %04X %04X is not a %s", name, hw1, hw2, name)
	}

	S := uint32(hw1>>10) & 1
	imm10 := uint32(hw1) & 0x3FF
	J1 := uint32(hw2>>13) & 1
	J2 := uint32(hw2>>11) & 1
	imm11 := uint32(hw2) & 0x7FF
	I1 := ^(J1 ^ S) & 1
	I2 := ^(J2 ^ S) & 1

	imm32 := S<<24 | I1<<23 | I2<<22 | imm10<<12 | imm11<<1
	return int32(imm32<<7) >> 7, nil // sign-extend from bit 24
}

func halfwords(hw ...uint16) []byte {
	b := make([]byte, 2*len(hw))
	for i, h := range hw {
		binary.LittleEndian.PutUint16(b[2*i:], h)
	}
	return b
}
