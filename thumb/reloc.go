package thumb

import "fmt"

// PCRelative checks whether an instruction depends on its own address (and
// therefore cannot be copied verbatim to another address). If it does, a
// description of the instruction class is returned.
//
// Only the PC-relative classes which commonly appear in compiled Cortex-M
// code are recognized; everything else is assumed to be position
// independent.
func PCRelative(i Inst) (reason string, hazard bool) {
	switch i := i.(type) {
	case Thumb16:
		return pcRelative16(i.HW)
	case Thumb32:
		return pcRelative32(i.HW1, i.HW2)
	default:
		panic(fmt.Sprintf("thumb: unhandled instruction type %T", i))
	}
}

func pcRelative16(hw uint16) (string, bool) {
	top5, top8 := hw>>11, hw>>8

	// LDR Rt, [PC, #imm8]   0 1 0 0 1 Rt imm8
	if top5 == 0b01001 {
		return "LDR Rt,[PC,#imm8] (16-bit literal pool load)", true
	}

	// ADR Rd, label         1 0 1 0 0 Rd imm8
	if top5 == 0b10100 {
		return "ADR Rd,label (16-bit PC-relative address)", true
	}

	// B<c> label            1 1 0 1 cond imm8 (cond 1110 is UDF, 1111 is SVC)
	if top8>>4 == 0b1101 && top8&0xF < 0xE {
		return fmt.Sprintf("B<cond> (16-bit conditional branch, cond=%#x)", top8&0xF), true
	}

	// B label               1 1 1 0 0 imm11
	if top5 == 0b11100 {
		return "B (16-bit unconditional branch)", true
	}

	// CBZ/CBNZ Rn, label    1 0 1 1 op 0 i 1 imm5 Rn
	if hw&0xF500 == 0xB100 {
		return "CBZ/CBNZ (compare and branch on zero)", true
	}

	return "", false
}

func pcRelative32(hw1, hw2 uint16) (string, bool) {
	// B.W / BL / BLX        1 1 1 1 0 S imm10 | 1 op1 J1 op2 J2 imm11
	if hw1&0xF800 == 0xF000 && hw2&0x8000 == 0x8000 {
		switch {
		case hw2&0x4000 != 0 && hw2&0x1000 != 0:
			return "BL (32-bit branch with link)", true
		case hw2&0x4000 != 0:
			return "BLX (32-bit branch with link and exchange)", true
		case hw2&0x1000 != 0:
			return "B.W (32-bit unconditional branch)", true
		case hw1&0x0380 == 0x0380:
			// MSR, MRS, hints, barriers (op1 = 0x0, op = 111xxxx)
			return "", false
		default:
			// B<c>.W (T3) shares the prefix, hw1[9:6] is the condition
			return "B<cond>.W (32-bit conditional branch)", true
		}
	}

	// LDR.W Rt, [PC, #+/-imm12]   1 1 1 1 1 0 0 0 U 1 0 1 1 1 1 1 | Rt imm12
	if hw1&0xFF7F == 0xF85F {
		return "LDR.W Rt,[PC,#imm12] (32-bit literal pool load)", true
	}

	// ADR.W (ADDW/SUBW Rd, PC, #imm12)   1 1 1 1 0 i 1 0 0 0 0 0 1 1 1 1 / 1 1 1 1 0 i 1 0 1 0 1 0 1 1 1 1
	if hw1&0xFB0F == 0xF20F || hw1&0xFB0F == 0xF2AF {
		return "ADR.W (32-bit PC-relative address)", true
	}

	// TBB/TBH [Rn, Rm]      1 1 1 0 1 0 0 0 1 1 0 1 Rn | 1 1 1 1 0 0 0 0 0 0 0 H Rm
	if hw1&0xFFF0 == 0xE8D0 && hw2&0xFFE0 == 0xF000 {
		return "TBB/TBH (table branch)", true
	}

	return "", false
}

// Diagnostic describes a single instruction which cannot be relocated.
type Diagnostic struct {
	Addr     uint32
	Encoding string
	Reason   string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("0x%08X [%s]: PC-relative: %s", d.Addr, d.Encoding, d.Reason)
}

// CheckRelocatable returns a Diagnostic for every instruction in insts which
// cannot be relocated verbatim. A nil result means all of them are safe.
func CheckRelocatable(insts []Inst) []Diagnostic {
	var ds []Diagnostic
	for _, i := range insts {
		if reason, hazard := PCRelative(i); hazard {
			ds = append(ds, Diagnostic{
				Addr:     i.Addr(),
				Encoding: i.String(),
				Reason:   reason,
			})
		}
	}
	return ds
}
