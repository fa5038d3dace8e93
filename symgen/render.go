package symgen

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteSymbolsLD writes linker symbol definitions for every function and
// label. Functions get the Thumb bit set so that a BL from a stub interworks
// correctly; data symbols get the raw address.
func (e *Export) WriteSymbolsLD(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "/* Auto-generated from Ghidra project '%s'. Do not edit manually.\n", e.Program.Name)
	fmt.Fprintf(&b, " * Firmware symbol addresses.\n")
	fmt.Fprintf(&b, " * Link via: ld -T patch.ld -T fw_symbols.ld ... */\n")

	funcs := append([]Function(nil), e.Functions...)
	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Addr < funcs[j].Addr
	})
	names, addrs := make([]string, len(funcs)), make([]uint32, len(funcs))
	for i, f := range funcs {
		names[i], addrs[i] = f.Name, uint32(f.Addr)|1
	}
	writeAssignments(&b, "Firmware functions (Thumb, bit 0 set)", names, addrs)

	cl := e.Classify()
	for _, r := range []Region{RegionFlash, RegionROM, RegionRAM, RegionMMIO, RegionOther} {
		ls := cl[r]
		names, addrs := make([]string, len(ls)), make([]uint32, len(ls))
		for i, l := range ls {
			names[i], addrs[i] = l.Name, uint32(l.Addr)
		}
		writeAssignments(&b, r.title(), names, addrs)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeAssignments(b *strings.Builder, title string, names []string, addrs []uint32) {
	if len(names) == 0 {
		return
	}
	var width int
	for _, n := range names {
		if len(n) > width {
			width = len(n)
		}
	}
	fmt.Fprintf(b, "\n/* -- %s -- */\n", title)
	for i, n := range names {
		fmt.Fprintf(b, "%-*s = 0x%08x;\n", width, n, addrs[i])
	}
}

// WriteLinkerScript writes patch.ld, which places stub code in the detected
// patch zone and handler .bss in the PATCH_SRAM scratch region.
func (e *Export) WriteLinkerScript(w io.Writer) error {
	z, err := e.PatchZone()
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "/* Auto-generated from Ghidra project '%s'. Do not edit manually.\n", e.Program.Name)
	fmt.Fprintf(&b, " * Patch zone: gap between firmware code and config region.\n")
	fmt.Fprintf(&b, " * Aligned to the %d-byte flash sector boundary. */\n", SectorSize)
	b.WriteString("MEMORY {\n")
	fmt.Fprintf(&b, "    PATCH (rx)      : ORIGIN = 0x%08x, LENGTH = %d\n", z.Start, z.Size())
	fmt.Fprintf(&b, "    PATCH_SRAM (rw) : ORIGIN = 0x%08x, LENGTH = %d\n", PatchSRAMOrigin, PatchSRAMLength)
	b.WriteString("}\n")
	b.WriteString(linkerSections)

	_, err = io.WriteString(w, b.String())
	return err
}

const linkerSections = `SECTIONS {
    .text : {
        *(.text*)
    } > PATCH
    .rodata : {
        *(.rodata*)
    } > PATCH
    .bss (NOLOAD) : {
        *(.bss*)
        *(COMMON)
    } > PATCH_SRAM
    /DISCARD/ : {
        *(.ARM.*)
        *(.comment)
        *(.note*)
        *(.data*)
    }
}
`

// Report describes the export and the detected patch zone.
func (e *Export) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded: %s (base 0x%08X, %s)\n", e.Program.Name, uint32(e.Program.ImageBase), e.Program.Arch)
	fmt.Fprintf(&b, "  %d memory blocks, %d functions, %d labels\n", len(e.Blocks), len(e.Functions), len(e.Labels))
	if code, ok := e.CodeBlock(); ok {
		fmt.Fprintf(&b, "Code block: %s 0x%08X-0x%08X\n", code.Name, uint32(code.Start), uint32(code.End))
	}
	if z, err := e.PatchZone(); err != nil {
		fmt.Fprintf(&b, "Patch zone: none (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "PATCH_ZONE_START = 0x%08X\n", z.Start)
		fmt.Fprintf(&b, "PATCH_ZONE_END   = 0x%08X\n", z.End)
		fmt.Fprintf(&b, "PATCH_ZONE_SIZE  = %d (%d KiB)\n", z.Size(), z.Size()/1024)
	}
	return b.String()
}
