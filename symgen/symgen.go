// Package symgen turns a Ghidra symbol export into the linker scripts used to
// link hook stubs against a firmware image: fw_symbols.ld (firmware function
// and data addresses) and patch.ld (the patch zone memory layout).
package symgen

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

const (
	// SectorSize is the flash erase granularity the patch zone is aligned to.
	SectorSize = 2048

	FlashBase  = 0x08000000
	SRAMBase   = 0x20000000
	SRAMEnd    = 0x2FFFFFFF
	PeriphBase = 0x40000000
	PeriphEnd  = 0x5FFFFFFF

	// PatchSRAMOrigin is scratch SRAM above every known firmware global.
	PatchSRAMOrigin = 0x20009800
	PatchSRAMLength = 1024
)

// Addr is an address from the export. Ghidra writes them as hex strings with
// or without a 0x prefix; plain integers are accepted too.
type Addr uint32

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", n.Line)
	}
	s := n.Value
	var (
		v   uint64
		err error
	)
	if n.Tag == "!!int" {
		v, err = strconv.ParseUint(s, 0, 32)
	} else {
		v, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	}
	if err != nil {
		return fmt.Errorf("line %d: bad address %q", n.Line, s)
	}
	*a = Addr(v)
	return nil
}

// Program describes the exported program.
type Program struct {
	Name      string `yaml:"name"`
	ImageBase Addr   `yaml:"image_base"`
	Arch      string `yaml:"arch"`
}

// Block is a memory block. End is inclusive.
type Block struct {
	Name        string `yaml:"name"`
	Start       Addr   `yaml:"start"`
	End         Addr   `yaml:"end"`
	Size        uint32 `yaml:"size"`
	Perms       string `yaml:"perms"`
	Initialized bool   `yaml:"initialized"`
}

// Executable returns true if the block has the x permission.
func (b Block) Executable() bool {
	return strings.ContainsRune(b.Perms, 'x')
}

// Contains returns true if addr is inside the block.
func (b Block) Contains(addr uint32) bool {
	return uint32(b.Start) <= addr && addr <= uint32(b.End)
}

// Function is a firmware function.
type Function struct {
	Name string `yaml:"name"`
	Addr Addr   `yaml:"addr"`
	Size uint32 `yaml:"size"`
}

// Label is a firmware data label.
type Label struct {
	Name     string `yaml:"name"`
	Addr     Addr   `yaml:"addr"`
	Primary  *bool  `yaml:"primary"`
	DataType string `yaml:"data_type"`
	DataSize *int   `yaml:"data_size"`
}

// Export is a Ghidra symbol export. Fields which are not used here (types,
// calling conventions, and so on) are ignored.
type Export struct {
	Program   Program    `yaml:"program"`
	Blocks    []Block    `yaml:"memory_blocks"`
	Functions []Function `yaml:"functions"`
	Labels    []Label    `yaml:"labels"`
}

// Parse parses a JSON symbol export.
func Parse(r io.Reader) (*Export, error) {
	var e Export
	if err := yaml.NewDecoder(r).Decode(&e); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("parse symbol export: empty document")
		}
		return nil, fmt.Errorf("parse symbol export: %w", err)
	}
	if e.Program.Name == "" {
		return nil, fmt.Errorf("parse symbol export: missing program name")
	}
	Log("loaded %s (base 0x%08X, %s): %d blocks, %d functions, %d labels\n",
		e.Program.Name, uint32(e.Program.ImageBase), e.Program.Arch, len(e.Blocks), len(e.Functions), len(e.Labels))
	return &e, nil
}

// ReadFromFile reads and parses a symbol export.
func ReadFromFile(filename string) (*Export, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("read symbol export: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func isFlash(addr uint32) bool  { return FlashBase <= addr && addr < SRAMBase }
func isSRAM(addr uint32) bool   { return SRAMBase <= addr && addr <= SRAMEnd }
func isPeriph(addr uint32) bool { return PeriphBase <= addr && addr <= PeriphEnd }

// CodeBlock returns the largest executable flash block.
func (e *Export) CodeBlock() (Block, bool) {
	var (
		best Block
		ok   bool
	)
	for _, b := range e.Blocks {
		if !b.Executable() || !isFlash(uint32(b.Start)) {
			continue
		}
		if !ok || b.Size > best.Size {
			best, ok = b, true
		}
	}
	return best, ok
}

// ConfigBlocks returns the flash blocks after the code block, by address.
func (e *Export) ConfigBlocks(code Block) []Block {
	var bs []Block
	for _, b := range e.Blocks {
		if b.Start > code.End && isFlash(uint32(b.Start)) {
			bs = append(bs, b)
		}
	}
	sort.SliceStable(bs, func(i, j int) bool {
		return bs[i].Start < bs[j].Start
	})
	return bs
}

// Zone is a detected patch zone. End is inclusive.
type Zone struct {
	Start, End uint32
}

// Size returns the size of the zone in bytes.
func (z Zone) Size() uint32 {
	return z.End - z.Start + 1
}

// PatchZone finds the gap between the end of the code block (rounded up to a
// sector) and the first config block.
func (e *Export) PatchZone() (Zone, error) {
	code, ok := e.CodeBlock()
	if !ok {
		return Zone{}, fmt.Errorf("no executable flash block found")
	}
	cfg := e.ConfigBlocks(code)
	if len(cfg) == 0 {
		return Zone{}, fmt.Errorf("no config blocks found after code block %s", code.Name)
	}
	start := alignUp(uint64(code.End)+1, SectorSize)
	limit := uint64(cfg[0].Start)
	if start >= limit {
		return Zone{}, fmt.Errorf("no gap between code block %s (ends 0x%08X) and config block %s (starts 0x%08X)",
			code.Name, uint32(code.End), cfg[0].Name, limit)
	}
	Log("patch zone 0x%08X-0x%08X between %s and %s\n", start, limit-1, code.Name, cfg[0].Name)
	return Zone{Start: uint32(start), End: uint32(limit - 1)}, nil
}

func alignUp(v, n uint64) uint64 {
	return (v + n - 1) &^ (n - 1)
}

// Region classifies a label address.
type Region int

const (
	RegionFlash  Region = iota // flash config blocks
	RegionROM                  // data inside the code block
	RegionRAM                  // SRAM
	RegionMMIO                 // peripheral registers
	RegionOther
)

func (r Region) title() string {
	switch r {
	case RegionFlash:
		return "Flash regions"
	case RegionROM:
		return "ROM data (firmware flash)"
	case RegionRAM:
		return "RAM globals"
	case RegionMMIO:
		return "MMIO registers"
	default:
		return "Other labels"
	}
}

// Classify groups the labels by region, sorted by address. Labels which
// duplicate a function name are left out.
func (e *Export) Classify() map[Region][]Label {
	code, hasCode := e.CodeBlock()
	var cfg []Block
	if hasCode {
		cfg = e.ConfigBlocks(code)
	}
	funcs := map[string]bool{}
	for _, f := range e.Functions {
		funcs[f.Name] = true
	}

	labels := append([]Label(nil), e.Labels...)
	sort.SliceStable(labels, func(i, j int) bool {
		return labels[i].Addr < labels[j].Addr
	})

	m := map[Region][]Label{}
	for _, l := range labels {
		if funcs[l.Name] {
			continue
		}
		r := classify(uint32(l.Addr), code, hasCode, cfg)
		m[r] = append(m[r], l)
	}
	return m
}

func classify(addr uint32, code Block, hasCode bool, cfg []Block) Region {
	switch {
	case isSRAM(addr):
		return RegionRAM
	case isPeriph(addr):
		return RegionMMIO
	case isFlash(addr):
		for _, b := range cfg {
			if b.Contains(addr) {
				return RegionFlash
			}
		}
		if hasCode && code.Contains(addr) {
			return RegionROM
		}
	}
	return RegionOther
}
