package symtab

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is a symbol from an ELF symbol table.
type Symbol struct {
	Name      string `json:"name"`
	Addr      uint32 `json:"addr"`
	Size      uint32 `json:"size"`
	Type      string `json:"type"`
	Bind      string `json:"bind"`
	Section   string `json:"section,omitempty"`
	Thumb     bool   `json:"thumb,omitempty"`
	Demangled string `json:"demangled,omitempty"`
}

// ReadELF decodes the static symbol table of a 32-bit ARM ELF file. Unnamed,
// section, and file symbols are skipped.
func ReadELF(r io.ReaderAt) ([]Symbol, error) {
	e, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("read elf: %w", err)
	}
	defer e.Close()

	if e.Class != elf.ELFCLASS32 || e.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("not a 32-bit arm elf")
	}

	esyms, err := e.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, fmt.Errorf("get symbols: %w", err)
	}

	var syms []Symbol
	for _, esym := range esyms {
		typ := elf.ST_TYPE(esym.Info)
		if esym.Name == "" || typ == elf.STT_SECTION || typ == elf.STT_FILE {
			continue
		}
		s := Symbol{
			Name: esym.Name,
			Addr: uint32(esym.Value),
			Size: uint32(esym.Size),
			Type: symType(typ),
			Bind: symBind(elf.ST_BIND(esym.Info)),
		}
		if typ == elf.STT_FUNC {
			// https://static.docs.arm.com/ihi0044/g/aaelf32.pdf: For the purposes of relocation the value used shall be the address of the instruction (st_value &~1).
			s.Thumb = s.Addr&1 != 0
			s.Addr &^= 1
		}
		if i := int(esym.Section); i > 0 && i < len(e.Sections) {
			s.Section = e.Sections[i].Name
		}
		if v, err := demangle.ToString(esym.Name); err == nil {
			s.Demangled = v
		}
		syms = append(syms, s)
	}
	return syms, nil
}

func symType(t elf.SymType) string {
	switch t {
	case elf.STT_NOTYPE:
		return "notype"
	case elf.STT_OBJECT:
		return "object"
	case elf.STT_FUNC:
		return "func"
	case elf.STT_TLS:
		return "tls"
	default:
		return t.String()
	}
}

func symBind(b elf.SymBind) string {
	switch b {
	case elf.STB_LOCAL:
		return "local"
	case elf.STB_GLOBAL:
		return "global"
	case elf.STB_WEAK:
		return "weak"
	default:
		return b.String()
	}
}

// ELF resolves symbols by reading the ELF symbol table directly. Function
// addresses have the Thumb bit cleared, as nm reports them.
type ELF struct{}

// ResolveSymbols implements Resolver.
func (ELF) ResolveSymbols(ctx context.Context, artifact string) (*Table, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	defer f.Close()

	syms, err := ReadELF(f)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols from %s: %w", artifact, err)
	}
	t := NewTable()
	for _, s := range syms {
		t.Add(s.Name, s.Addr)
	}
	Log("read %d symbols from %s\n", t.Len(), artifact)
	return t, nil
}
