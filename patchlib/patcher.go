package patchlib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/echtzeit-solutions/fwhook/thumb"
	"go.uber.org/zap"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Symbols resolves symbol names to addresses.
type Symbols interface {
	Lookup(name string) (uint32, bool)
}

// PatchKind selects how the replacement bytes of a BinaryPatch are produced.
type PatchKind int

const (
	// PatchBytes replaces bytes with literal bytes. Each byte which does not
	// match its expected value is left alone.
	PatchBytes PatchKind = iota
	// PatchSymbolWord replaces a 32-bit little-endian word (usually in a
	// literal pool) with the address of a symbol.
	PatchSymbolWord
	// PatchSymbolBW replaces an instruction with a B.W to a symbol.
	PatchSymbolBW
	// PatchSymbolBL replaces an instruction with a BL to a symbol.
	PatchSymbolBL
)

func (k PatchKind) String() string {
	switch k {
	case PatchBytes:
		return "bytes"
	case PatchSymbolWord:
		return "word"
	case PatchSymbolBW:
		return "b.w"
	case PatchSymbolBL:
		return "bl"
	default:
		return fmt.Sprintf("PatchKind(%d)", int(k))
	}
}

// ParsePatchKind parses the name returned by PatchKind.String.
func ParsePatchKind(s string) (PatchKind, error) {
	for _, k := range []PatchKind{PatchBytes, PatchSymbolWord, PatchSymbolBW, PatchSymbolBL} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown patch kind %q (expected bytes, word, b.w, or bl)", s)
}

// BinaryPatch is a targeted rewrite at a flash address. Find is the expected
// original content; a mismatch is reported but is not fatal.
type BinaryPatch struct {
	Addr    uint32
	Kind    PatchKind
	Find    []byte
	Replace []byte // PatchBytes only
	Symbol  string // all kinds except PatchBytes
	Desc    string
}

// Patcher applies binary patches to an Image.
type Patcher struct {
	img  *Image
	hook func(addr uint32, find, replace []byte) error
	log  *zap.Logger
}

// NewPatcher creates a new Patcher. If log is nil, nothing is logged.
func NewPatcher(img *Image, log *zap.Logger) *Patcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Patcher{img: img, log: log}
}

// Image returns the image being patched.
func (p *Patcher) Image() *Image {
	return p.img
}

// Hook sets a hook to be called right before every change. If it returns an
// error, it will be passed on. If nil (the default), the hook will be removed.
// The find and replace arguments MUST NOT be modified by the hook.
func (p *Patcher) Hook(fn func(addr uint32, find, replace []byte) error) {
	p.hook = fn
}

// Apply applies a single BinaryPatch. Symbols may be nil if the patch does not
// reference one.
func (p *Patcher) Apply(bp BinaryPatch, syms Symbols) error {
	Log("Apply(%#v)\n", bp)
	if bp.Kind == PatchBytes {
		if bp.Symbol != "" {
			return fmt.Errorf("patch at 0x%08X: symbol %q given for a byte patch", bp.Addr, bp.Symbol)
		}
		if _, err := p.ReplaceBytes(bp.Addr, bp.Find, bp.Replace); err != nil {
			return fmt.Errorf("patch at 0x%08X (%s): %w", bp.Addr, bp.Desc, err)
		}
		return nil
	}

	if bp.Symbol == "" {
		return fmt.Errorf("patch at 0x%08X: %s patch needs a symbol", bp.Addr, bp.Kind)
	}
	if syms == nil {
		return fmt.Errorf("patch at 0x%08X: symbol %q: no symbol table", bp.Addr, bp.Symbol)
	}
	target, ok := syms.Lookup(bp.Symbol)
	if !ok {
		return fmt.Errorf("patch at 0x%08X: symbol %q not found (make sure it is not static)", bp.Addr, bp.Symbol)
	}
	Log("  %s -> 0x%08X\n", bp.Symbol, target)

	var (
		repl []byte
		err  error
	)
	switch bp.Kind {
	case PatchSymbolWord:
		repl = make([]byte, 4)
		binary.LittleEndian.PutUint32(repl, target)
	case PatchSymbolBW:
		repl, err = thumb.AsmBW(bp.Addr, target)
	case PatchSymbolBL:
		repl, err = thumb.AsmBL(bp.Addr, target)
	default:
		err = fmt.Errorf("unknown patch kind %s", bp.Kind)
	}
	if err != nil {
		return fmt.Errorf("patch at 0x%08X (%s): %w", bp.Addr, bp.Desc, err)
	}
	if err := p.Overwrite(bp.Addr, bp.Find, repl); err != nil {
		return fmt.Errorf("patch at 0x%08X (%s): %w", bp.Addr, bp.Desc, err)
	}
	return nil
}

// ReplaceBytes replaces bytes at addr one at a time. A byte which does not
// equal the corresponding byte of find is not changed and is reported as a
// warning. It returns the number of bytes replaced.
func (p *Patcher) ReplaceBytes(addr uint32, find, replace []byte) (int, error) {
	if len(find) != len(replace) {
		return 0, errors.New("length mismatch in byte replacement")
	}
	cur, err := p.img.Read(addr, len(find))
	if err != nil {
		return 0, err
	}
	var n int
	for i := range find {
		a := addr + uint32(i)
		if cur[i] != find[i] {
			p.log.Warn("byte mismatch, skipping (already patched?)",
				zap.String("addr", fmt.Sprintf("0x%08X", a)),
				zap.String("have", fmt.Sprintf("0x%02X", cur[i])),
				zap.String("expected", fmt.Sprintf("0x%02X", find[i])))
			continue
		}
		if err := p.write(a, find[i:i+1], replace[i:i+1]); err != nil {
			return n, err
		}
		n++
	}
	p.log.Info("patched bytes",
		zap.String("addr", fmt.Sprintf("0x%08X", addr)),
		zap.String("find", fmt.Sprintf("%x", find)),
		zap.String("replace", fmt.Sprintf("%x", replace)),
		zap.Int("replaced", n))
	return n, nil
}

// Overwrite replaces len(replace) bytes at addr. If find is not empty and
// does not match the current content, a warning is logged and the bytes are
// written anyway.
func (p *Patcher) Overwrite(addr uint32, find, replace []byte) error {
	if len(find) != 0 && len(find) != len(replace) {
		return errors.New("length mismatch in replacement")
	}
	cur, err := p.img.Read(addr, len(replace))
	if err != nil {
		return err
	}
	if len(find) != 0 && !bytes.Equal(cur, find) {
		p.log.Warn("content mismatch, overwriting anyway (already patched?)",
			zap.String("addr", fmt.Sprintf("0x%08X", addr)),
			zap.String("have", fmt.Sprintf("%x", cur)),
			zap.String("expected", fmt.Sprintf("%x", find)))
	}
	if err := p.write(addr, cur, replace); err != nil {
		return err
	}
	p.log.Info("patched",
		zap.String("addr", fmt.Sprintf("0x%08X", addr)),
		zap.String("old", fmt.Sprintf("%x", cur)),
		zap.String("new", fmt.Sprintf("%x", replace)))
	return nil
}

func (p *Patcher) write(addr uint32, find, replace []byte) error {
	if p.hook != nil {
		if err := p.hook(addr, find, replace); err != nil {
			return fmt.Errorf("hook returned error: %w", err)
		}
	}
	return p.img.Write(addr, replace)
}
