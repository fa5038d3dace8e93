// Package hooklib inserts function hooks into Thumb-2 firmware images. It
// validates hook points, allocates stubs in a patch zone, generates the stub
// assembly, and writes the trampolines once the stubs have been built.
package hooklib

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/echtzeit-solutions/fwhook/thumb"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// DefaultDisplace is the displacement used when a Request does not set one. It
// is the size of the B.W trampoline.
const DefaultDisplace = 4

// Mode selects what a hook stub does around the handler.
type Mode int

const (
	// Filter calls the handler first. If it returns 0 in r0, the displaced
	// instructions run and the original function continues. Otherwise the
	// stub returns straight to the caller.
	Filter Mode = iota
	// Before always calls the handler, then runs the displaced instructions
	// and continues the original function.
	Before
	// Replace branches to the handler, which becomes the function.
	Replace
)

func (m Mode) String() string {
	switch m {
	case Filter:
		return "filter"
	case Before:
		return "before"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode name. An empty string is Filter.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "filter":
		return Filter, nil
	case "before":
		return Before, nil
	case "replace":
		return Replace, nil
	default:
		return 0, fmt.Errorf("unknown hook mode %q (expected filter, before, or replace)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	handlerRe = regexp.MustCompile(`^[A-Za-z_.$][A-Za-z0-9_.$]*$`)
)

// Request is a hook as supplied by the caller.
type Request struct {
	// Name is used in the generated labels, so it must be a plain identifier.
	Name string
	// Target is the flash address of the hook point.
	Target uint32
	// Handler is the symbol called (or branched to) by the stub.
	Handler string
	// Displace is the number of bytes moved into the stub. It must cover
	// whole instructions. If zero, DefaultDisplace is used.
	Displace int
	Mode     Mode
}

// Check checks the fields of a Request which do not depend on the firmware.
func (r Request) Check() error {
	if !nameRe.MatchString(r.Name) {
		return fmt.Errorf("invalid hook name %q (must be an identifier)", r.Name)
	}
	if !handlerRe.MatchString(r.Handler) {
		return fmt.Errorf("hook %q: invalid handler symbol %q", r.Name, r.Handler)
	}
	if r.Target&1 != 0 {
		return fmt.Errorf("hook %q: target 0x%08X is not halfword-aligned (drop the Thumb bit)", r.Name, r.Target)
	}
	if d := r.displace(); d < 2 || d%2 != 0 {
		return fmt.Errorf("hook %q: displacement %d is not a positive multiple of 2", r.Name, d)
	}
	switch r.Mode {
	case Filter, Before, Replace:
	default:
		return fmt.Errorf("hook %q: invalid mode %s", r.Name, r.Mode)
	}
	return nil
}

func (r Request) displace() int {
	if r.Displace == 0 {
		return DefaultDisplace
	}
	return r.Displace
}

// Symbol is the label of the generated stub.
func (r Request) Symbol() string {
	return "_hook_" + r.Name + "_stub"
}

// Resolved is a Request which has been validated against the firmware and
// given a place in the patch zone.
type Resolved struct {
	Request
	// Displaced is a snapshot of the original bytes at Target.
	Displaced []byte
	// Insts is Displaced decoded.
	Insts []thumb.Inst
	// StubAddr is the estimated stub address, and StubSize is the space
	// reserved for it.
	StubAddr uint32
	StubSize uint32
}

// JumpBack is the address execution continues at after the displaced
// instructions.
func (r Resolved) JumpBack() uint32 {
	return r.Target + uint32(len(r.Displaced))
}

// Linked is a Resolved hook whose stub address has been checked against the
// built stub binary.
type Linked struct {
	Resolved
	// Stub is the address the trampoline branches to.
	Stub uint32
	// Corrected is true if Stub came from the symbol table and differs from
	// the estimate.
	Corrected bool
}
