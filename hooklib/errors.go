package hooklib

import (
	"errors"
	"fmt"
	"strings"

	"github.com/echtzeit-solutions/fwhook/patchlib"
	"github.com/echtzeit-solutions/fwhook/thumb"
)

var (
	// ErrOutOfRange is matched when a hook target or displacement is
	// outside the firmware image.
	ErrOutOfRange = patchlib.ErrOutOfRange
	// ErrInstructionBoundary is matched by an *InstructionBoundaryError.
	ErrInstructionBoundary = errors.New("instruction boundary mismatch")
	// ErrUnsafeRelocation is matched by an *UnsafeRelocationError.
	ErrUnsafeRelocation = errors.New("unsafe relocation")
	// ErrZoneExhausted is matched by a *ZoneExhaustedError.
	ErrZoneExhausted = errors.New("patch zone exhausted")
	// ErrOverlap is matched by an *OverlapError.
	ErrOverlap = errors.New("overlapping hooks")
	// ErrAlreadyPatched is matched by an *AlreadyPatchedWarning.
	ErrAlreadyPatched = errors.New("already patched")
)

// InstructionBoundaryError is returned when the displacement of a hook does
// not end on an instruction boundary.
type InstructionBoundaryError struct {
	Target   uint32
	Displace int
	// Decoded is the number of bytes covered by the instructions which were
	// fully decoded.
	Decoded int
	Err     error
}

func (e *InstructionBoundaryError) Error() string {
	s := fmt.Sprintf("instruction boundary mismatch at 0x%08X: requested %d bytes but decoded %d", e.Target, e.Displace, e.Decoded)
	if e.Err != nil {
		s += " (" + e.Err.Error() + ")"
	}
	return s + "; adjust the displacement to an instruction boundary"
}

func (e *InstructionBoundaryError) Is(target error) bool {
	return target == ErrInstructionBoundary
}

func (e *InstructionBoundaryError) Unwrap() error {
	return e.Err
}

// UnsafeRelocationError is returned when displaced instructions depend on
// their own address. It holds one diagnostic per offending instruction.
type UnsafeRelocationError struct {
	Target      uint32
	Diagnostics []thumb.Diagnostic
}

func (e *UnsafeRelocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot safely displace instructions at 0x%08X:", e.Target)
	for _, d := range e.Diagnostics {
		b.WriteString("\n  ")
		b.WriteString(d.String())
	}
	b.WriteString("\npick a different hook point or increase the displacement to cover the PC-relative instruction and its literal pool")
	return b.String()
}

func (e *UnsafeRelocationError) Is(target error) bool {
	return target == ErrUnsafeRelocation
}

// OverlapError is returned when the displaced bytes of a hook overlap those
// of a hook which is already registered.
type OverlapError struct {
	Target   uint32
	Displace int
	Other    string
	// OtherTarget and OtherDisplace are the range of the registered hook.
	OtherTarget   uint32
	OtherDisplace int
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("displaced bytes 0x%08X-0x%08X overlap hook %q (0x%08X-0x%08X); the trampolines would overwrite each other",
		e.Target, uint64(e.Target)+uint64(e.Displace)-1, e.Other, e.OtherTarget, uint64(e.OtherTarget)+uint64(e.OtherDisplace)-1)
}

func (e *OverlapError) Is(target error) bool {
	return target == ErrOverlap
}

// ZoneExhaustedError is returned when an allocation does not fit in the patch
// zone.
type ZoneExhaustedError struct {
	// Need is the number of bytes the zone would need to hold everything
	// allocated so far plus the failed allocation.
	Need uint64
	Have uint32
}

func (e *ZoneExhaustedError) Error() string {
	return fmt.Sprintf("patch zone exhausted (need 0x%X bytes, have %d)", e.Need, e.Have)
}

func (e *ZoneExhaustedError) Is(target error) bool {
	return target == ErrZoneExhausted
}

// AlreadyPatchedWarning reports that the bytes at a hook target no longer
// match the snapshot taken when the hook was added. It is only returned as an
// error with PatchedFail.
type AlreadyPatchedWarning struct {
	Hook       string
	Target     uint32
	Have, Want []byte
}

func (e *AlreadyPatchedWarning) Error() string {
	return fmt.Sprintf("hook %q: bytes at 0x%08X changed (%x != %x), already patched?", e.Hook, e.Target, e.Have, e.Want)
}

func (e *AlreadyPatchedWarning) Is(target error) bool {
	return target == ErrAlreadyPatched
}

// PatchedPolicy decides what happens to a trampoline whose target bytes do
// not match the snapshot.
type PatchedPolicy int

const (
	// PatchedWarn logs a warning and writes the trampoline anyway.
	PatchedWarn PatchedPolicy = iota
	// PatchedSkip logs a warning and leaves the bytes alone.
	PatchedSkip
	// PatchedFail aborts the patch with an *AlreadyPatchedWarning.
	PatchedFail
)

func (p PatchedPolicy) String() string {
	switch p {
	case PatchedWarn:
		return "warn"
	case PatchedSkip:
		return "skip"
	case PatchedFail:
		return "fail"
	default:
		return fmt.Sprintf("PatchedPolicy(%d)", int(p))
	}
}

// ParsePatchedPolicy parses a policy name. An empty string is PatchedWarn.
func ParsePatchedPolicy(s string) (PatchedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return PatchedWarn, nil
	case "skip":
		return PatchedSkip, nil
	case "fail":
		return PatchedFail, nil
	default:
		return 0, fmt.Errorf("unknown already-patched policy %q (expected warn, skip, or fail)", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PatchedPolicy) UnmarshalText(b []byte) error {
	v, err := ParsePatchedPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
