// Package patchfile reads hook projects from YAML files.
package patchfile

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/echtzeit-solutions/fwhook/hooklib"
	"github.com/echtzeit-solutions/fwhook/patchlib"
	"github.com/echtzeit-solutions/fwhook/symtab"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// DefaultFilename is the project file read if none is specified.
const DefaultFilename = "fwhook.yaml"

// Target is a known firmware memory map.
type Target struct {
	ImageBase          uint32
	ZoneStart, ZoneEnd uint32
}

// Targets are the built-in targets, by name.
var Targets = map[string]Target{
	"keyboard": {ImageBase: 0x08005000, ZoneStart: 0x08025800, ZoneEnd: 0x08027FFF},
	"dongle":   {ImageBase: 0x08000000, ZoneStart: 0x0800B000, ZoneEnd: 0x0800D7FF},
}

// Project is a hook project.
type Project struct {
	// Target selects a built-in memory map. ImageBase and PatchZone override
	// it.
	Target    string `yaml:"target,omitempty" jsonschema:"enum=keyboard,enum=dongle"`
	ImageBase *Addr  `yaml:"imageBase,omitempty"`
	PatchZone *Zone  `yaml:"patchZone,omitempty"`

	Firmware      string `yaml:"firmware"`
	Output        string `yaml:"output"`
	StubSource    string `yaml:"stubSource,omitempty"`
	HandlerSource string `yaml:"handlerSource,omitempty"`
	StubBinary    string `yaml:"stubBinary,omitempty"`
	StubELF       string `yaml:"stubELF,omitempty"`

	// Symbols is elf (default) to read the stub ELF directly, or nm to run
	// NM on it.
	Symbols string `yaml:"symbols,omitempty" jsonschema:"enum=elf,enum=nm"`
	NM      string `yaml:"nm,omitempty"`

	AlreadyPatched hooklib.PatchedPolicy `yaml:"alreadyPatched,omitempty"`

	Hooks   []Hook  `yaml:"hooks"`
	Patches []Patch `yaml:"patches,omitempty"`

	dir string
}

// Zone is an inclusive flash address range.
type Zone struct {
	Start Addr `yaml:"start"`
	End   Addr `yaml:"end"`
}

// Hook is a hook definition.
type Hook struct {
	Name     string       `yaml:"name"`
	Target   Addr         `yaml:"target"`
	Handler  string       `yaml:"handler"`
	Displace int          `yaml:"displace,omitempty"`
	Mode     hooklib.Mode `yaml:"mode,omitempty"`
	Enabled  *bool        `yaml:"enabled,omitempty"`
	Desc     string       `yaml:"desc,omitempty"`
}

// Patch is a binary patch definition. If Symbol is set, Kind defaults to
// word, otherwise to bytes.
type Patch struct {
	Desc    string `yaml:"desc,omitempty"`
	Addr    Addr   `yaml:"addr"`
	Kind    string `yaml:"kind,omitempty" jsonschema:"enum=bytes,enum=word,enum=b.w,enum=bl"`
	Find    Hex    `yaml:"find,omitempty"`
	Replace Hex    `yaml:"replace,omitempty"`
	Symbol  string `yaml:"symbol,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// Addr is a flash address. In YAML, it can be an integer or a string like
// "0x0800_5000".
type Addr uint32

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected address, got %s", n.Line, kindName(n.Kind))
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(n.Value), "_", ""), 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", n.Line, n.Value)
	}
	*a = Addr(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a Addr) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%08X", uint32(a)), nil
}

// Hex is a byte string written as hex digits, with optional spaces.
type Hex []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected hex string, got %s", n.Line, kindName(n.Kind))
	}
	buf, err := hex.DecodeString(strings.ReplaceAll(n.Value, " ", ""))
	if err != nil {
		return fmt.Errorf("line %d: error parsing hex %q: %w", n.Line, n.Value, err)
	}
	*h = buf
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	s := make([]string, len(h))
	for i, b := range h {
		s[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(s, " "), nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "nothing"
	}
}

// Parse parses a project. Relative paths in it are resolved against dir. It
// does not validate the project.
func Parse(buf []byte, dir string) (*Project, error) {
	Log("parsing project\n")
	p := &Project{}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("could not parse project: %w", err)
	}
	p.dir = dir
	return p, nil
}

// ReadFromFile reads a project from a file (but does not validate it).
func ReadFromFile(filename string) (*Project, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open project file: %w", err)
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open project file: %w", err)
	}
	return Parse(buf, filepath.Dir(abs))
}

// Path resolves a path from the project file.
func (p *Project) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || p.dir == "" {
		return name
	}
	return filepath.Join(p.dir, name)
}

// StubSourcePath is where the generated stub source is written.
func (p *Project) StubSourcePath() string {
	return p.Path(withDefault(p.StubSource, "hooks_gen.S"))
}

// StubBinaryPath is the flat binary of the linked stubs.
func (p *Project) StubBinaryPath() string {
	return p.Path(withDefault(p.StubBinary, "hook.bin"))
}

// StubELFPath is the linked stubs, used for symbol resolution.
func (p *Project) StubELFPath() string {
	return p.Path(withDefault(p.StubELF, "hook.elf"))
}

func withDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Layout returns the image base and the patch zone.
func (p *Project) Layout() (base, zoneStart, zoneEnd uint32, err error) {
	if p.Target != "" {
		t, ok := Targets[p.Target]
		if !ok {
			return 0, 0, 0, fmt.Errorf("unknown target %q", p.Target)
		}
		base, zoneStart, zoneEnd = t.ImageBase, t.ZoneStart, t.ZoneEnd
	} else if p.ImageBase == nil || p.PatchZone == nil {
		return 0, 0, 0, errors.New("imageBase and patchZone are required without a target")
	}
	if p.ImageBase != nil {
		base = uint32(*p.ImageBase)
	}
	if p.PatchZone != nil {
		zoneStart, zoneEnd = uint32(p.PatchZone.Start), uint32(p.PatchZone.End)
	}
	return base, zoneStart, zoneEnd, nil
}

// Resolver returns the symbol resolver for the stub ELF.
func (p *Project) Resolver() (symtab.Resolver, error) {
	switch p.Symbols {
	case "", "elf":
		return symtab.ELF{}, nil
	case "nm":
		return symtab.NM{Tool: p.NM}, nil
	default:
		return nil, fmt.Errorf("unknown symbol resolver %q (expected elf or nm)", p.Symbols)
	}
}

// Validate checks the project and returns every problem found.
func (p *Project) Validate() error {
	var err error
	if p.Firmware == "" {
		err = multierr.Append(err, errors.New("firmware is required"))
	}
	if p.Output == "" {
		err = multierr.Append(err, errors.New("output is required"))
	}
	if base, start, end, lerr := p.Layout(); lerr != nil {
		err = multierr.Append(err, lerr)
	} else {
		if end < start {
			err = multierr.Append(err, fmt.Errorf("patch zone end 0x%08X is before start 0x%08X", end, start))
		}
		if start < base {
			err = multierr.Append(err, fmt.Errorf("patch zone 0x%08X is before the image base 0x%08X", start, base))
		}
	}
	if _, rerr := p.Resolver(); rerr != nil {
		err = multierr.Append(err, rerr)
	}

	names := map[string]int{}
	for i, h := range p.Hooks {
		if cerr := h.Request().Check(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("hooks[%d]: %w", i, cerr))
		}
		if j, ok := names[h.Name]; ok {
			err = multierr.Append(err, fmt.Errorf("hooks[%d]: duplicate hook name %q (see hooks[%d])", i, h.Name, j))
		} else {
			names[h.Name] = i
		}
	}
	for i, bp := range p.Patches {
		if _, perr := bp.BinaryPatch(); perr != nil {
			err = multierr.Append(err, fmt.Errorf("patches[%d]: %w", i, perr))
		}
	}
	return err
}

// Request converts h to a hook request.
func (h Hook) Request() hooklib.Request {
	return hooklib.Request{
		Name:     h.Name,
		Target:   uint32(h.Target),
		Handler:  h.Handler,
		Displace: h.Displace,
		Mode:     h.Mode,
	}
}

// IsEnabled returns false if the hook was disabled.
func (h Hook) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// BinaryPatch converts bp to a patchlib.BinaryPatch, checking it.
func (bp Patch) BinaryPatch() (patchlib.BinaryPatch, error) {
	kind := patchlib.PatchBytes
	if bp.Symbol != "" {
		kind = patchlib.PatchSymbolWord
	}
	if bp.Kind != "" {
		k, err := patchlib.ParsePatchKind(bp.Kind)
		if err != nil {
			return patchlib.BinaryPatch{}, err
		}
		kind = k
	}

	switch kind {
	case patchlib.PatchBytes:
		if bp.Symbol != "" {
			return patchlib.BinaryPatch{}, errors.New("bytes patch cannot have a symbol")
		}
		if len(bp.Find) == 0 || len(bp.Find) != len(bp.Replace) {
			return patchlib.BinaryPatch{}, fmt.Errorf("find and replace must have the same non-zero length (got %d and %d)", len(bp.Find), len(bp.Replace))
		}
	default:
		if bp.Symbol == "" {
			return patchlib.BinaryPatch{}, fmt.Errorf("%s patch needs a symbol", kind)
		}
		if len(bp.Replace) != 0 {
			return patchlib.BinaryPatch{}, fmt.Errorf("%s patch cannot have replace bytes", kind)
		}
		if len(bp.Find) != 0 && len(bp.Find) != 4 {
			return patchlib.BinaryPatch{}, fmt.Errorf("%s patch find must be 4 bytes (got %d)", kind, len(bp.Find))
		}
		if kind != patchlib.PatchSymbolWord && bp.Addr&1 != 0 {
			return patchlib.BinaryPatch{}, fmt.Errorf("%s patch address 0x%08X is not halfword-aligned", kind, uint32(bp.Addr))
		}
	}

	return patchlib.BinaryPatch{
		Addr:    uint32(bp.Addr),
		Kind:    kind,
		Find:    bp.Find,
		Replace: bp.Replace,
		Symbol:  bp.Symbol,
		Desc:    bp.Desc,
	}, nil
}

// IsEnabled returns false if the patch was disabled.
func (bp Patch) IsEnabled() bool {
	return bp.Enabled == nil || *bp.Enabled
}

// Requests returns the enabled hooks as requests, in order.
func (p *Project) Requests() []hooklib.Request {
	var rs []hooklib.Request
	for _, h := range p.Hooks {
		if !h.IsEnabled() {
			Log("  skipping disabled hook %s\n", h.Name)
			continue
		}
		rs = append(rs, h.Request())
	}
	return rs
}

// BinaryPatches returns the enabled binary patches, in order.
func (p *Project) BinaryPatches() ([]patchlib.BinaryPatch, error) {
	var bps []patchlib.BinaryPatch
	for i, bp := range p.Patches {
		if !bp.IsEnabled() {
			Log("  skipping disabled patch %d (%s)\n", i, bp.Desc)
			continue
		}
		v, err := bp.BinaryPatch()
		if err != nil {
			return nil, fmt.Errorf("patches[%d]: %w", i, err)
		}
		bps = append(bps, v)
	}
	return bps, nil
}

// SetEnabled sets the enabled state of a hook.
func (p *Project) SetEnabled(hook string, enabled bool) error {
	for i := range p.Hooks {
		if p.Hooks[i].Name == hook {
			p.Hooks[i].Enabled = &enabled
			return nil
		}
	}
	return fmt.Errorf("could not set enabled state of '%s' to %t: no such hook", hook, enabled)
}
