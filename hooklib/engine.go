package hooklib

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/echtzeit-solutions/fwhook/patchlib"
	"github.com/echtzeit-solutions/fwhook/thumb"
	"go.uber.org/zap"
)

// Engine validates hooks against a firmware image, allocates their stubs, and
// patches the image.
//
// An Engine owns its hook list and zone allocator. It is not safe for
// concurrent use.
type Engine struct {
	img   *patchlib.Image
	zone  *Zone
	hooks []Resolved
	names map[string]bool
	log   *zap.Logger
}

// NewEngine creates an Engine for img which allocates stubs from zone. The
// image is never modified. If log is nil, nothing is logged.
func NewEngine(img *patchlib.Image, zone *Zone, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		img:   img,
		zone:  zone,
		names: map[string]bool{},
		log:   log,
	}
}

// Zone returns the patch zone allocator.
func (e *Engine) Zone() *Zone {
	return e.zone
}

// Hooks returns the registered hooks in registration order.
func (e *Engine) Hooks() []Resolved {
	return append([]Resolved(nil), e.hooks...)
}

// AddHook validates r against the firmware and allocates its stub. Nothing is
// registered if it returns an error.
func (e *Engine) AddHook(r Request) (Resolved, error) {
	Log("AddHook(%#v)\n", r)
	if err := r.Check(); err != nil {
		return Resolved{}, err
	}
	if e.names[r.Name] {
		return Resolved{}, fmt.Errorf("hook %q: duplicate name", r.Name)
	}
	r.Displace = r.displace()
	for _, h := range e.hooks {
		if overlaps(r.Target, r.Displace, h.Target, h.Displace) {
			return Resolved{}, fmt.Errorf("hook %q: %w", r.Name, &OverlapError{
				Target:        r.Target,
				Displace:      r.Displace,
				Other:         h.Name,
				OtherTarget:   h.Target,
				OtherDisplace: h.Displace,
			})
		}
	}

	buf, err := e.img.Read(r.Target, r.Displace)
	if err != nil {
		return Resolved{}, fmt.Errorf("hook %q: target: %w", r.Name, err)
	}

	insts, err := thumb.Decode(buf, r.Target)
	if err != nil || thumb.Size(insts) != r.Displace {
		return Resolved{}, fmt.Errorf("hook %q: %w", r.Name, &InstructionBoundaryError{
			Target:   r.Target,
			Displace: r.Displace,
			Decoded:  thumb.Size(insts),
			Err:      err,
		})
	}
	if r.Displace < DefaultDisplace {
		return Resolved{}, fmt.Errorf("hook %q: %w", r.Name, &InstructionBoundaryError{
			Target:   r.Target,
			Displace: r.Displace,
			Decoded:  thumb.Size(insts),
			Err:      fmt.Errorf("the trampoline needs at least %d bytes", DefaultDisplace),
		})
	}
	for _, i := range insts {
		Log("  %08X: %s\n", i.Addr(), i)
	}

	if ds := thumb.CheckRelocatable(insts); len(ds) != 0 {
		return Resolved{}, fmt.Errorf("hook %q: %w", r.Name, &UnsafeRelocationError{r.Target, ds})
	}

	size := EstimateSize(r.Mode, r.Displace)
	addr, err := e.zone.Alloc(size)
	if err != nil {
		return Resolved{}, fmt.Errorf("hook %q: %w", r.Name, err)
	}

	h := Resolved{
		Request:   r,
		Displaced: buf,
		Insts:     insts,
		StubAddr:  addr,
		StubSize:  size,
	}
	e.hooks = append(e.hooks, h)
	e.names[r.Name] = true

	encs := make([]string, len(insts))
	for i, in := range insts {
		encs[i] = "[" + in.String() + "]"
	}
	e.log.Info("hook registered",
		zap.String("hook", r.Name),
		zap.String("target", fmt.Sprintf("0x%08X", r.Target)),
		zap.String("stub", fmt.Sprintf("0x%08X", addr)),
		zap.Stringer("mode", r.Mode),
		zap.Int("displace", r.Displace),
		zap.String("insts", strings.Join(encs, ", ")))
	return h, nil
}

// overlaps checks whether [a, a+an) and [b, b+bn) intersect.
func overlaps(a uint32, an int, b uint32, bn int) bool {
	return uint64(a) < uint64(b)+uint64(bn) && uint64(b) < uint64(a)+uint64(an)
}

// Generate returns the assembly source for all registered hooks, followed by
// extra.
func (e *Engine) Generate(extra string) string {
	var b strings.Builder
	_ = WriteStubs(&b, e.hooks, extra) // strings.Builder never fails
	e.log.Info("generated stub source", zap.Int("hooks", len(e.hooks)), zap.Int("bytes", b.Len()))
	return b.String()
}

// Link resolves the final stub address of each hook. If syms has the stub
// label of a hook, that address is used instead of the estimate. syms may be
// nil.
func (e *Engine) Link(syms patchlib.Symbols) []Linked {
	linked := make([]Linked, len(e.hooks))
	for i, h := range e.hooks {
		l := Linked{Resolved: h, Stub: h.StubAddr}
		if syms != nil {
			if addr, ok := syms.Lookup(h.Symbol()); ok {
				addr &^= 1
				if addr != h.StubAddr {
					e.log.Info("stub address corrected",
						zap.String("hook", h.Name),
						zap.String("estimated", fmt.Sprintf("0x%08X", h.StubAddr)),
						zap.String("linked", fmt.Sprintf("0x%08X", addr)))
					l.Stub, l.Corrected = addr, true
				}
			} else {
				e.log.Warn("stub symbol not found, using estimate",
					zap.String("hook", h.Name),
					zap.String("symbol", h.Symbol()))
			}
		}
		if !e.zone.Contains(l.Stub) {
			e.log.Warn("stub outside patch zone",
				zap.String("hook", h.Name),
				zap.String("stub", fmt.Sprintf("0x%08X", l.Stub)))
		}
		linked[i] = l
	}
	return linked
}

// Patch returns a copy of the image with stubBin spliced at the start of the
// patch zone (if not nil) and a trampoline written at every hook target. The
// engine's image is left untouched, so on error there is no partial output.
func (e *Engine) Patch(linked []Linked, stubBin []byte, policy PatchedPolicy) (*patchlib.Image, error) {
	out := e.img.Clone()

	if err := out.PadTo(e.zone.Start()); err != nil {
		return nil, fmt.Errorf("pad to patch zone: %w", err)
	}
	if stubBin != nil {
		if uint64(len(stubBin)) > uint64(e.zone.Size()) {
			return nil, fmt.Errorf("stub binary: %w", &ZoneExhaustedError{Need: uint64(len(stubBin)), Have: e.zone.Size()})
		}
		if err := out.Splice(e.zone.Start(), stubBin); err != nil {
			return nil, fmt.Errorf("splice stub binary: %w", err)
		}
		e.log.Info("spliced stub binary",
			zap.Int("bytes", len(stubBin)),
			zap.String("addr", fmt.Sprintf("0x%08X", e.zone.Start())))
	}

	for _, h := range linked {
		bw, err := thumb.AsmBW(h.Target, h.Stub)
		if err != nil {
			return nil, fmt.Errorf("hook %q: trampoline: %w", h.Name, err)
		}
		cur, err := out.Read(h.Target, len(bw))
		if err != nil {
			return nil, fmt.Errorf("hook %q: trampoline: %w", h.Name, err)
		}
		if want := h.Displaced[:len(bw)]; !bytes.Equal(cur, want) {
			w := &AlreadyPatchedWarning{h.Name, h.Target, cur, want}
			switch policy {
			case PatchedFail:
				return nil, w
			case PatchedSkip:
				e.log.Warn("target changed, skipping trampoline (already patched?)", zap.String("hook", h.Name), zap.Error(w))
				continue
			default:
				e.log.Warn("target changed, overwriting anyway (already patched?)", zap.String("hook", h.Name), zap.Error(w))
			}
		}
		if err := out.Write(h.Target, bw); err != nil {
			return nil, fmt.Errorf("hook %q: trampoline: %w", h.Name, err)
		}
		e.log.Info("trampoline written",
			zap.String("hook", h.Name),
			zap.String("target", fmt.Sprintf("0x%08X", h.Target)),
			zap.String("stub", fmt.Sprintf("0x%08X", h.Stub)),
			zap.String("bytes", fmt.Sprintf("%x", bw)))
	}
	return out, nil
}

// Summary describes the patch zone usage and the registered hooks.
func (e *Engine) Summary() string {
	var b strings.Builder
	used, size := e.zone.Used(), e.zone.Size()
	fmt.Fprintf(&b, "Patch zone usage: %d / %d bytes (%d%%)\n", used, size, uint64(used)*100/uint64(size))
	fmt.Fprintf(&b, "Hooks (%d):\n", len(e.hooks))
	for _, h := range e.hooks {
		fmt.Fprintf(&b, "  %-24s  0x%08X -> stub@0x%08X  mode=%s  displace=%dB  handler=%s\n",
			h.Name, h.Target, h.StubAddr, h.Mode, h.Displace, h.Handler)
	}
	return b.String()
}
