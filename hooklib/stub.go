package hooklib

import (
	"fmt"
	"io"
	"strings"

	"github.com/echtzeit-solutions/fwhook/thumb"
)

const asmHeader = `/* Auto-generated by fwhook; do not edit manually. */

    .syntax unified
    .cpu    cortex-m4
    .thumb
`

// WriteStubs writes a complete assembly source containing a stub for each
// hook, in order, followed by extra (usually the handler source) verbatim.
func WriteStubs(w io.Writer, hooks []Resolved, extra string) error {
	var b strings.Builder
	b.WriteString(asmHeader)
	for _, h := range hooks {
		b.WriteString("\n")
		writeStub(&b, h)
	}
	if extra != "" {
		b.WriteString("\n/* User handler code */\n")
		b.WriteString(extra)
		if !strings.HasSuffix(extra, "\n") {
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeStub(b *strings.Builder, h Resolved) {
	sym := h.Symbol()
	p := func(format string, a ...interface{}) {
		fmt.Fprintf(b, format+"\n", a...)
	}

	p("/* Hook: %s (%s) */", h.Name, h.Mode)
	p("/* Target: 0x%08X, displaced: %d bytes */", h.Target, len(h.Displaced))
	if h.Mode != Replace {
		p("/* Jump-back: 0x%08X */", h.JumpBack())
	}
	p("")
	p(`    .section .text.hook_%s, "ax", %%progbits`, h.Name)
	p("    .global %s", sym)
	p("    .thumb_func")
	p("    .type %s, %%function", sym)
	p("")
	p("%s:", sym)

	switch h.Mode {
	case Replace:
		p("    b.w %s", h.Handler)
	case Before:
		p("    /* keep lr so the handler can use bl */")
		p("    push {lr}")
		p("    bl %s", h.Handler)
		p("    pop {lr}")
		p("")
		writeDisplaced(p, h)
	default:
		p("    push {r0-r3, r12, lr}")
		p("    bl %s", h.Handler)
		p("    cmp r0, #0")
		p("    pop {r0-r3, r12, lr}   /* flags survive pop */")
		p("    beq .L_%s_passthrough", h.Name)
		p("")
		p("    /* intercepted: return to the caller */")
		p("    bx  lr")
		p("")
		p(".L_%s_passthrough:", h.Name)
		writeDisplaced(p, h)
	}
	p("")
	p("    .size %s, . - %s", sym, sym)
}

func writeDisplaced(p func(string, ...interface{}), h Resolved) {
	p("    /* displaced: %x */", h.Displaced)
	for _, d := range thumb.Directives(h.Displaced) {
		p("    %s", d)
	}
	p("")
	p("    ldr r12, =0x%08X", h.JumpBack()|1)
	p("    bx  r12")
	p("    .ltorg")
}
