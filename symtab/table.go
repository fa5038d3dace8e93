// Package symtab resolves symbol addresses from a linked stub binary.
package symtab

import (
	"context"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Resolver reads the symbol table of a build artifact.
type Resolver interface {
	ResolveSymbols(ctx context.Context, artifact string) (*Table, error)
}

// Table maps symbol names to addresses. C++ symbols can also be looked up by
// their demangled name, with or without the parameter list.
type Table struct {
	syms      map[string]uint32
	demangled map[string]uint32
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		syms:      map[string]uint32{},
		demangled: map[string]uint32{},
	}
}

// Add adds a symbol. If a name is added twice, the last address wins.
func (t *Table) Add(name string, addr uint32) {
	t.syms[name] = addr
	for _, opts := range [][]demangle.Option{nil, {demangle.NoParams}} {
		if d, err := demangle.ToString(name, opts...); err == nil && d != name {
			if _, ok := t.demangled[d]; !ok {
				t.demangled[d] = addr
			}
		}
	}
}

// Lookup returns the address of name.
func (t *Table) Lookup(name string) (uint32, bool) {
	if t == nil {
		return 0, false
	}
	if v, ok := t.syms[name]; ok {
		return v, true
	}
	v, ok := t.demangled[name]
	return v, ok
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.syms)
}

// Names returns the symbol names in sorted order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	ns := make([]string, 0, len(t.syms))
	for n := range t.syms {
		ns = append(ns, n)
	}
	sort.Strings(ns)
	return ns
}
