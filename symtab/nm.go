package symtab

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultNM is the nm used by NM if Tool is empty.
const DefaultNM = "arm-none-eabi-nm"

// NM resolves symbols by running an external nm.
type NM struct {
	// Tool is the nm executable. If empty, DefaultNM is used.
	Tool string
}

// ResolveSymbols implements Resolver.
func (n NM) ResolveSymbols(ctx context.Context, artifact string) (*Table, error) {
	tool := n.Tool
	if tool == "" {
		tool = DefaultNM
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, artifact)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("resolve symbols: run %s: %w: %s", tool, err, msg)
		}
		return nil, fmt.Errorf("resolve symbols: run %s: %w", tool, err)
	}

	t, err := ParseNM(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	Log("read %d symbols from %s using %s\n", t.Len(), artifact, tool)
	return t, nil
}

// ParseNM parses the default (BSD) output format of nm. Lines without an
// address, such as undefined symbols, are skipped.
func ParseNM(r io.Reader) (*Table, error) {
	t := NewTable()
	sc := bufio.NewScanner(r)
	for ln := 1; sc.Scan(); ln++ {
		f := strings.Fields(sc.Text())
		if len(f) != 3 {
			continue
		}
		addr, err := strconv.ParseUint(f[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad address %q: %w", ln, f[0], err)
		}
		t.Add(f[2], uint32(addr))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read nm output: %w", err)
	}
	return t, nil
}
