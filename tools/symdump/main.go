// Command symdump dumps the symbol table of a linked stub ELF as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/echtzeit-solutions/fwhook/symtab"
	"github.com/spf13/pflag"
)

func main() {
	output := pflag.StringP("output", "o", "-", "the file to write the JSON to, or - for stdout")
	funcs := pflag.BoolP("funcs", "f", false, "only dump function symbols")
	help := pflag.BoolP("help", "h", false, "show this help text")
	pflag.Parse()

	if *help || pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "symdump dumps the symbols of a 32-bit ARM ELF (such as a linked hook.elf) as JSON")
		fmt.Fprintln(os.Stderr, "Usage: symdump [OPTIONS] ELF_FILE")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(pflag.Arg(0), *output, *funcs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(input, output string, funcs bool) error {
	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	syms, err := symtab.ReadELF(f)
	if err != nil {
		return fmt.Errorf("could not read symbols: %w", err)
	}
	if funcs {
		syms = filterFuncs(syms)
	}

	if output != "-" {
		of, err := os.Create(output)
		if err != nil {
			return err
		}
		if err := dump(of, syms); err != nil {
			of.Close()
			return err
		}
		return of.Close()
	}
	return dump(os.Stdout, syms)
}

func filterFuncs(syms []symtab.Symbol) []symtab.Symbol {
	var r []symtab.Symbol
	for _, s := range syms {
		if s.Type == "func" {
			r = append(r, s)
		}
	}
	return r
}

// dump writes a JSON array with one symbol per line.
func dump(w io.Writer, syms []symtab.Symbol) error {
	if _, err := fmt.Fprintf(w, "[\n"); err != nil {
		return err
	}
	for i, s := range syms {
		if i != 0 {
			if _, err := fmt.Fprintf(w, ",\n"); err != nil {
				return err
			}
		}
		buf, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n]\n")
	return err
}
