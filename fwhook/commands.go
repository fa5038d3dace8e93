package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/echtzeit-solutions/fwhook/hooklib"
	"github.com/echtzeit-solutions/fwhook/patchfile"
	"github.com/echtzeit-solutions/fwhook/patchlib"
	"github.com/echtzeit-solutions/fwhook/symgen"
	"github.com/echtzeit-solutions/fwhook/thumb"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// project reads and validates the project file, applying --disable.
func (o *options) project() (*patchfile.Project, error) {
	p, err := patchfile.ReadFromFile(o.config)
	if err != nil {
		return nil, err
	}
	for _, name := range o.disable {
		if err := p.SetEnabled(name, false); err != nil {
			return nil, err
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project file %s: %w", o.config, err)
	}
	return p, nil
}

// engine loads the firmware and registers every enabled hook. All hook errors
// are reported, not just the first.
func (o *options) engine(p *patchfile.Project) (*hooklib.Engine, error) {
	base, start, end, err := p.Layout()
	if err != nil {
		return nil, err
	}
	img, err := patchlib.ReadImage(p.Path(p.Firmware), base)
	if err != nil {
		return nil, err
	}
	zone, err := hooklib.NewZone(start, end)
	if err != nil {
		return nil, err
	}
	o.log.Info("loaded firmware",
		zap.String("file", p.Path(p.Firmware)),
		zap.Int("size", img.Len()),
		zap.String("base", fmt.Sprintf("0x%08X", base)))

	e := hooklib.NewEngine(img, zone, o.log)
	var errs error
	for _, r := range p.Requests() {
		if _, err := e.AddHook(r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return e, nil
}

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every hook point against the firmware",
		Long: `Decode the instructions at each hook target, check that the displacement
ends on an instruction boundary and contains nothing PC-relative, and check
that every stub fits in the patch zone. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := o.project()
			if err != nil {
				return err
			}
			e, err := o.engine(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "All %d hook(s) valid.\n%s", len(e.Hooks()), e.Summary())
			return nil
		},
	}
}

func newGenerateCmd(o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the stub assembly source",
		Long: `Validate every hook and write the assembly for their stubs, followed by
the handler source from the project file (if any). The result must be
assembled and linked into the patch zone before running patch.`,
		Example: `  fwhook generate
  fwhook generate -o - | less`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := o.project()
			if err != nil {
				return err
			}
			e, err := o.engine(p)
			if err != nil {
				return err
			}

			var extra string
			if p.HandlerSource != "" {
				buf, err := os.ReadFile(p.Path(p.HandlerSource))
				if err != nil {
					return fmt.Errorf("could not read handler source: %w", err)
				}
				extra = string(buf)
			}
			src := e.Generate(extra)

			if output == "-" {
				_, err := io.WriteString(cmd.OutOrStdout(), src)
				return err
			}
			if output == "" {
				output = p.StubSourcePath()
			}
			if err := os.WriteFile(output, []byte(src), 0644); err != nil {
				return fmt.Errorf("could not write stub source: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n%s", output, e.Summary())
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "where to write the source, or - for stdout (default from the project file)")
	return cmd
}

func newPatchCmd(o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Write the patched firmware",
		Long: `Splice the linked stub binary into the patch zone, write a trampoline at
every hook target, and apply the binary patches from the project file.

Stub addresses are taken from the linked stub ELF if it can be read,
otherwise the estimates from generate are used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := o.project()
			if err != nil {
				return err
			}
			e, err := o.engine(p)
			if err != nil {
				return err
			}

			stub, err := os.ReadFile(p.StubBinaryPath())
			if err != nil {
				return fmt.Errorf("could not read stub binary (assemble and link the generated source first): %w", err)
			}

			var syms patchlib.Symbols
			r, err := p.Resolver()
			if err != nil {
				return err
			}
			if tbl, err := r.ResolveSymbols(cmd.Context(), p.StubELFPath()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v (using estimated stub addresses)\n", err)
			} else {
				syms = tbl
			}

			out, err := e.Patch(e.Link(syms), stub, p.AlreadyPatched)
			if err != nil {
				return err
			}

			bps, err := p.BinaryPatches()
			if err != nil {
				return err
			}
			pt := patchlib.NewPatcher(out, o.log)
			for _, bp := range bps {
				if err := pt.Apply(bp, syms); err != nil {
					return err
				}
			}

			if output == "" {
				output = p.Path(p.Output)
			}
			if err := os.WriteFile(output, out.Bytes(), 0644); err != nil {
				return fmt.Errorf("could not write output file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sSuccessfully patched '%s' to '%s' (%d bytes)\n",
				e.Summary(), p.Path(p.Firmware), output, out.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "the file to write the patched firmware to (default from the project file)")
	return cmd
}

func newSymgenCmd(o *options) *cobra.Command {
	var (
		outDir   string
		noLinker bool
	)
	cmd := &cobra.Command{
		Use:   "symgen SYMBOLS_JSON",
		Short: "Generate linker scripts from a Ghidra symbol export",
		Long: `Write fw_symbols.ld (firmware function and data addresses, for linking
handlers against the firmware) and patch.ld (the patch zone memory layout)
from a Ghidra symbol export. The project file is not used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := symgen.ReadFromFile(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, exp.Report())

			if err := writeFile(filepath.Join(outDir, "fw_symbols.ld"), exp.WriteSymbolsLD); err != nil {
				return err
			}
			fmt.Fprintf(w, "Wrote %s\n", filepath.Join(outDir, "fw_symbols.ld"))

			if !noLinker {
				if _, err := exp.PatchZone(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: skipping patch.ld: %v\n", err)
					return nil
				}
				if err := writeFile(filepath.Join(outDir, "patch.ld"), exp.WriteLinkerScript); err != nil {
					return err
				}
				fmt.Fprintf(w, "Wrote %s\n", filepath.Join(outDir, "patch.ld"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "output-dir", "o", ".", "the output directory")
	cmd.Flags().BoolVar(&noLinker, "no-linker", false, "skip patch.ld")
	return cmd
}

func writeFile(fn string, write func(io.Writer) error) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", fn, err)
	}
	return f.Close()
}

func newEncodeCmd(o *options) *cobra.Command {
	var bl bool
	cmd := &cobra.Command{
		Use:   "encode FROM TO",
		Short: "Print the B.W (or BL) encoding of a branch",
		Example: `  fwhook encode 0x08013304 0x08025800
  fwhook encode --bl 0x08014A00 0x08025900`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addrs [2]uint32
			for i, s := range args {
				v, err := strconv.ParseUint(s, 0, 32)
				if err != nil {
					return fmt.Errorf("invalid address %q", s)
				}
				addrs[i] = uint32(v)
			}

			name, asm, dec := "b.w", thumb.AsmBW, thumb.DecodeBW
			if bl {
				name, asm, dec = "bl", thumb.AsmBL, thumb.DecodeBL
			}
			buf, err := asm(addrs[0], addrs[1])
			if err != nil {
				return err
			}
			off, err := dec(buf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s 0x%08X -> 0x%08X: % X (offset %+d)\n", name, addrs[0], addrs[1], buf, off)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bl, "bl", false, "encode a BL instead of a B.W")
	return cmd
}

func newSchemaCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:    "schema",
		Short:  "Print the JSON schema of the project file",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := json.MarshalIndent(patchfile.Schema(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
			return nil
		},
	}
}
