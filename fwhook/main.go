// Command fwhook inserts function hooks into Cortex-M firmware images.
//
// A project file (fwhook.yaml) lists the hooks and binary patches for one
// firmware image. The usual flow is:
//
//	fwhook validate           # check every hook point
//	fwhook generate           # write the stub assembly
//	arm-none-eabi-gcc ...     # assemble and link it (outside fwhook)
//	fwhook patch              # splice the stubs and write trampolines
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/echtzeit-solutions/fwhook/hooklib"
	"github.com/echtzeit-solutions/fwhook/patchfile"
	"github.com/echtzeit-solutions/fwhook/patchlib"
	"github.com/echtzeit-solutions/fwhook/symgen"
	"github.com/echtzeit-solutions/fwhook/symtab"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "unknown"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	config   string
	verbose  bool
	logLevel string
	disable  []string

	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "fwhook",
		Short: "Hook functions in Cortex-M firmware images",
		Long: `fwhook inserts function hooks into ARM Cortex-M4 (Thumb-2) firmware.

Each hook overwrites the first instructions of a firmware function with a
branch to a generated stub, which calls a handler and (depending on the mode)
runs the displaced instructions and jumps back into the original function.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = o.log.Sync()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.PersistentFlags()
	f.StringVarP(&o.config, "config", "c", patchfile.DefaultFilename, "the project file")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "show verbose output from the hook engine")
	f.StringVar(&o.logLevel, "log-level", "", fmt.Sprintf("log level (debug, info, warn, error) (default from %s, or warn)", LogLevelEnvVar))
	f.StringSliceVar(&o.disable, "disable", nil, "disable a hook from the project file (can be repeated)")

	cmd.AddCommand(
		newValidateCmd(o),
		newGenerateCmd(o),
		newPatchCmd(o),
		newSymgenCmd(o),
		newEncodeCmd(o),
		newSchemaCmd(o),
	)
	return cmd
}

func (o *options) setup(stderr io.Writer) error {
	log, err := newLogger(o.logLevel, stderr)
	if err != nil {
		return err
	}
	o.log = log

	logf := func(format string, a ...interface{}) {}
	if o.verbose {
		logf = func(format string, a ...interface{}) {
			fmt.Fprintf(stderr, format, a...)
		}
	}
	hooklib.Log = logf
	patchlib.Log = logf
	patchfile.Log = logf
	symtab.Log = logf
	symgen.Log = logf
	return nil
}
