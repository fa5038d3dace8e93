package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/echtzeit-solutions/fwhook/thumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProject = `
imageBase: 0x08000000
patchZone: {start: 0x08000100, end: 0x080001FF}
firmware: fw.bin
output: out/fw_patched.bin
hooks:
  - name: a
    target: 0x08000000
    handler: handle_a
  - name: b
    target: 0x08000010
    handler: handle_b
    mode: before
`

func firmware() []byte {
	buf := make([]byte, 0x40)
	for i := 0; i < len(buf); i += 2 {
		buf[i], buf[i+1] = 0x00, 0xBF // nop
	}
	copy(buf[0x00:], []byte{0x2D, 0xE9, 0xF0, 0x47}) // push.w {r4-r10, lr}
	copy(buf[0x10:], []byte{0x10, 0xB5, 0x01, 0x21}) // push {r4, lr}; movs r1, #1
	return buf
}

// setup writes a project and its firmware to a temporary directory.
func setup(t *testing.T, project string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fwhook.yaml"), []byte(project), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.bin"), firmware(), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0755))
	return dir
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(LogLevelEnvVar, "")
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidate(t *testing.T) {
	dir := setup(t, testProject)
	cfg := filepath.Join(dir, "fwhook.yaml")

	out, _, err := run(t, "validate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "All 2 hook(s) valid.\n")
	assert.Contains(t, out, "Patch zone usage: 76 / 256 bytes (29%)\n")
	assert.Contains(t, out, "0x08000010 -> stub@0x08000134  mode=before")

	out, _, err = run(t, "validate", "--config", cfg, "--disable", "b")
	require.NoError(t, err)
	assert.Contains(t, out, "All 1 hook(s) valid.\n")

	_, _, err = run(t, "validate", "--config", cfg, "--disable", "c")
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	dir := setup(t, testProject+`
  - name: c
    target: 0x08000000
    handler: handle_c
    displace: 2
  - name: d
    target: 0x08000100
    handler: handle_d
`)
	_, _, err := run(t, "validate", "-c", filepath.Join(dir, "fwhook.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `hook "c": instruction boundary mismatch at 0x08000000`)
	assert.Contains(t, err.Error(), `hook "d": target:`, "every failing hook is reported")

	_, _, err = run(t, "validate", "-c", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	dir = setup(t, "imageBase: 0x08000000\nhooks: []\n")
	_, _, err = run(t, "validate", "-c", filepath.Join(dir, "fwhook.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firmware is required")
}

func TestGenerate(t *testing.T) {
	dir := setup(t, testProject+"handlerSource: handlers.S\n")
	cfg := filepath.Join(dir, "fwhook.yaml")

	_, _, err := run(t, "generate", "-c", cfg)
	assert.Error(t, err, "missing handler source")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "handlers.S"), []byte("handle_a:\n    movs r0, #0\n    bx lr"), 0644))

	out, _, err := run(t, "generate", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+filepath.Join(dir, "hooks_gen.S"))
	src, err := os.ReadFile(filepath.Join(dir, "hooks_gen.S"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "_hook_a_stub:")
	assert.Contains(t, string(src), "_hook_b_stub:")
	assert.True(t, strings.HasSuffix(string(src), "handle_a:\n    movs r0, #0\n    bx lr\n"))

	out, _, err = run(t, "generate", "-c", cfg, "-o", "-")
	require.NoError(t, err)
	assert.Equal(t, string(src), out)
}

func TestPatch(t *testing.T) {
	dir := setup(t, testProject)
	cfg := filepath.Join(dir, "fwhook.yaml")

	_, _, err := run(t, "patch", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read stub binary")

	stub := bytes.Repeat([]byte{0xAA}, 16)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.bin"), stub, 0644))

	out, stderr, err := run(t, "patch", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Warning:", "missing stub ELF")
	assert.Contains(t, out, "Successfully patched")

	buf, err := os.ReadFile(filepath.Join(dir, "out", "fw_patched.bin"))
	require.NoError(t, err)
	require.Len(t, buf, 0x110)

	bwA, err := thumb.AsmBW(0x08000000, 0x08000100)
	require.NoError(t, err)
	bwB, err := thumb.AsmBW(0x08000010, 0x08000134)
	require.NoError(t, err)
	assert.Equal(t, bwA, buf[0x00:0x04])
	assert.Equal(t, bwB, buf[0x10:0x14])
	assert.Equal(t, firmware()[0x14:0x40], buf[0x14:0x40], "the rest of the firmware is unchanged")
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 0xC0), buf[0x40:0x100], "padded with erased flash")
	assert.Equal(t, stub, buf[0x100:])

	fw, err := os.ReadFile(filepath.Join(dir, "fw.bin"))
	require.NoError(t, err)
	assert.Equal(t, firmware(), fw, "the input is never modified")
}

func TestPatchTwice(t *testing.T) {
	dir := setup(t, testProject)
	cfg := filepath.Join(dir, "fwhook.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.bin"), []byte{0, 0, 0, 0}, 0644))

	_, _, err := run(t, "patch", "-c", cfg)
	require.NoError(t, err)

	// hooking the patched output again would relocate our own trampolines
	require.NoError(t, os.Rename(filepath.Join(dir, "out", "fw_patched.bin"), filepath.Join(dir, "fw.bin")))
	_, _, err = run(t, "patch", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x08000000 [F000 B87E]: PC-relative: B.W (32-bit unconditional branch)")
}

func TestPatchWarnings(t *testing.T) {
	// the stub binary lands on top of the hook target, and the byte patch
	// does not match the firmware
	dir := setup(t, `
imageBase: 0x08000000
patchZone: {start: 0x08000020, end: 0x0800003F}
firmware: fw.bin
output: out/fw_patched.bin
hooks:
  - name: a
    target: 0x08000024
    handler: handle_a
    mode: replace
patches:
  - addr: 0x08000030
    find: "00 00"
    replace: "11 11"
`)
	cfg := filepath.Join(dir, "fwhook.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.bin"), bytes.Repeat([]byte{0xAA}, 16), 0644))

	_, stderr, err := run(t, "patch", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, stderr, "WARN")
	assert.Contains(t, stderr, "target changed, overwriting anyway (already patched?)")
	assert.Contains(t, stderr, `hook \"a\": bytes at 0x08000024 changed (aaaaaaaa != 00bf00bf)`)
	assert.Contains(t, stderr, "byte mismatch, skipping (already patched?)")

	_, stderr, err = run(t, "patch", "-c", cfg, "--log-level", "error")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "already patched")
}

func TestValidateOverlap(t *testing.T) {
	dir := setup(t, testProject+`
  - name: c
    target: 0x08000002
    handler: handle_c
`)
	out, _, err := run(t, "validate", "-c", filepath.Join(dir, "fwhook.yaml"))
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, err.Error(), `hook "c": displaced bytes 0x08000002-0x08000005 overlap hook "a"`)
}

func TestEncode(t *testing.T) {
	out, _, err := run(t, "encode", "0x08013304", "0x08025800")
	require.NoError(t, err)
	assert.Equal(t, "b.w 0x08013304 -> 0x08025800: 12 F0 7C BA (offset +75000)\n", out)

	out, _, err = run(t, "encode", "--bl", "0x08013304", "0x08025800")
	require.NoError(t, err)
	assert.Equal(t, "bl 0x08013304 -> 0x08025800: 12 F0 7C FA (offset +75000)\n", out)

	_, _, err = run(t, "encode", "0x08013304", "0x08025801")
	assert.Error(t, err)
	_, _, err = run(t, "encode", "nope", "0x08025800")
	assert.EqualError(t, err, `invalid address "nope"`)
}

func TestSymgen(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "symbols.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{
  "program": {"name": "kb_fw", "image_base": "0x08005000", "arch": "ARM"},
  "memory_blocks": [
    {"name": "code", "start": "0x08005000", "end": "0x080251ff", "size": 131584, "perms": "r-x", "initialized": true},
    {"name": "config", "start": "0x08028000", "end": "0x08028fff", "size": 4096, "perms": "rw-", "initialized": true}
  ],
  "functions": [{"name": "get_report", "addr": "0x0801474c", "size": 180}],
  "labels": []
}`), 0644))

	out, _, err := run(t, "symgen", fn, "-o", filepath.Join(dir, "gen"))
	require.NoError(t, err)
	assert.Contains(t, out, "PATCH_ZONE_START = 0x08025800\n")

	ld, err := os.ReadFile(filepath.Join(dir, "gen", "fw_symbols.ld"))
	require.NoError(t, err)
	assert.Contains(t, string(ld), "get_report = 0x0801474d;\n")
	ld, err = os.ReadFile(filepath.Join(dir, "gen", "patch.ld"))
	require.NoError(t, err)
	assert.Contains(t, string(ld), "ORIGIN = 0x08025800, LENGTH = 10240")

	_, _, err = run(t, "symgen", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	out, _, err := run(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"$ref": "#/$defs/Project"`)
}

func TestLogLevel(t *testing.T) {
	_, _, err := run(t, "encode", "--log-level", "loud", "0", "0")
	assert.EqualError(t, err, `invalid log level "loud" (expected debug, info, warn, or error)`)

	var buf bytes.Buffer
	log, err := newLogger("", &buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "shown")

	t.Setenv(LogLevelEnvVar, "debug")
	buf.Reset()
	log, err = newLogger("", &buf)
	require.NoError(t, err)
	log.Debug("traced")
	assert.Contains(t, buf.String(), "traced")
}
