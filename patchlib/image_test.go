package patchlib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestImageOffset(t *testing.T) {
	img := NewImage(make([]byte, 16), 0x08005000)
	eq(t, img.End(), uint32(0x08005010), "unexpected end")

	off, e := img.Offset(0x08005004, 4)
	nerr(t, e)
	eq(t, off, 4, "unexpected offset")
	eq(t, img.Addr(off), uint32(0x08005004), "unexpected address")

	_, e = img.Offset(0x08005000, 16)
	nerr(t, e)

	for _, c := range []struct {
		addr uint32
		n    int
	}{
		{0x08004FFE, 2},  // before base
		{0x0800500E, 4},  // crosses end
		{0x08005010, 1},  // at end
		{0xFFFFFFFE, 4},  // wraps
		{0x08005000, -1}, // negative
	} {
		_, e := img.Offset(c.addr, c.n)
		err(t, e)
		eq(t, errors.Is(e, ErrOutOfRange), true, "expected ErrOutOfRange")
		var oe *OutOfRangeError
		eq(t, errors.As(e, &oe), true, "expected *OutOfRangeError")
	}
}

func TestImageReadWrite(t *testing.T) {
	img := NewImage([]byte{0, 1, 2, 3}, 0x100)

	b, e := img.Read(0x101, 2)
	nerr(t, e)
	eq(t, b, []byte{1, 2}, "unexpected read")
	b[0] = 0x55
	eq(t, img.Bytes()[1], byte(1), "Read must return a copy")

	nerr(t, img.Write(0x102, []byte{0xAA, 0xBB}))
	eq(t, img.Bytes(), []byte{0, 1, 0xAA, 0xBB}, "unexpected write")
	err(t, img.Write(0x103, []byte{0xAA, 0xBB}))

	c := img.Clone()
	nerr(t, c.Write(0x100, []byte{9}))
	eq(t, img.Bytes()[0], byte(0), "Clone must be deep")
}

func TestImagePadSplice(t *testing.T) {
	img := NewImage([]byte{0, 1}, 0x100)

	nerr(t, img.PadTo(0x101)) // already covered
	eq(t, img.Len(), 2, "PadTo should not shrink")

	nerr(t, img.PadTo(0x104))
	eq(t, img.Bytes(), []byte{0, 1, 0xFF, 0xFF}, "unexpected padding")

	nerr(t, img.Splice(0x106, []byte{0xAA, 0xBB}))
	eq(t, img.Bytes(), []byte{0, 1, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}, "unexpected splice")

	nerr(t, img.Splice(0x101, []byte{0xCC}))
	eq(t, img.Bytes()[:3], []byte{0, 0xCC, 0xFF}, "splice inside should overwrite")

	err(t, img.PadTo(0x50))
}

func TestReadImage(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "fw.bin")
	nerr(t, os.WriteFile(fn, []byte{0x10, 0xB5}, 0644))

	img, e := ReadImage(fn, 0x08000000)
	nerr(t, e)
	eq(t, img.Bytes(), []byte{0x10, 0xB5}, "unexpected content")
	eq(t, img.Base(), uint32(0x08000000), "unexpected base")

	_, e = ReadImage(filepath.Join(t.TempDir(), "missing.bin"), 0)
	err(t, e)

	// truncated xz header
	nerr(t, os.WriteFile(fn, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00, 0x00}, 0644))
	_, e = ReadImage(fn, 0)
	err(t, e)
}
