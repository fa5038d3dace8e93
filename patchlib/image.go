// Package patchlib provides common functions related to patching firmware
// images.
package patchlib

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xi2/xz"
)

// Erased is the value of an erased flash byte.
const Erased = 0xFF

// ErrOutOfRange is matched by an *OutOfRangeError.
var ErrOutOfRange = errors.New("address out of range")

// OutOfRangeError is returned when an address range is not inside the image.
type OutOfRangeError struct {
	Addr uint32
	Len  int
	// Start and End are the flash addresses covered by the image (End is
	// exclusive).
	Start, End uint32
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("0x%08X+%d outside firmware image 0x%08X-0x%08X", e.Addr, e.Len, e.Start, e.End)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Image is a flat firmware dump loaded at a fixed flash address, such that
// flash_address = file_offset + base.
type Image struct {
	buf  []byte
	base uint32
}

// NewImage creates a new Image. The buffer is not copied.
func NewImage(buf []byte, base uint32) *Image {
	return &Image{buf, base}
}

// ReadImage reads a firmware dump from a file. Dumps compressed with xz are
// decompressed transparently.
func ReadImage(filename string, base uint32) (*Image, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if bytes.HasPrefix(buf, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}) {
		Log("decompressing xz firmware image %s\n", filename)
		r, err := xz.NewReader(bytes.NewReader(buf), 0)
		if err != nil {
			return nil, fmt.Errorf("read firmware: open xz stream: %w", err)
		}
		if buf, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("read firmware: decompress xz stream: %w", err)
		}
	}
	return NewImage(buf, base), nil
}

// Base returns the flash address of the first byte.
func (img *Image) Base() uint32 {
	return img.base
}

// Len returns the length of the image in bytes.
func (img *Image) Len() int {
	return len(img.buf)
}

// End returns the flash address one past the last byte.
func (img *Image) End() uint32 {
	return img.base + uint32(len(img.buf))
}

// Bytes returns the current content of the image.
func (img *Image) Bytes() []byte {
	return img.buf
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	return &Image{append([]byte(nil), img.buf...), img.base}
}

// Offset converts a flash address to a file offset, ensuring n bytes starting
// there are inside the image.
func (img *Image) Offset(addr uint32, n int) (int, error) {
	if addr < img.base || n < 0 || uint64(addr)-uint64(img.base)+uint64(n) > uint64(len(img.buf)) {
		return 0, &OutOfRangeError{addr, n, img.base, img.End()}
	}
	return int(addr - img.base), nil
}

// Addr converts a file offset to a flash address.
func (img *Image) Addr(off int) uint32 {
	return img.base + uint32(off)
}

// Read returns a copy of n bytes at addr.
func (img *Image) Read(addr uint32, n int) ([]byte, error) {
	off, err := img.Offset(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), img.buf[off:off+n]...), nil
}

// Write overwrites len(b) bytes at addr.
func (img *Image) Write(addr uint32, b []byte) error {
	off, err := img.Offset(addr, len(b))
	if err != nil {
		return err
	}
	copy(img.buf[off:], b)
	return nil
}

// PadTo extends the image with erased flash up to (but not including) addr.
// It does nothing if the image already reaches addr.
func (img *Image) PadTo(addr uint32) error {
	if addr < img.base {
		return &OutOfRangeError{addr, 0, img.base, img.End()}
	}
	if end := int(addr - img.base); end > len(img.buf) {
		img.buf = append(img.buf, bytes.Repeat([]byte{Erased}, end-len(img.buf))...)
	}
	return nil
}

// Splice writes b at addr, extending the image with erased flash as needed.
func (img *Image) Splice(addr uint32, b []byte) error {
	if err := img.PadTo(addr + uint32(len(b))); err != nil {
		return err
	}
	return img.Write(addr, b)
}
