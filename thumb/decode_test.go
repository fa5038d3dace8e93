package thumb

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs32(t *testing.T) {
	for _, tc := range []struct {
		hw uint16
		is bool
	}{
		{0xE92D, true},  // push.w
		{0xF000, true},  // bl/b.w prefix
		{0xF8D0, true},  // ldr.w
		{0xE800, true},  // 0b11101
		{0xE7FE, false}, // b . (0b11100)
		{0xB510, false}, // push
		{0x4801, false}, // ldr r0, [pc, #4]
		{0x0000, false},
	} {
		t.Run(fmt.Sprintf("%04X", tc.hw), func(t *testing.T) {
			assert.Equal(t, tc.is, Is32(tc.hw))
		})
	}
}

func TestDecode(t *testing.T) {
	// push {r4, lr}; push.w {r4-r10, lr}; ldr r2, [r0]
	buf := []byte{0x10, 0xB5, 0x2D, 0xE9, 0xF0, 0x47, 0x02, 0x68}
	insts, err := Decode(buf, 0x0801474C)
	require.NoError(t, err)
	require.Len(t, insts, 3)

	assert.Equal(t, Thumb16{0x0801474C, 0xB510}, insts[0])
	assert.Equal(t, Thumb32{0x0801474E, 0xE92D, 0x47F0}, insts[1])
	assert.Equal(t, Thumb16{0x08014752, 0x6802}, insts[2])

	assert.Equal(t, "E92D 47F0", insts[1].String())
	assert.Equal(t, buf[2:6], insts[1].Bytes())
	assert.Equal(t, len(buf), Size(insts))
}

func TestDecodeBoundary(t *testing.T) {
	_, err := Decode([]byte{0x2D, 0xE9}, 0x08000000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBoundary))

	var berr *BoundaryError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, uint32(0x08000000), berr.Addr)
	assert.Equal(t, 4, berr.Need)
	assert.Equal(t, 2, berr.Have)

	_, err = Decode([]byte{0x10, 0xB5, 0x02}, 0x08000000)
	assert.True(t, errors.Is(err, ErrBoundary), "odd length should be a boundary error")
}

func TestDecodeSizesSum(t *testing.T) {
	r := rand.New(rand.NewSource(405))
	for n := 0; n < 500; n++ {
		buf := make([]byte, 2*(1+r.Intn(32)))
		r.Read(buf)

		insts, err := Decode(buf, 0x08005000)
		if err != nil {
			// only a 32-bit prefix in the last halfword may fail
			var berr *BoundaryError
			require.True(t, errors.As(err, &berr))
			assert.Equal(t, 2, berr.Have)
			assert.True(t, Is32(uint16(buf[len(buf)-2])|uint16(buf[len(buf)-1])<<8))
			assert.Equal(t, len(buf)-2, Size(insts))
			continue
		}
		assert.Equal(t, len(buf), Size(insts))

		addr := uint32(0x08005000)
		for _, i := range insts {
			assert.Equal(t, addr, i.Addr(), "instructions must be contiguous")
			addr += uint32(i.Len())
		}
	}
}
