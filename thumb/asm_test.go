package thumb

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsmBW(t *testing.T) {
	for _, tc := range []struct {
		pc, target uint32
		inst       []byte
	}{
		{0x08013304, 0x08025800, []byte{0x12, 0xF0, 0x7C, 0xBA}},
		{0x08000000, 0x08000004, []byte{0x00, 0xF0, 0x00, 0xB8}},
		{0x08000004, 0x08000000, []byte{0xFF, 0xF7, 0xFC, 0xBF}},
	} {
		t.Run(fmt.Sprintf("%X_%X", tc.pc, tc.target), func(t *testing.T) {
			inst, err := AsmBW(tc.pc, tc.target)
			require.NoError(t, err)
			if !bytes.Equal(inst, tc.inst) {
				t.Errorf("%X: B.W #0x%X - expected % X, got % X", tc.pc, tc.target, tc.inst, inst)
			}
		})
	}
}

func TestAsmBWDecodeOffset(t *testing.T) {
	inst, err := AsmBW(0x08013304, 0x08025800)
	require.NoError(t, err)

	off, err := DecodeBW(inst)
	require.NoError(t, err)
	assert.Equal(t, int32(0x08025800-(0x08013304+4)), off)
}

func TestAsmBWRoundTrip(t *testing.T) {
	for _, off := range []int64{
		0, 2, -2, -4, 0x124F8, -0x124F8,
		1<<22 - 2, 1 << 22, 1<<23 - 2, 1 << 23, -(1 << 22), -(1 << 23),
		1<<24 - 2, -(1 << 24), -(1 << 24) + 2,
	} {
		for _, pc := range []uint32{0x08005000, 0x0900_0000, 0x0200_0002} {
			target := uint32(int64(pc) + 4 + off)
			t.Run(fmt.Sprintf("%X_%d", pc, off), func(t *testing.T) {
				bw, err := AsmBW(pc, target)
				require.NoError(t, err)
				got, err := DecodeBW(bw)
				require.NoError(t, err)
				assert.Equal(t, off, int64(got))

				bl, err := AsmBL(pc, target)
				require.NoError(t, err)
				got, err = DecodeBL(bl)
				require.NoError(t, err)
				assert.Equal(t, off, int64(got))

				// the two encodings differ only in the link bit
				assert.Equal(t, bw[:3], bl[:3])
				assert.Equal(t, bw[3]|0x40, bl[3])
			})
		}
	}
}

func TestAsmBWRange(t *testing.T) {
	for _, tc := range []struct {
		name       string
		pc, target uint32
	}{
		{"Odd", 0x08000000, 0x08000101},
		{"TooFar", 0x08000000, 0x08000004 + 1<<24},
		{"TooFarBack", 0x08000000, 0x08000004 - 1<<24 - 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := AsmBW(tc.pc, tc.target)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEncodingRange))

			var rerr *EncodingRangeError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tc.pc, rerr.From)
			assert.Equal(t, tc.target, rerr.To)
		})
	}
}

func TestDecodeBWWrongInstruction(t *testing.T) {
	_, err := DecodeBW([]byte{0x2D, 0xE9, 0xF0, 0x47}) // push.w {r4-r10, lr}
	assert.Error(t, err)

	bl, err := AsmBL(0x08000000, 0x08001000)
	require.NoError(t, err)
	_, err = DecodeBW(bl)
	assert.Error(t, err, "a BL must not decode as a B.W")

	_, err = DecodeBW([]byte{0x00, 0xF0})
	assert.Error(t, err)
}

func TestDirectives(t *testing.T) {
	assert.Equal(t, []string{".word 0x47F0E92D"}, Directives([]byte{0x2D, 0xE9, 0xF0, 0x47}))
	assert.Equal(t, []string{".short 0xB510", ".short 0x6802"}, Directives([]byte{0x10, 0xB5, 0x02, 0x68}))
	assert.Equal(t, []string{".short 0xB510", ".word 0x0804F8D0"}, Directives([]byte{0x10, 0xB5, 0xD0, 0xF8, 0x04, 0x08}))
}
