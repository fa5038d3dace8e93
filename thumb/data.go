package thumb

import (
	"encoding/binary"
	"fmt"
)

// Directives renders raw instruction bytes as GNU as data directives, one
// .word per 32-bit instruction and one .short per 16-bit one, so the
// assembler reproduces them byte for byte. A trailing 32-bit prefix without
// its second halfword is emitted as a .short.
func Directives(buf []byte) []string {
	var lines []string
	for pos := 0; pos+2 <= len(buf); {
		hw := binary.LittleEndian.Uint16(buf[pos:])
		if Is32(hw) && pos+4 <= len(buf) {
			lines = append(lines, fmt.Sprintf(".word 0x%08X", binary.LittleEndian.Uint32(buf[pos:])))
			pos += 4
		} else {
			lines = append(lines, fmt.Sprintf(".short 0x%04X", hw))
			pos += 2
		}
	}
	return lines
}
