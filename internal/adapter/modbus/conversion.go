package modbus

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nexus-edge/machine-gateway/internal/domain"
)

// DecodeASCII turns register words into text. Each word contributes two
// bytes, high then low, or low then high when swap is set. Bytes outside
// 7-bit ASCII are dropped, then NULs and whitespace are trimmed from both ends.
func DecodeASCII(words []uint16, swap bool) string {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		hi, lo := byte(w>>8), byte(w)
		if swap {
			hi, lo = lo, hi
		}
		if hi < 0x80 {
			buf = append(buf, hi)
		}
		if lo < 0x80 {
			buf = append(buf, lo)
		}
	}
	return strings.TrimSpace(strings.Trim(string(buf), "\x00"))
}

// EncodeASCII packs text two characters per word using the same byte order as
// DecodeASCII. Odd-length text gets one trailing space. Characters above 0xFF
// cannot be represented and are rejected.
func EncodeASCII(text string, swap bool) ([]uint16, error) {
	runes := []rune(text)
	for i, r := range runes {
		if r < 0 || r > 0xFF {
			return nil, fmt.Errorf("%w: %q at position %d", domain.ErrNonLatin1, r, i)
		}
	}
	if len(runes)%2 != 0 {
		runes = append(runes, ' ')
	}

	words := make([]uint16, 0, len(runes)/2)
	for i := 0; i < len(runes); i += 2 {
		first, second := uint16(runes[i]), uint16(runes[i+1])
		if swap {
			words = append(words, second<<8|first)
		} else {
			words = append(words, first<<8|second)
		}
	}
	return words, nil
}

// PadBatch right-pads a command slot to the full batch width.
func PadBatch(text string) (string, error) {
	n := len([]rune(text))
	if n > domain.BatchTextLength {
		return "", fmt.Errorf("%w: %d characters, max %d", domain.ErrTextTooLong, n, domain.BatchTextLength)
	}
	return text + strings.Repeat(" ", domain.BatchTextLength-n), nil
}

// wordsFromBytes converts a big-endian register payload into words.
func wordsFromBytes(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, domain.ErrInvalidDataLength
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// bytesFromWords is the inverse of wordsFromBytes.
func bytesFromWords(words []uint16) []byte {
	data := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(data[i*2:], w)
	}
	return data
}
