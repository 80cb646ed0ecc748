package boards

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
)

var bomUTF8 = []byte{0xEF, 0xBB, 0xBF}

// Encoding names reported by decode.
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF8BOM = "utf-8-bom"
	EncodingSJIS    = "shift_jis"
)

// decode returns data as UTF-8. Municipal spreadsheets are exported either
// as UTF-8 (possibly with a BOM) or as Shift_JIS.
func decode(data []byte) ([]byte, string, error) {
	if bytes.HasPrefix(data, bomUTF8) {
		return data[len(bomUTF8):], EncodingUTF8BOM, nil
	}
	if utf8.Valid(data) {
		return data, EncodingUTF8, nil
	}
	decoded, err := japanese.ShiftJIS.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", fmt.Errorf("input is neither UTF-8 nor Shift_JIS: %w", err)
	}
	return decoded, EncodingSJIS, nil
}
