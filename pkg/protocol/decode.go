package protocol

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

// maxContentBytes caps how much of a remote file is fetched for indexing.
const maxContentBytes = 8 << 20

// decodeText converts remote bytes to text, permissively. UTF-8 passes
// through; other encodings go through charset detection. Bytes that look
// binary (NUL present) or fail every decode are reported as not text.
func decodeText(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", true
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", false
	}
	if utf8.Valid(data) {
		return string(data), true
	}

	enc, _, _ := charset.DetermineEncoding(data, "")
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}
