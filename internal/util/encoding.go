package util

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier folds compatibility forms so that visually identical
// login identifiers compare equal, and strips surrounding whitespace.
func NormalizeIdentifier(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func Base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
