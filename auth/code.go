package auth

import (
	"strings"

	"github.com/jmcleod/strongbox/apierr"
)

const codeDigits = 6

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}

func validCode(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkCode normalises a one-time code and rejects anything that is not
// exactly six digits.
func checkCode(code string) (string, error) {
	code = normalizeCode(code)
	if !validCode(code) {
		return "", &apierr.ValidationError{Field: "code", Message: "must be exactly 6 digits"}
	}
	return code, nil
}
