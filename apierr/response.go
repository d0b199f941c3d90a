package apierr

import (
	"encoding/json"
	"net/http"
	"strings"
)

// body is the union of the error shapes the server produces.
type body struct {
	Status  string                     `json:"status"`
	Message string                     `json:"message"`
	Detail  string                     `json:"detail"`
	Code    string                     `json:"code"`
	Error   json.RawMessage            `json:"error"`
	Errors  map[string]json.RawMessage `json:"errors"`
}

var envelopeKeys = map[string]bool{
	"status": true, "message": true, "detail": true, "code": true,
	"error": true, "errors": true, "messages": true,
}

// IsTokenInvalid reports whether a response carries the token-not-valid
// signal: a 401 whose body has code "token_not_valid".
func IsTokenInvalid(status int, raw []byte) bool {
	if status != http.StatusUnauthorized {
		return false
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b.Code == CodeTokenNotValid
}

// FromResponse converts a non-2xx response into a typed error. It returns
// nil for 2xx statuses.
func FromResponse(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var b body
	decoded := json.Unmarshal(raw, &b) == nil

	msg := b.Message
	if msg == "" {
		msg = b.Detail
	}
	if msg == "" && len(b.Error) > 0 {
		msg = flatten(b.Error)
	}
	if msg == "" && !decoded {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	if status == http.StatusUnauthorized {
		kind := Unauthorized
		if b.Code == CodeTokenNotValid {
			kind = TokenInvalid
		}
		return &AuthError{Kind: kind, Message: msg}
	}

	se := &ServerError{StatusCode: status, Code: b.Code, Message: msg}
	if len(b.Errors) > 0 {
		se.Fields = fieldErrors(b.Errors)
	} else if decoded && status == http.StatusBadRequest {
		// Serializer errors are sometimes returned without an envelope.
		var top map[string]json.RawMessage
		if json.Unmarshal(raw, &top) == nil {
			for k := range envelopeKeys {
				delete(top, k)
			}
			if len(top) > 0 {
				se.Fields = fieldErrors(top)
			}
		}
	}
	if b.Message == "" && b.Detail == "" && len(b.Error) == 0 && len(se.Fields) > 0 {
		se.Message = "validation failed"
	}
	return se
}

func fieldErrors(in map[string]json.RawMessage) map[string][]string {
	out := make(map[string][]string, len(in))
	for field, raw := range in {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			out[field] = list
			continue
		}
		out[field] = []string{flatten(raw)}
	}
	return out
}

// flatten renders a JSON value as a message: strings are unquoted, lists of
// strings are joined, anything else is kept as compact JSON.
func flatten(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return strings.TrimSpace(string(raw))
}
