package crypto

import "errors"

var (
	// ErrIntegrity indicates the authentication tag did not verify: the
	// ciphertext was altered, or the identifier, salt or nonce is wrong.
	ErrIntegrity = errors.New("ciphertext failed integrity check")
	// ErrMalformedPayload indicates the salt or nonce could not be decoded
	// or has the wrong length.
	ErrMalformedPayload = errors.New("malformed encryption parameters")
)

// EncryptionError reports a failure to produce a Payload. Op names the
// stage that failed.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return "encrypt: " + e.Op + ": " + e.Err.Error()
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports a failure to recover plaintext. When it wraps
// ErrIntegrity the failure must be treated as data corruption or
// tampering and never retried.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return "decrypt: " + e.Err.Error()
}

func (e *DecryptionError) Unwrap() error { return e.Err }
