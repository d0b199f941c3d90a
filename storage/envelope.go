package storage

import (
	"fmt"

	"github.com/jmcleod/strongbox/internal/util"
)

const (
	SchemeAES256GCM = "aes256gcm"
	SchemeRaw       = "raw"
)

// Envelope is a stored record, either AES-256-GCM sealed or raw.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      cipher[:util.GCMNonceSize],
		Ciphertext: cipher[util.GCMNonceSize:],
	}, nil
}

// RawRecord wraps plaintext in an unencrypted Envelope.
func RawRecord(plaintext []byte) *Envelope {
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeRaw,
		Ciphertext: util.CopyBytes(plaintext),
	}
}

// OpenRecord returns the plaintext held by envelope. Sealed envelopes are
// decrypted with recordKey and aad; raw envelopes ignore both.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	switch envelope.Scheme {
	case SchemeRaw:
		return util.CopyBytes(envelope.Ciphertext), nil
	case SchemeAES256GCM:
		return util.OpenAESGCM(envelope.Ciphertext, recordKey, envelope.Nonce, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
}
