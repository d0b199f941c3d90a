package util

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

const (
	HashSHA256 = "SHA-256"
	HashSHA512 = "SHA-512"

	MinPBKDF2Iterations = 1_000
)

// PBKDF2Params describes a password-based key derivation. The names follow
// the WebCrypto vocabulary so the parameters can travel alongside
// ciphertext produced by browser clients.
type PBKDF2Params struct {
	Iterations int    `json:"iterations"`
	Hash       string `json:"hash"`
	KeyLen     int    `json:"key_len"`
}

func DefaultPBKDF2Params() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 100_000,
		Hash:       HashSHA256,
		KeyLen:     AESKeySize,
	}
}

func ValidatePBKDF2Params(p PBKDF2Params) error {
	if p.Iterations < MinPBKDF2Iterations {
		return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, MinPBKDF2Iterations)
	}
	if p.KeyLen != AESKeySize {
		return fmt.Errorf("pbkdf2 key length must be %d bytes, got %d", AESKeySize, p.KeyLen)
	}
	if _, err := hashFunc(p.Hash); err != nil {
		return err
	}
	return nil
}

func DerivePBKDF2Key(input []byte, salt []byte, params PBKDF2Params) ([]byte, error) {
	if err := ValidatePBKDF2Params(params); err != nil {
		return nil, err
	}
	h, _ := hashFunc(params.Hash)
	return pbkdf2.Key(input, salt, params.Iterations, params.KeyLen, h), nil
}

func hashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case HashSHA256:
		return sha256.New, nil
	case HashSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported pbkdf2 hash %q", name)
	}
}
