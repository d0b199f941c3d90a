// Package crypto implements the client-side envelope encryption used for
// file uploads.
//
// Every encryption draws a fresh 16-byte salt and 12-byte nonce, derives a
// 256-bit key from the file identifier with PBKDF2 and seals the content
// with AES-256-GCM. The ciphertext (tag appended), the base64 salt and the
// base64 nonce are all a holder of the identifier needs to decrypt, given
// the same KDF parameters. No associated data is bound, which keeps the
// output interchangeable with WebCrypto's AES-GCM defaults.
//
// The identifier is a convenience binding, not a secret: anyone who knows
// a file's name and holds its transmitted parameters can derive its key.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/strongbox/internal/util"
)

const (
	SaltSize  = 16
	NonceSize = util.GCMNonceSize
	TagSize   = util.GCMTagSize
)

// KDFParams configures the identifier-to-key derivation.
type KDFParams = util.PBKDF2Params

// DefaultKDFParams returns PBKDF2 with 100,000 iterations of SHA-256
// producing a 32-byte key.
func DefaultKDFParams() KDFParams {
	return util.DefaultPBKDF2Params()
}

// Payload is the output of one encryption. Salt and Nonce are standard
// base64 with padding.
type Payload struct {
	Ciphertext []byte    `json:"-"`
	Salt       string    `json:"encryption_salt"`
	Nonce      string    `json:"encryption_nonce"`
	Params     KDFParams `json:"kdf"`
}

// Engine performs envelope encryption. The zero value is not usable; use
// NewEngine.
type Engine struct {
	random io.Reader
	params KDFParams
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandom replaces the source of salts and nonces. It must be a
// cryptographically secure reader; tests use it to simulate failure.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		e.random = r
	}
}

// WithKDFParams overrides the key derivation parameters.
func WithKDFParams(p KDFParams) Option {
	return func(e *Engine) {
		e.params = p
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		random: rand.Reader,
		params: DefaultKDFParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params returns the KDF parameters this engine derives keys with.
func (e *Engine) Params() KDFParams {
	return e.params
}

// Encrypt seals plaintext under a key derived from identifier and a fresh
// random salt.
func (e *Engine) Encrypt(plaintext []byte, identifier string) (*Payload, error) {
	salt, err := util.RandomBytesFrom(e.random, SaltSize)
	if err != nil {
		return nil, &EncryptionError{Op: "salt", Err: err}
	}
	nonce, err := util.RandomBytesFrom(e.random, NonceSize)
	if err != nil {
		return nil, &EncryptionError{Op: "nonce", Err: err}
	}

	key, err := util.DerivePBKDF2Key([]byte(identifier), salt, e.params)
	if err != nil {
		return nil, &EncryptionError{Op: "derive key", Err: err}
	}
	defer memguard.WipeBytes(key)

	ciphertext, err := util.SealAESGCM(plaintext, key, nonce, nil)
	if err != nil {
		return nil, &EncryptionError{Op: "seal", Err: err}
	}

	return &Payload{
		Ciphertext: ciphertext,
		Salt:       util.Base64Encode(salt),
		Nonce:      util.Base64Encode(nonce),
		Params:     e.params,
	}, nil
}

// EncryptReader reads r to EOF and encrypts the content.
func (e *Engine) EncryptReader(r io.Reader, identifier string) (*Payload, error) {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, &EncryptionError{Op: "read input", Err: err}
	}
	defer memguard.WipeBytes(plaintext)
	return e.Encrypt(plaintext, identifier)
}

// Decrypt recovers plaintext from the three transmitted values.
func (e *Engine) Decrypt(ciphertext []byte, salt, nonce, identifier string) ([]byte, error) {
	rawSalt, err := decodeParam(salt, SaltSize)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("salt: %w", err)}
	}
	rawNonce, err := decodeParam(nonce, NonceSize)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("nonce: %w", err)}
	}

	key, err := util.DerivePBKDF2Key([]byte(identifier), rawSalt, e.params)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	defer memguard.WipeBytes(key)

	plaintext, err := util.OpenAESGCM(ciphertext, key, rawNonce, nil)
	if err != nil {
		return nil, &DecryptionError{Err: fmt.Errorf("%w: %v", ErrIntegrity, err)}
	}
	return plaintext, nil
}

// DecryptPayload decrypts p using the KDF parameters recorded in it.
func (e *Engine) DecryptPayload(p *Payload, identifier string) ([]byte, error) {
	if p == nil {
		return nil, &DecryptionError{Err: errors.New("nil payload")}
	}
	engine := e
	if p.Params != (KDFParams{}) && p.Params != e.params {
		engine = &Engine{random: e.random, params: p.Params}
	}
	return engine.Decrypt(p.Ciphertext, p.Salt, p.Nonce, identifier)
}

func decodeParam(s string, size int) ([]byte, error) {
	raw, err := util.Base64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPayload, len(raw), size)
	}
	return raw, nil
}

var defaultEngine = NewEngine()

// Encrypt encrypts with the default engine.
func Encrypt(plaintext []byte, identifier string) (*Payload, error) {
	return defaultEngine.Encrypt(plaintext, identifier)
}

// Decrypt decrypts with the default engine.
func Decrypt(ciphertext []byte, salt, nonce, identifier string) ([]byte, error) {
	return defaultEngine.Decrypt(ciphertext, salt, nonce, identifier)
}
