package storage

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/jmcleod/strongbox/internal/util"
)

// recordAAD mirrors how callers bind a record to its bucket and key.
func recordAAD(bucket, key string) []byte {
	return []byte("strongbox:" + bucket + ":" + key)
}

func TestSealRecord_BoundToBucketKey(t *testing.T) {
	key, _ := util.RandomBytes(util.AESKeySize)

	tests := []struct {
		bucket, key string
		plain       []byte
	}{
		{"session", "accessToken", []byte("eyJhbGciOiJIUzI1NiJ9.access")},
		{"session", "refreshToken", []byte("eyJhbGciOiJIUzI1NiJ9.refresh")},
		{"upload", "3f1c2a9e-6a4b-4c1f-9e1d-0b7d2f5a8c11", []byte(`{"name":"payroll.pdf"}`)},
		{"upload", "empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.bucket+":"+tt.key, func(t *testing.T) {
			aad := recordAAD(tt.bucket, tt.key)
			env, err := SealRecord(key, tt.plain, aad)
			if err != nil {
				t.Fatalf("SealRecord: %v", err)
			}
			if env.Ver != 1 || env.Scheme != SchemeAES256GCM {
				t.Errorf("got ver %d scheme %q", env.Ver, env.Scheme)
			}
			if len(env.Nonce) != util.GCMNonceSize {
				t.Errorf("nonce length %d, want %d", len(env.Nonce), util.GCMNonceSize)
			}
			if len(tt.plain) > 0 && bytes.Contains(env.Ciphertext, tt.plain) {
				t.Error("ciphertext contains plaintext")
			}

			got, err := OpenRecord(key, env, aad)
			if err != nil {
				t.Fatalf("OpenRecord: %v", err)
			}
			if !bytes.Equal(got, tt.plain) {
				t.Errorf("got %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestOpenRecord_MovedRecordRejected(t *testing.T) {
	key, _ := util.RandomBytes(util.AESKeySize)
	access, err := SealRecord(key, []byte("access"), recordAAD("session", "accessToken"))
	if err != nil {
		t.Fatalf("SealRecord: %v", err)
	}

	moves := map[string][]byte{
		"other key":    recordAAD("session", "refreshToken"),
		"other bucket": recordAAD("upload", "accessToken"),
		"no aad":       nil,
	}
	for name, aad := range moves {
		t.Run(name, func(t *testing.T) {
			if _, err := OpenRecord(key, access, aad); err == nil {
				t.Error("expected error opening record under a different bucket:key")
			}
		})
	}

	t.Run("other wrapping key", func(t *testing.T) {
		other, _ := util.RandomBytes(util.AESKeySize)
		if _, err := OpenRecord(other, access, recordAAD("session", "accessToken")); err == nil {
			t.Error("expected error with wrong wrapping key")
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := *access
		bad.Ciphertext = util.CopyBytes(access.Ciphertext)
		bad.Ciphertext[0] ^= 0xff
		if _, err := OpenRecord(key, &bad, recordAAD("session", "accessToken")); err == nil {
			t.Error("expected error with tampered ciphertext")
		}
	})
}

func TestSealRecord_BadKey(t *testing.T) {
	for _, n := range []int{0, 16, util.AESKeySize + 1} {
		if _, err := SealRecord(make([]byte, n), []byte("x"), recordAAD("upload", "f1")); err == nil {
			t.Errorf("expected error for %d byte key", n)
		}
	}
}

func TestEnvelope_JSONAsStored(t *testing.T) {
	key, _ := util.RandomBytes(util.AESKeySize)
	aad := recordAAD("upload", "f1")
	sealed, err := SealRecord(key, []byte(`{"id":"f1"}`), aad)
	if err != nil {
		t.Fatalf("SealRecord: %v", err)
	}

	for name, env := range map[string]*Envelope{"sealed": sealed, "raw": RawRecord([]byte("plain"))} {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var decoded Envelope
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			want, _ := OpenRecord(key, env, aad)
			got, err := OpenRecord(key, &decoded, aad)
			if err != nil {
				t.Fatalf("OpenRecord after decode: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestRawRecord(t *testing.T) {
	src := []byte("refresh-token")
	env := RawRecord(src)
	src[0] = 'X'

	if env.Scheme != SchemeRaw || env.Nonce != nil {
		t.Errorf("got scheme %q nonce %v", env.Scheme, env.Nonce)
	}
	got, err := OpenRecord(nil, env, recordAAD("session", "refreshToken"))
	if err != nil {
		t.Fatalf("OpenRecord: %v", err)
	}
	if string(got) != "refresh-token" {
		t.Errorf("raw record aliased its input: %q", got)
	}

	got[0] = 'Y'
	again, _ := OpenRecord(nil, env, nil)
	if string(again) != "refresh-token" {
		t.Errorf("OpenRecord returned envelope storage: %q", again)
	}
}

func TestOpenRecord_Unsupported(t *testing.T) {
	key, _ := util.RandomBytes(util.AESKeySize)
	aad := recordAAD("session", "user")
	env, err := SealRecord(key, []byte("{}"), aad)
	if err != nil {
		t.Fatalf("SealRecord: %v", err)
	}

	version := *env
	version.Ver = 2
	if _, err := OpenRecord(key, &version, aad); err == nil {
		t.Error("expected error for unsupported version")
	}

	scheme := *env
	scheme.Scheme = "chacha20"
	if _, err := OpenRecord(key, &scheme, aad); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
