package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/strongbox/internal/util"
	"github.com/jmcleod/strongbox/storage"
)

// Fixed key names of the persisted client state.
const (
	bucketName      = "session"
	keyAccessToken  = "accessToken"
	keyRefreshToken = "refreshToken"
	keyUser         = "user"
	sessionAADPref  = "strongbox:session:"
)

// persister writes the session into a storage.Repository. Values are
// sealed with AES-256-GCM under wrappingKey, with the key name as AAD;
// without a wrapping key they are stored raw.
type persister struct {
	repo        storage.Repository
	wrappingKey []byte
}

// NewPersistent creates a Store that mirrors every change into repo and
// restores a previously persisted session. wrappingKey must be empty or
// exactly 32 bytes; it is copied and never written to repo. A persisted
// session that cannot be read is discarded.
func NewPersistent(repo storage.Repository, wrappingKey []byte, opts ...Option) (*Store, error) {
	if len(wrappingKey) != 0 && len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	s := New(opts...)
	p := &persister{repo: repo}
	if len(wrappingKey) > 0 {
		p.wrappingKey = util.CopyBytes(wrappingKey)
	}

	pair, user, err := p.load()
	switch {
	case err == nil:
		enclave, err := sealPair(pair)
		if err != nil {
			return nil, err
		}
		s.tokens = enclave
		s.user = user
		s.state = Authenticated
	default:
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrBucketNotFound) {
			s.logger.Warn("session: discarding unreadable persisted session", "error", err)
		}
		// Partial or unreadable leftovers never survive a restart.
		if err := p.clear(); err != nil {
			return nil, fmt.Errorf("discarding persisted session: %w", err)
		}
	}
	s.persist = p
	return s, nil
}

func (p *persister) seal(key string, plaintext []byte) (*storage.Envelope, error) {
	if p.wrappingKey == nil {
		return storage.RawRecord(plaintext), nil
	}
	return storage.SealRecord(p.wrappingKey, plaintext, []byte(sessionAADPref+key))
}

func (p *persister) open(key string) ([]byte, error) {
	env, err := p.repo.Get(bucketName, key)
	if err != nil {
		return nil, err
	}
	if env.Scheme == storage.SchemeRaw && p.wrappingKey != nil {
		return nil, fmt.Errorf("%s: stored unsealed but a wrapping key is configured", key)
	}
	return storage.OpenRecord(p.wrappingKey, env, []byte(sessionAADPref+key))
}

// save writes the token pair and, when user is non-nil, the user record in
// one transaction.
func (p *persister) save(pair TokenPair, user *User) error {
	access, err := p.seal(keyAccessToken, []byte(pair.Access))
	if err != nil {
		return err
	}
	refresh, err := p.seal(keyRefreshToken, []byte(pair.Refresh))
	if err != nil {
		return err
	}
	var userEnv *storage.Envelope
	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if userEnv, err = p.seal(keyUser, data); err != nil {
			return err
		}
	}

	return p.repo.Batch(bucketName, func(tx storage.BatchTx) error {
		if err := tx.Put(keyAccessToken, access); err != nil {
			return err
		}
		if err := tx.Put(keyRefreshToken, refresh); err != nil {
			return err
		}
		if userEnv != nil {
			return tx.Put(keyUser, userEnv)
		}
		return nil
	})
}

func (p *persister) clear() error {
	return p.repo.Batch(bucketName, func(tx storage.BatchTx) error {
		for _, k := range []string{keyAccessToken, keyRefreshToken, keyUser} {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *persister) load() (TokenPair, *User, error) {
	access, err := p.open(keyAccessToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	defer util.WipeBytes(access)
	refresh, err := p.open(keyRefreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	defer util.WipeBytes(refresh)
	pair := TokenPair{Access: string(access), Refresh: string(refresh)}
	if !pair.valid() {
		return TokenPair{}, nil, ErrInvalidTokens
	}

	data, err := p.open(keyUser)
	if err != nil {
		return TokenPair{}, nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return TokenPair{}, nil, fmt.Errorf("decoding persisted user: %w", err)
	}
	return pair, &user, nil
}

func (p *persister) close() {
	util.WipeBytes(p.wrappingKey)
	p.wrappingKey = nil
}
