package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/strongbox/internal/util"
	"github.com/jmcleod/strongbox/storage"
)

const (
	catalogBucket  = "uploads"
	catalogAADPref = "strongbox:upload:"
)

// ErrNotCataloged is returned when no local record exists for a file.
var ErrNotCataloged = errors.New("file not in local catalog")

// Entry is the local record of an upload: everything needed, besides the
// ciphertext, to decrypt the file later.
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Salt       string    `json:"encryption_salt"`
	Nonce      string    `json:"encryption_nonce"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Catalog keeps Entries in a storage.Repository, sealed with a wrapping
// key when one is given.
type Catalog struct {
	repo        storage.Repository
	wrappingKey []byte
}

// NewCatalog creates a Catalog. wrappingKey must be empty or
// util.AESKeySize bytes; an empty key stores entries raw.
func NewCatalog(repo storage.Repository, wrappingKey []byte) (*Catalog, error) {
	if len(wrappingKey) == 0 {
		return &Catalog{repo: repo}, nil
	}
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("catalog wrapping key must be %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	return &Catalog{repo: repo, wrappingKey: util.CopyBytes(wrappingKey)}, nil
}

// Record adds the upload described by f.
func (c *Catalog) Record(f *File) error {
	return c.Put(Entry{
		ID:         f.ID,
		Name:       f.Name,
		Salt:       f.EncryptionSalt,
		Nonce:      f.EncryptionNonce,
		UploadedAt: f.CreatedAt,
	})
}

// Put stores e under its ID.
func (c *Catalog) Put(e Entry) error {
	if e.ID == "" {
		return errors.New("catalog entry requires an ID")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var env *storage.Envelope
	if c.wrappingKey == nil {
		env = storage.RawRecord(data)
	} else if env, err = storage.SealRecord(c.wrappingKey, data, []byte(catalogAADPref+e.ID)); err != nil {
		return fmt.Errorf("sealing catalog entry: %w", err)
	}
	return c.repo.Put(catalogBucket, e.ID, env)
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (*Entry, error) {
	env, err := c.repo.Get(catalogBucket, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotCataloged)
	}
	if err != nil {
		return nil, err
	}
	if env.Scheme == storage.SchemeRaw && c.wrappingKey != nil {
		return nil, fmt.Errorf("%s: catalog entry stored unsealed but a wrapping key is configured", id)
	}
	data, err := storage.OpenRecord(c.wrappingKey, env, []byte(catalogAADPref+id))
	if err != nil {
		return nil, fmt.Errorf("opening catalog entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding catalog entry %s: %w", id, err)
	}
	return &e, nil
}

// Delete removes the entry for id. A missing entry is not an error.
func (c *Catalog) Delete(id string) error {
	err := c.repo.Delete(catalogBucket, id)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBucketNotFound) {
		return nil
	}
	return err
}

// List returns every entry, most recent upload first. Entries that cannot
// be opened are skipped.
func (c *Catalog) List() ([]Entry, error) {
	ids, err := c.repo.List(catalogBucket)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := c.Get(id)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}
