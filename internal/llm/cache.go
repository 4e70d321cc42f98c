package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Cache is a badger-backed store of validated completions, keyed by the
// full request fingerprint. It exists for replaying pipelines in
// development without burning provider tokens.
type Cache struct {
	db  *badger.DB
	log *logrus.Entry
}

// OpenCache opens (or creates) the cache at dir.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, log: logrus.WithField("component", "llm-cache")}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CacheKey fingerprints a completion request.
func CacheKey(model, system, user string, schema *Schema) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	h.Write([]byte{0})
	if schema != nil {
		h.Write([]byte(schema.Name))
		h.Write(schema.Raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached response, if present.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

// Put stores a validated response. Failures only log; the cache is
// best-effort.
func (c *Cache) Put(key string, raw json.RawMessage) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		c.log.WithError(err).Warn("cache write failed")
	}
}
