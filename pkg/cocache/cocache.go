// Package cocache provides the BadgerDB-backed extraction cache.
//
// Parsing every image's reserved section on each process start is pure
// repeated work: images are content-addressed, so extraction results can
// be reused for as long as the image bytes do not change. The cache maps
// an image's BLAKE3 digest to the containers extracted from it.
//
// The cache is strictly best-effort. A missing, corrupt, or unreadable
// value is a miss and extraction falls back to a full parse; a failed
// store is dropped. No cache condition ever surfaces as a loading error.
package cocache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/bundle"
)

// Cache errors.
var (
	// ErrClosed is returned when operating on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixExtraction is the prefix for cached extractions.
	// Key format: prefixExtraction + image digest (32 bytes)
	prefixExtraction = []byte{0x01}
)

// Config contains configuration for the cache database.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk. The cache is
	// reconstructible, so async is the default.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: false,
	}
}

// Cache is the extraction cache. It implements bundle.Cache. Safe for
// concurrent use.
type Cache struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens or creates the cache database.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(cfg.Logger)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the cache. Safe to call more than once.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

// cachedEntry and cachedImage are the gob wire form of an extraction.
type cachedEntry struct {
	ID     string
	Object []byte
}

type cachedImage struct {
	Containers [][]cachedEntry
}

// Get returns the containers cached for an image digest. Any failure is
// a miss.
func (c *Cache) Get(image types.ObjectID) ([]*bundle.Container, bool) {
	if c.closed.Load() {
		return nil, false
	}

	var img cachedImage
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(extractionKey(image))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&img)
		})
	})
	if err != nil {
		return nil, false
	}

	containers := make([]*bundle.Container, 0, len(img.Containers))
	for _, entries := range img.Containers {
		con := &bundle.Container{}
		for _, e := range entries {
			con.Entries = append(con.Entries, bundle.Entry{ID: e.ID, Object: e.Object})
		}
		containers = append(containers, con)
	}
	return containers, true
}

// Put stores an image's extraction. Failures are dropped.
func (c *Cache) Put(image types.ObjectID, containers []*bundle.Container) {
	if c.closed.Load() {
		return
	}

	img := cachedImage{Containers: make([][]cachedEntry, 0, len(containers))}
	for _, con := range containers {
		entries := make([]cachedEntry, 0, len(con.Entries))
		for _, e := range con.Entries {
			entries = append(entries, cachedEntry{ID: e.ID, Object: e.Object})
		}
		img.Containers = append(img.Containers, entries)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&img); err != nil {
		return
	}

	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(extractionKey(image), buf.Bytes())
	})
}

// Drop removes one image's cached extraction.
func (c *Cache) Drop(image types.ObjectID) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(extractionKey(image))
	})
}

// Images counts the cached extractions.
func (c *Cache) Images() (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	count := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixExtraction
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func extractionKey(image types.ObjectID) []byte {
	key := make([]byte, 0, len(prefixExtraction)+types.ObjectIDSize)
	key = append(key, prefixExtraction...)
	key = append(key, image.Bytes()...)
	return key
}
