// Package catalog provides a persistent index of scanned images.
//
// The bundle inspection tooling scans directories of binaries and
// records, per image, which bundled code objects it embeds: entry ID,
// resolved ISA, content digest, and size. Queries answer "which images
// carry code for this ISA" and "where does this code object live"
// without re-reading the binaries.
package catalog

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/isa"
)

// Catalog errors.
var (
	// ErrImageNotFound is returned when an image is not in the catalog.
	ErrImageNotFound = errors.New("image not found")

	// ErrObjectNotFound is returned when a code object is not indexed.
	ErrObjectNotFound = errors.New("code object not found")

	// ErrReadOnly is returned when writing to a read-only catalog.
	ErrReadOnly = errors.New("catalog opened read-only")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores image records keyed by path.
	bucketImages = []byte("images")

	// bucketObjects indexes code-object locators by object digest.
	bucketObjects = []byte("objects")
)

// EntryRecord is one bundled code object of an image.
type EntryRecord struct {
	// ID is the bundle entry ID (target triple).
	ID string

	// ISA is the resolved ISA, or isa.None for unsupported entries.
	ISA isa.ISA

	// ObjectID is the content digest of the code object.
	ObjectID types.ObjectID

	// Size is the code object's size in bytes.
	Size uint64

	// Compressed records whether the entry's container was enveloped.
	Compressed bool
}

// Record describes one scanned image.
type Record struct {
	// Path is the image's filesystem path, the catalog key.
	Path string

	// Size and ModTime are the file's stat at scan time.
	Size    int64
	ModTime time.Time

	// Digest is the image's content digest.
	Digest types.ObjectID

	// Entries lists the bundled code objects, in container order.
	Entries []EntryRecord
}

// Locator points from a code object back to an image entry.
type Locator struct {
	ImagePath string
	EntryID   string
}

// Stats summarizes catalog contents.
type Stats struct {
	Images  int
	Objects int
	ByISA   map[isa.ISA]int
}

// Config holds catalog configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// ReadOnly opens the database in read-only mode, for query commands
	// running next to a scanner.
	ReadOnly bool
}

// Catalog is the image index. Safe for concurrent use.
type Catalog struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens or creates the catalog database.
func Open(cfg Config) (*Catalog, error) {
	opts := &bolt.Options{
		Timeout:  time.Second,
		ReadOnly: cfg.ReadOnly,
	}

	db, err := bolt.Open(cfg.Path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	c := &Catalog{db: db, readOnly: cfg.ReadOnly}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range [][]byte{bucketImages, bucketObjects} {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}
	return c, nil
}

// Close closes the catalog.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// PutImage stores or replaces an image record and indexes its entries.
func (c *Catalog) PutImage(rec Record) error {
	if c.readOnly {
		return ErrReadOnly
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketImages).Put([]byte(rec.Path), buf.Bytes()); err != nil {
			return err
		}

		objects := tx.Bucket(bucketObjects)
		for _, e := range rec.Entries {
			locators, err := decodeLocators(objects.Get(e.ObjectID.Bytes()))
			if err != nil {
				locators = nil
			}

			loc := Locator{ImagePath: rec.Path, EntryID: e.ID}
			if !containsLocator(locators, loc) {
				locators = append(locators, loc)
			}

			var lbuf bytes.Buffer
			if err := gob.NewEncoder(&lbuf).Encode(locators); err != nil {
				return fmt.Errorf("encode locators: %w", err)
			}
			if err := objects.Put(e.ObjectID.Bytes(), lbuf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetImage returns the record stored for an image path.
func (c *Catalog) GetImage(path string) (Record, error) {
	var rec Record
	err := c.db.View(func(tx *bolt.Tx) error {
		// A read-only open never creates buckets; a fresh file has none.
		b := tx.Bucket(bucketImages)
		if b == nil {
			return ErrImageNotFound
		}
		data := b.Get([]byte(path))
		if data == nil {
			return ErrImageNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&rec)
	})
	return rec, err
}

// Images returns every stored record, in key order.
func (c *Catalog) Images() ([]Record, error) {
	var records []Record
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// ObjectRef is one (image, entry) pair returned by ISA queries.
type ObjectRef struct {
	ImagePath string
	Entry     EntryRecord
}

// ByISA returns every indexed code object targeting the given ISA.
func (c *Catalog) ByISA(target isa.ISA) ([]ObjectRef, error) {
	records, err := c.Images()
	if err != nil {
		return nil, err
	}

	var refs []ObjectRef
	for _, rec := range records {
		for _, e := range rec.Entries {
			if e.ISA == target {
				refs = append(refs, ObjectRef{ImagePath: rec.Path, Entry: e})
			}
		}
	}
	return refs, nil
}

// FindObject returns the locations of a code object by content digest.
func (c *Catalog) FindObject(id types.ObjectID) ([]Locator, error) {
	var locators []Locator
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b == nil {
			return ErrObjectNotFound
		}
		data := b.Get(id.Bytes())
		if data == nil {
			return ErrObjectNotFound
		}
		var derr error
		locators, derr = decodeLocators(data)
		return derr
	})
	return locators, err
}

// Stats summarizes the catalog.
func (c *Catalog) Stats() (Stats, error) {
	stats := Stats{ByISA: make(map[isa.ISA]int)}

	records, err := c.Images()
	if err != nil {
		return stats, err
	}
	stats.Images = len(records)
	for _, rec := range records {
		for _, e := range rec.Entries {
			if !e.ISA.IsNone() {
				stats.ByISA[e.ISA]++
			}
		}
	}

	err = c.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketObjects); b != nil {
			stats.Objects = b.Stats().KeyN
		}
		return nil
	})
	return stats, err
}

func decodeLocators(data []byte) ([]Locator, error) {
	if data == nil {
		return nil, nil
	}
	var locators []Locator
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&locators); err != nil {
		return nil, err
	}
	return locators, nil
}

func containsLocator(locators []Locator, loc Locator) bool {
	for _, l := range locators {
		if l == loc {
			return true
		}
	}
	return false
}
