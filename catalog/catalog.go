// Package catalog indexes saved recordings in a badger database.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"go.aimuz.me/macro/event"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("recording not found")

var (
	entryPrefix = []byte("rec/")
	pathPrefix  = []byte("path/")
)

// Entry describes one saved recording.
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Events     int       `json:"events"`
	DurationMS int64     `json:"duration_ms"`
	SavedAt    time.Time `json:"saved_at"`
}

// Duration returns the length of one pass at speed 1.
func (e Entry) Duration() time.Duration {
	return time.Duration(e.DurationMS) * time.Millisecond
}

// Catalog is a persistent index of recordings, keyed by ID and by path.
type Catalog struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens or creates the catalog in dir.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory returns a catalog that is never written to disk.
func OpenInMemory() (*Catalog, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Catalog, error) {
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db, now: time.Now}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func entryKey(id string) []byte {
	return append(slices.Clone(entryPrefix), id...)
}

func pathKey(path string) []byte {
	return append(slices.Clone(pathPrefix), path...)
}

// Add records seq as saved at path. Saving to a path already in the
// catalog replaces that entry and keeps its ID.
func (c *Catalog) Add(path string, seq event.Sequence) (Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve path: %w", err)
	}
	e := Entry{
		ID:         uuid.NewString(),
		Name:       strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)),
		Path:       abs,
		Events:     len(seq),
		DurationMS: seq.Duration().Milliseconds(),
		SavedAt:    c.now().UTC(),
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(abs))
		switch {
		case err == nil:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e.ID = string(prev)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(e.ID), data); err != nil {
			return err
		}
		return txn.Set(pathKey(abs), []byte(e.ID))
	})
	if err != nil {
		return Entry{}, fmt.Errorf("add recording: %w", err)
	}
	return e, nil
}

// Get returns the entry with the given ID.
func (c *Catalog) Get(id string) (Entry, error) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get recording: %w", err)
	}
	return e, nil
}

// List returns every entry, most recently saved first.
func (c *Catalog) List() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if n := b.SavedAt.Compare(a.SavedAt); n != 0 {
			return n
		}
		return strings.Compare(a.Path, b.Path)
	})
	return entries, nil
}

// Recent returns at most n entries whose files still exist.
func (c *Catalog) Recent(n int) ([]Entry, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, min(n, len(all)))
	for _, e := range all {
		if len(out) == n {
			break
		}
		if _, err := os.Stat(e.Path); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete removes the entry with the given ID. The recording file is left
// untouched.
func (c *Catalog) Delete(id string) error {
	e, err := c.Get(id)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(entryKey(id)); err != nil {
			return err
		}
		return txn.Delete(pathKey(e.Path))
	})
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// Prune drops entries whose recording file no longer exists and returns
// how many were removed.
func (c *Catalog) Prune() (int, error) {
	all, err := c.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range all {
		if _, err := os.Stat(e.Path); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := c.Delete(e.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
