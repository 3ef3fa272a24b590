package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go-civitai-models/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

const (
	versionPrefix = "v_"
	hashPrefix    = "h_"

	// maxKeySize leaves room for hashPrefix plus a 64 character SHA256.
	maxKeySize = 128
)

var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB is the download history: one DatabaseEntry per model version, plus a
// hash index pointing at the local path of each verified file.
type DB struct {
	db *bitcask.Bitcask
	mu sync.RWMutex
}

// Open opens or creates the database directory at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	b, err := bitcask.Open(path, bitcask.WithMaxKeySize(maxKeySize))
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Database opened at %s", path)
	return &DB{db: b}, nil
}

// Close waits for in-flight operations and closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Has(key)
}

// Get returns the decompressed value stored under key.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	value, err := d.db.Get(key)
	d.mu.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", key, err)
	}
	return decompressIfGzipped(value)
}

// Put stores value gzip-compressed.
func (d *DB) Put(key, value []byte) error {
	compressed, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", key, err)
	}

	d.mu.Lock()
	err = d.db.Put(key, compressed)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", key, err)
	}
	return nil
}

// Delete removes key, returning ErrNotFound when it is not stored.
func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.db.Has(key) {
		return ErrNotFound
	}
	if err := d.db.Delete(key); err != nil {
		return fmt.Errorf("error deleting key %s: %w", key, err)
	}
	return nil
}

// Fold calls fn for every key with its decompressed value. Values that
// cannot be read are logged and skipped.
func (d *DB) Fold(fn func(key, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db.Fold(func(key []byte) error {
		raw, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", key)
			return nil
		}
		value, err := decompressIfGzipped(raw)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", key)
			return nil
		}
		return fn(key, value)
	})
}

// VersionKey is the history key of a model version.
func VersionKey(versionID int) []byte {
	return []byte(versionPrefix + strconv.Itoa(versionID))
}

// HashKey is the index key of a file's SHA256.
func HashKey(sha256 string) []byte {
	return []byte(hashPrefix + strings.ToUpper(sha256))
}

// PutEntry records entry under its version key and, when it carries a
// hash, points the hash index at its path.
func (d *DB) PutEntry(entry models.DatabaseEntry) error {
	if entry.VersionID <= 0 {
		return fmt.Errorf("cannot store entry for %q without a version id", entry.ModelName)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling entry for version %d: %w", entry.VersionID, err)
	}
	if err := d.Put(VersionKey(entry.VersionID), data); err != nil {
		return err
	}
	if entry.SHA256 != "" && entry.Path != "" {
		return d.Put(HashKey(entry.SHA256), []byte(entry.Path))
	}
	return nil
}

// GetEntry returns the history entry of a model version.
func (d *DB) GetEntry(versionID int) (models.DatabaseEntry, error) {
	var entry models.DatabaseEntry
	data, err := d.Get(VersionKey(versionID))
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("error unmarshalling entry for version %d: %w", versionID, err)
	}
	return entry, nil
}

// PathForHash returns the local path last recorded for a SHA256.
func (d *DB) PathForHash(sha256 string) (string, error) {
	data, err := d.Get(HashKey(sha256))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteEntry removes a version entry and its hash index key.
func (d *DB) DeleteEntry(versionID int) error {
	entry, err := d.GetEntry(versionID)
	if err != nil {
		return err
	}
	if entry.SHA256 != "" {
		if err := d.Delete(HashKey(entry.SHA256)); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return d.Delete(VersionKey(versionID))
}

// Entries returns every version entry ordered by model name then version
// id. Undecodable entries are logged and skipped.
func (d *DB) Entries() ([]models.DatabaseEntry, error) {
	var entries []models.DatabaseEntry
	err := d.Fold(func(key, value []byte) error {
		if !bytes.HasPrefix(key, []byte(versionPrefix)) {
			return nil
		}
		var entry models.DatabaseEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping undecodable entry %s", key)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModelName != entries[j].ModelName {
			return entries[i].ModelName < entries[j].ModelName
		}
		return entries[i].VersionID < entries[j].VersionID
	})
	return entries, nil
}

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader, returning raw data")
		return value, nil
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data")
		return value, nil
	}
	return out, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer: %w", err)
	}
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("error writing compressed data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
