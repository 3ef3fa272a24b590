// Package sidecar reads and writes the metadata document and preview image
// stored next to each model file.
package sidecar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-civitai-models/internal/apperr"

	log "github.com/sirupsen/logrus"
)

const (
	MetadataExt = ".json"
	PreviewExt  = ".preview.png"
)

// Keys of the metadata document. The names match the sidecars written by
// the common WebUIs so both tools can share them.
const (
	KeySHA256         = "sha256"
	KeyActivationText = "activation text"
	KeyBaseModel      = "sd version"
	KeyDescription    = "description"
	KeyModelID        = "modelId"
	KeyVersionID      = "modelVersionId"
)

// Record is a flat key/value metadata document. Unknown keys are kept.
type Record map[string]any

// Has reports whether key is present, whatever its value. A key the user
// cleared to "" is still present.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the value of key as a string, or "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value of key as an int. JSON numbers and numeric strings
// are accepted; anything else yields 0.
func (r Record) Int(key string) int {
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

// Store owns the sidecar files of model files.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// MetadataPath returns the sidecar document path for modelPath.
func (s *Store) MetadataPath(modelPath string) string {
	return stem(modelPath) + MetadataExt
}

// PreviewPath returns the preview image path for modelPath.
func (s *Store) PreviewPath(modelPath string) string {
	return stem(modelPath) + PreviewExt
}

func (s *Store) HasMetadata(modelPath string) bool {
	return fileExists(s.MetadataPath(modelPath))
}

func (s *Store) HasPreview(modelPath string) bool {
	return fileExists(s.PreviewPath(modelPath))
}

// Read loads the sidecar of modelPath. A missing document yields an empty
// record; an unreadable or corrupt one is logged and also yields an empty
// record.
func (s *Store) Read(modelPath string) Record {
	path := s.MetadataPath(modelPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(apperr.New(apperr.KindCorruptLocalState, "read sidecar", err)).
				WithField("path", path).Warn("Treating unreadable sidecar as empty")
		}
		return Record{}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithError(apperr.New(apperr.KindCorruptLocalState, "parse sidecar", err)).
			WithField("path", path).Warn("Treating corrupt sidecar as empty")
		return Record{}
	}
	if rec == nil {
		rec = Record{}
	}
	return rec
}

// Merge overlays fields onto the current sidecar and writes it back
// atomically. Without overwrite, keys already present are left untouched,
// even when they hold an empty value; with overwrite every key in fields replaces the stored
// one. Keys absent from fields always survive.
func (s *Store) Merge(modelPath string, fields Record, overwrite bool) error {
	rec := s.Read(modelPath)
	for k, v := range fields {
		if !overwrite && rec.Has(k) {
			continue
		}
		rec[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return apperr.New(apperr.KindFilesystem, "encode sidecar", err)
	}
	if err := writeAtomic(s.MetadataPath(modelPath), buf.Bytes()); err != nil {
		return apperr.New(apperr.KindFilesystem, "write sidecar", err)
	}
	return nil
}

// SavePreview stores image bytes as the preview of modelPath. An existing
// preview is kept unless force is set; the returned bool tells whether a
// file was written.
func (s *Store) SavePreview(modelPath string, data []byte, force bool) (bool, error) {
	path := s.PreviewPath(modelPath)
	if !force && fileExists(path) {
		return false, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return false, apperr.New(apperr.KindFilesystem, "write preview", err)
	}
	return true, nil
}

// writeAtomic writes data next to path under a temporary name and renames
// it into place, so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
