// Package hasher computes the content hash that identifies a model file in
// the catalog.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/sidecar"

	log "github.com/sirupsen/logrus"
)

const chunkSize = 1 << 20

// Hasher returns the SHA-256 of model files, caching results in their
// sidecar documents.
type Hasher struct {
	store *sidecar.Store
}

func New(store *sidecar.Store) *Hasher {
	return &Hasher{store: store}
}

// Hash returns the uppercase hex SHA-256 of path. A hash already cached in
// the sidecar is returned without reading the file; a freshly computed one
// is written to the sidecar before returning.
func (h *Hasher) Hash(path string) (string, error) {
	if cached := h.store.Read(path).String(sidecar.KeySHA256); strings.TrimSpace(cached) != "" {
		log.WithField("path", path).Debug("Using cached hash from sidecar")
		return strings.ToUpper(strings.TrimSpace(cached)), nil
	}

	sum, err := SHA256File(path)
	if err != nil {
		return "", err
	}
	if err := h.store.Merge(path, sidecar.Record{sidecar.KeySHA256: sum}, true); err != nil {
		log.WithError(err).WithField("path", path).Warn("Could not cache hash in sidecar")
	}
	return sum, nil
}

// SHA256File streams path through SHA-256 in fixed-size chunks.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.New(apperr.KindFilesystem, "hash", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return "", apperr.New(apperr.KindFilesystem, "hash", err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}
