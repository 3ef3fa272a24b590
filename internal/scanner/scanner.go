// Package scanner enumerates model files on disk.
package scanner

import (
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ModelExtensions is the allow-list of binary model file extensions.
var ModelExtensions = []string{".safetensors", ".pt", ".pth", ".ckpt", ".bin"}

// IsModelFile reports whether path has one of the allowed extensions.
func IsModelFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range ModelExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// ModelFiles yields the model files under root in lexical order. When root
// is itself a model file it is the only element. Each range over the
// returned sequence walks the tree afresh; unreadable entries are logged and
// skipped.
func ModelFiles(root string, recursive bool) iter.Seq[string] {
	return func(yield func(string) bool) {
		info, err := os.Stat(root)
		if err != nil {
			log.WithError(err).Warnf("Cannot scan %s", root)
			return
		}
		if !info.IsDir() {
			if IsModelFile(root) {
				yield(root)
			}
			return
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.WithError(err).Warnf("Error accessing %s during scan", path)
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !recursive {
					return fs.SkipDir
				}
				return nil
			}
			if !IsModelFile(path) {
				return nil
			}
			if !yield(path) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			log.WithError(err).Warnf("Scan of %s stopped early", root)
		}
	}
}
