package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"regexp"
	"runtime"
	"strings"

	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Digests holds the uppercase hex digests of a file, in the encoding the
// catalog uses.
type Digests struct {
	SHA256 string
	BLAKE3 string
	CRC32  string
}

// ComputeDigests reads path once and computes SHA256, BLAKE3 and CRC32 in the
// same pass.
func ComputeDigests(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New()
	crc := crc32.NewIEEE()
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(io.MultiWriter(sha, b3, crc), f, buf); err != nil {
		return Digests{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return Digests{
		SHA256: strings.ToUpper(hex.EncodeToString(sha.Sum(nil))),
		BLAKE3: strings.ToUpper(hex.EncodeToString(b3.Sum(nil))),
		CRC32:  fmt.Sprintf("%08X", crc.Sum32()),
	}, nil
}

// Verify compares d against the catalog hashes, preferring SHA256, then
// BLAKE3, then CRC32. When the catalog provides none of them the returned
// algorithm is empty and ok is true.
func (d Digests) Verify(hashes models.Hashes) (algorithm string, ok bool) {
	switch {
	case strings.TrimSpace(hashes.SHA256) != "":
		return "SHA256", strings.EqualFold(d.SHA256, strings.TrimSpace(hashes.SHA256))
	case strings.TrimSpace(hashes.BLAKE3) != "":
		return "BLAKE3", strings.EqualFold(d.BLAKE3, strings.TrimSpace(hashes.BLAKE3))
	case strings.TrimSpace(hashes.CRC32) != "":
		return "CRC32", strings.EqualFold(d.CRC32, strings.TrimSpace(hashes.CRC32))
	}
	return "", true
}

// CheckHash reports whether the file at path matches the catalog hashes.
func CheckHash(path string, hashes models.Hashes) bool {
	d, err := ComputeDigests(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error hashing file %s", path)
		}
		return false
	}
	algorithm, ok := d.Verify(hashes)
	if ok && algorithm != "" {
		log.WithField("hash", algorithm).Debugf("Hash match for %s", path)
	}
	return ok && algorithm != ""
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes int64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes <= 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// FormatSpeed renders a throughput with one decimal, e.g. "3.2 MB/s".
func FormatSpeed(bytesPerSec float64) string {
	units := []string{"B/s", "KB/s", "MB/s", "GB/s", "TB/s"}
	if bytesPerSec < 0 || math.IsNaN(bytesPerSec) {
		bytesPerSec = 0
	}
	i := 0
	for bytesPerSec >= 1024 && i < len(units)-1 {
		bytesPerSec /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", bytesPerSec, units[i])
}

// FormatETA renders the time left to move remaining bytes at bytesPerSec:
// "42s", "17m" or "2h 5m". A stalled transfer reports "∞".
func FormatETA(remaining int64, bytesPerSec float64) string {
	if bytesPerSec <= 0 || math.IsNaN(bytesPerSec) {
		return "∞"
	}
	if remaining < 0 {
		remaining = 0
	}
	secs := int64(float64(remaining) / bytesPerSec)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	windowsForbidden = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// CleanFilename strips path separators (and on Windows every reserved
// character) and collapses runs of whitespace.
func CleanFilename(name string) string {
	if runtime.GOOS == "windows" {
		name = windowsForbidden.ReplaceAllString(name, "")
	} else {
		name = strings.ReplaceAll(name, "/", "")
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(name, " "))
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return err
	}
	return nil
}
