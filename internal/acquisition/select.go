package acquisition

import (
	"fmt"
	"regexp"
	"time"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
)

// Selection is the (version, file) pair chosen for download.
type Selection struct {
	Version models.ModelVersion
	File    models.File
}

// SelectVersionFile picks what to download from a catalog record. A zero
// versionID selects the first version the catalog lists, which is the
// newest; a zero fileID selects the primary file of that version, or its
// first file when none is flagged primary. With hideEarlyAccess, versions
// still inside their early-access window are passed over.
func SelectVersionFile(model models.Model, versionID, fileID int, hideEarlyAccess bool, now time.Time) (Selection, error) {
	const op = "select version"
	var version *models.ModelVersion
	for i := range model.ModelVersions {
		v := &model.ModelVersions[i]
		if versionID != 0 {
			if v.ID == versionID {
				version = v
				break
			}
			continue
		}
		if hideEarlyAccess && inEarlyAccess(*v, now) {
			log.WithFields(log.Fields{"modelID": model.ID, "versionID": v.ID}).Debug("Skipping early access version")
			continue
		}
		version = v
		break
	}
	if version == nil {
		if versionID != 0 {
			return Selection{}, apperr.Newf(apperr.KindNotFound, op, "model %d has no version %d", model.ID, versionID)
		}
		return Selection{}, apperr.Newf(apperr.KindNotFound, op, "model %d has no downloadable version", model.ID)
	}
	if len(version.Files) == 0 {
		return Selection{}, apperr.Newf(apperr.KindNotFound, op, "version %d has no files", version.ID)
	}

	if fileID != 0 {
		for _, f := range version.Files {
			if f.ID == fileID {
				return Selection{Version: *version, File: f}, nil
			}
		}
		return Selection{}, apperr.Newf(apperr.KindNotFound, op, "version %d has no file %d", version.ID, fileID)
	}
	for _, f := range version.Files {
		if f.Primary {
			return Selection{Version: *version, File: f}, nil
		}
	}
	return Selection{Version: *version, File: version.Files[0]}, nil
}

func inEarlyAccess(v models.ModelVersion, now time.Time) bool {
	deadline, ok := parseTimestamp(v.EarlyAccessDeadline)
	return ok && deadline.After(now)
}

// NewerVersions returns the versions of a catalog listing that are newer
// than current. The listing order is authoritative: everything before
// current is newer. When current is not listed, versions published after
// it are returned instead; if either timestamp is missing that version is
// not considered newer.
func NewerVersions(versions []models.ModelVersion, current models.ModelVersion) []models.ModelVersion {
	for i, v := range versions {
		if v.ID == current.ID {
			return append([]models.ModelVersion(nil), versions[:i]...)
		}
	}

	currentAt, ok := parseTimestamp(current.PublishedAt)
	if !ok {
		return nil
	}
	var newer []models.ModelVersion
	for _, v := range versions {
		if at, ok := parseTimestamp(v.PublishedAt); ok && at.After(currentAt) {
			newer = append(newer, v)
		}
	}
	return newer
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

var previewWidth = regexp.MustCompile(`/width=\d+`)

const previewWidthValue = "/width=512"

// PreviewURL returns the URL of the first still image of v, resized to the
// preview width.
func PreviewURL(v models.ModelVersion) (string, bool) {
	for _, img := range v.Images {
		if img.Type != "" && img.Type != "image" {
			continue
		}
		if img.URL == "" {
			continue
		}
		return previewWidth.ReplaceAllString(img.URL, previewWidthValue), true
	}
	return "", false
}

// fileName returns the local name for a catalog file.
func fileName(f models.File, v models.ModelVersion) string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("%d_%d.safetensors", v.ModelId, f.ID)
}
