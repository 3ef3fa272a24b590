// Package reconcile merges catalog records into local sidecar documents.
package reconcile

import (
	"regexp"
	"strings"

	"go-civitai-models/internal/models"
	"go-civitai-models/internal/sidecar"

	log "github.com/sirupsen/logrus"
)

// BaseModelClass is the coarse family a model was trained for.
type BaseModelClass string

const (
	ClassSD1   BaseModelClass = "SD1"
	ClassSD2   BaseModelClass = "SD2"
	ClassSDXL  BaseModelClass = "SDXL"
	ClassOther BaseModelClass = "Other"
)

// ClassifyBaseModel maps a catalog base model string onto a BaseModelClass.
func ClassifyBaseModel(baseModel string) BaseModelClass {
	switch {
	case strings.HasPrefix(baseModel, "SD 1"):
		return ClassSD1
	case strings.HasPrefix(baseModel, "SD 2"):
		return ClassSD2
	case strings.HasPrefix(baseModel, "SDXL"):
		return ClassSDXL
	default:
		return ClassOther
	}
}

var (
	angleTag   = regexp.MustCompile(`<[^>]*:[^>]*>`)
	commaSpace = regexp.MustCompile(`, ?`)
)

// ActivationText flattens trigger words into the comma separated string
// stored in the sidecar, without prompt tags such as <lora:name:1>.
func ActivationText(words []string) string {
	joined := strings.Join(words, ",")
	joined = angleTag.ReplaceAllString(joined, "")
	joined = commaSpace.ReplaceAllString(joined, ", ")
	return strings.Trim(joined, ", ")
}

// Match is the (version, file) pair of a catalog record whose file hash
// equals a local content hash.
type Match struct {
	Version models.ModelVersion
	File    models.File
}

// FindMatch returns the first (version, file) pair whose SHA256 equals hash,
// ignoring case.
func FindMatch(record models.Model, hash string) (Match, bool) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Match{}, false
	}
	for _, v := range record.ModelVersions {
		for _, f := range v.Files {
			if strings.EqualFold(strings.TrimSpace(f.Hashes.SHA256), hash) {
				return Match{Version: v, File: f}, true
			}
		}
	}
	return Match{}, false
}

// Reconciler writes catalog data into sidecars.
type Reconciler struct {
	store *sidecar.Store
}

func New(store *sidecar.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile looks up contentHash in record and, on a match, updates the
// sidecar of modelPath. Activation text, base model class and description
// are only written when absent or when force is set; the catalog ids are
// always refreshed. No match returns false and leaves the sidecar alone.
func (r *Reconciler) Reconcile(modelPath string, record models.Model, contentHash string, force bool) (bool, error) {
	m, ok := FindMatch(record, contentHash)
	if !ok {
		log.WithFields(log.Fields{"path": modelPath, "modelID": record.ID}).Debug("Hash not present in catalog record")
		return false, nil
	}

	existing := r.store.Read(modelPath)
	fields := sidecar.Record{}
	protect := func(key, value string) {
		if value == "" && key == sidecar.KeyDescription {
			return
		}
		if force || !existing.Has(key) {
			fields[key] = value
		}
	}
	protect(sidecar.KeyActivationText, ActivationText(m.Version.TrainedWords))
	protect(sidecar.KeyBaseModel, string(ClassifyBaseModel(m.Version.BaseModel)))
	protect(sidecar.KeyDescription, CleanDescription(descriptionOf(record, m.Version)))

	modelID := record.ID
	if modelID == 0 {
		modelID = m.Version.ModelId
	}
	fields[sidecar.KeyModelID] = modelID
	fields[sidecar.KeyVersionID] = m.Version.ID

	if err := r.store.Merge(modelPath, fields, true); err != nil {
		return true, err
	}
	log.WithFields(log.Fields{
		"path":      modelPath,
		"modelID":   modelID,
		"versionID": m.Version.ID,
		"fields":    len(fields),
	}).Debug("Sidecar reconciled")
	return true, nil
}

func descriptionOf(record models.Model, v models.ModelVersion) string {
	if strings.TrimSpace(record.Description) != "" {
		return record.Description
	}
	return v.Model.Description
}
