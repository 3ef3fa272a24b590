package acquisition

import (
	"context"
	"strconv"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/reconcile"
	"go-civitai-models/internal/sidecar"

	log "github.com/sirupsen/logrus"
)

// UpdateInfo lists the catalog versions newer than a local file, newest
// first.
type UpdateInfo struct {
	Path             string
	Model            models.Model
	CurrentVersionID int
	// Current is the recorded version as far as the catalog knows it; only
	// ID is set when it could not be looked up.
	Current models.ModelVersion
	Newer   []models.ModelVersion
}

func (u UpdateInfo) HasUpdate() bool { return len(u.Newer) > 0 }

// Latest returns the newest catalog version of the model.
func (u UpdateInfo) Latest() (models.ModelVersion, bool) {
	if len(u.Model.ModelVersions) == 0 {
		return models.ModelVersion{}, false
	}
	return u.Model.ModelVersions[0], true
}

// Version finds a catalog version by numeric id or exact name.
func (u UpdateInfo) Version(idOrName string) (models.ModelVersion, bool) {
	for _, v := range u.Model.ModelVersions {
		if strconv.Itoa(v.ID) == idOrName || v.Name == idOrName {
			return v, true
		}
	}
	return models.ModelVersion{}, false
}

// CheckUpdate compares the version recorded in the sidecar of path with
// the catalog. A file without catalog ids in its sidecar is identified by
// content hash first.
func (a *Acquirer) CheckUpdate(ctx context.Context, path string) (UpdateInfo, error) {
	const op = "check update"
	info := UpdateInfo{Path: path}

	rec := a.store.Read(path)
	modelID, versionID := rec.Int(sidecar.KeyModelID), rec.Int(sidecar.KeyVersionID)
	if modelID == 0 || versionID == 0 {
		hash, err := a.hasher.Hash(path)
		if err != nil {
			return info, err
		}
		byHash, err := a.catalog.GetModelByHash(ctx, hash)
		if err != nil {
			return info, err
		}
		match, ok := reconcile.FindMatch(byHash, hash)
		if !ok {
			return info, apperr.Newf(apperr.KindNotFound, op, "no catalog file with hash %s", hash)
		}
		modelID, versionID = byHash.ID, match.Version.ID
		if modelID == 0 {
			modelID = match.Version.ModelId
		}
	}
	info.CurrentVersionID = versionID

	model, err := a.catalog.GetModelByID(ctx, modelID)
	if err != nil {
		return info, err
	}
	info.Model = model

	current, listed := listedVersion(model, versionID)
	if !listed {
		current = models.ModelVersion{ID: versionID}
		// Publish dates are only needed when the listing cannot order the
		// current version.
		v, err := a.catalog.GetModelVersion(ctx, versionID)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"path": path, "versionID": versionID}).
				Warn("Current version not in catalog listing and could not be fetched")
		} else {
			current = v
		}
	}
	info.Current = current
	info.Newer = NewerVersions(model.ModelVersions, current)
	log.WithFields(log.Fields{
		"path":      path,
		"modelID":   modelID,
		"versionID": versionID,
		"newer":     len(info.Newer),
	}).Debug("Update check finished")
	return info, nil
}

func listedVersion(model models.Model, versionID int) (models.ModelVersion, bool) {
	for _, v := range model.ModelVersions {
		if v.ID == versionID {
			return v, true
		}
	}
	return models.ModelVersion{}, false
}
