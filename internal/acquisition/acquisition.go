// Package acquisition drives model downloads and metadata completion by
// composing the catalog client, the transfer engine, the hasher and the
// sidecar reconciler.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-models/index"
	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/config"
	"go-civitai-models/internal/database"
	"go-civitai-models/internal/downloader"
	"go-civitai-models/internal/hasher"
	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/reconcile"
	"go-civitai-models/internal/sidecar"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// State is a step of the per-file acquisition state machine. It is only
// reported through logs.
type State string

const (
	StateNeedsCatalogLookup State = "NeedsCatalogLookup"
	StateLookupFailed       State = "LookupFailed"
	StateMatchFound         State = "MatchFound"
	StateDownloading        State = "Downloading"
	StateVerifying          State = "Verifying"
	StateMetadataWritten    State = "MetadataWritten"
	StatePreviewWritten     State = "PreviewWritten"
	StateDone               State = "Done"
)

const maxPreviewBytes = 32 << 20

// Catalog is the subset of the catalog client used here.
type Catalog interface {
	GetModelByID(ctx context.Context, id int) (models.Model, error)
	GetModelVersion(ctx context.Context, id int) (models.ModelVersion, error)
	GetModelByHash(ctx context.Context, hash string) (models.Model, error)
}

// Transferer fetches remote bytes. *downloader.Downloader implements it.
type Transferer interface {
	Transfer(ctx context.Context, src downloader.Source, dest string, onProgress downloader.ProgressFunc) error
	FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Deps are the collaborators of an Acquirer. History and Index are
// optional.
type Deps struct {
	Catalog  Catalog
	Transfer Transferer
	History  *database.DB
	Index    bleve.Index
}

type Acquirer struct {
	cfg        models.Config
	catalog    Catalog
	transfer   Transferer
	history    *database.DB
	index      bleve.Index
	store      *sidecar.Store
	hasher     *hasher.Hasher
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

func New(cfg models.Config, deps Deps) *Acquirer {
	store := sidecar.NewStore()
	return &Acquirer{
		cfg:        cfg,
		catalog:    deps.Catalog,
		transfer:   deps.Transfer,
		history:    deps.History,
		index:      deps.Index,
		store:      store,
		hasher:     hasher.New(store),
		reconciler: reconcile.New(store),
		now:        time.Now,
	}
}

// DownloadRequest names what to download. Zero VersionID and FileID apply
// the default selection policy; an empty Dir uses the configured directory
// for the model type.
type DownloadRequest struct {
	ModelID   int
	VersionID int
	FileID    int
	Dir       string
}

// DownloadResult describes a finished download. Warnings collects
// enrichment failures that did not fail the download itself.
type DownloadResult struct {
	Path     string
	SHA256   string
	Model    models.Model
	Version  models.ModelVersion
	File     models.File
	Warnings []error
	// AlreadyPresent is set when the history already holds a verified copy
	// of the file; Path then points at that copy and nothing was fetched.
	AlreadyPresent bool
}

// Download fetches one model file, verifies it against the catalog hashes
// and writes its sidecar, preview, history entry and index document.
// Failures after the file is verified are returned as warnings.
func (a *Acquirer) Download(ctx context.Context, req DownloadRequest, onProgress downloader.ProgressFunc) (DownloadResult, error) {
	logger := log.WithField("modelID", req.ModelID)
	enter(logger, StateNeedsCatalogLookup)

	model, err := a.catalog.GetModelByID(ctx, req.ModelID)
	if err != nil {
		enter(logger, StateLookupFailed)
		return DownloadResult{}, err
	}
	sel, err := SelectVersionFile(model, req.VersionID, req.FileID, a.cfg.HideEarlyAccess, a.now())
	if err != nil {
		enter(logger, StateLookupFailed)
		return DownloadResult{}, err
	}
	logger = logger.WithFields(log.Fields{"versionID": sel.Version.ID, "file": sel.File.Name})
	enter(logger, StateMatchFound)

	dir := req.Dir
	if dir == "" {
		dir = config.ModelDir(a.cfg, model.Type)
	}
	dest := filepath.Join(dir, helpers.CleanFilename(fileName(sel.File, sel.Version)))
	res := DownloadResult{Path: dest, Model: model, Version: sel.Version, File: sel.File}
	logger = logger.WithField("path", dest)

	if existing, ok := a.verifiedCopy(sel.File); ok {
		logger.WithField("existing", existing).Info("File already downloaded, skipping transfer")
		res.Path, res.SHA256, res.AlreadyPresent = existing, strings.ToUpper(sel.File.Hashes.SHA256), true
		return res, nil
	}

	locator := sel.File.DownloadUrl
	if locator == "" {
		locator = sel.Version.DownloadUrl
	}
	if locator == "" {
		return res, apperr.Newf(apperr.KindInvalidResponse, "download", "file %d has no download locator", sel.File.ID)
	}

	enter(logger, StateDownloading)
	if err := a.transfer.Transfer(ctx, downloader.Source{URL: locator, ModelID: model.ID}, dest, onProgress); err != nil {
		a.recordFailure(model, sel, dest, err)
		return res, err
	}

	enter(logger, StateVerifying)
	digests, err := helpers.ComputeDigests(dest)
	if err != nil {
		return res, apperr.New(apperr.KindFilesystem, "verify", err)
	}
	if algo, ok := digests.Verify(sel.File.Hashes); !ok {
		if rmErr := os.Remove(dest); rmErr != nil {
			logger.WithError(rmErr).Warn("Could not remove corrupt download")
		}
		err := apperr.Newf(apperr.KindIncompleteTransfer, "verify", "%s mismatch for %s", algo, filepath.Base(dest))
		a.recordFailure(model, sel, dest, err)
		return res, err
	}
	res.SHA256 = digests.SHA256

	warn := func(err error) {
		logger.WithError(err).Warn("Download succeeded with a warning")
		res.Warnings = append(res.Warnings, err)
	}

	if err := a.store.Merge(dest, sidecar.Record{sidecar.KeySHA256: digests.SHA256}, true); err != nil {
		warn(err)
	}
	status := models.StatusDownloaded
	if a.cfg.SaveMetadata {
		matched, err := a.reconciler.Reconcile(dest, withFileHash(model, sel, digests.SHA256), digests.SHA256, false)
		switch {
		case err != nil:
			warn(err)
		case !matched:
			warn(fmt.Errorf("catalog record of model %d has no file with hash %s", model.ID, digests.SHA256))
		default:
			status = models.StatusReconciled
			enter(logger, StateMetadataWritten)
		}
	}
	if a.cfg.SavePreview {
		if written, err := a.savePreview(ctx, dest, sel.Version, false); err != nil {
			warn(err)
		} else if written {
			enter(logger, StatePreviewWritten)
		}
	}
	if err := a.record(model, sel, dest, digests.SHA256, status); err != nil {
		warn(err)
	}
	enter(logger, StateDone)
	return res, nil
}

// verifiedCopy returns the path the history recorded for f's catalog hash
// when that file still exists.
func (a *Acquirer) verifiedCopy(f models.File) (string, bool) {
	if a.history == nil || f.Hashes.SHA256 == "" {
		return "", false
	}
	path, err := a.history.PathForHash(f.Hashes.SHA256)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// withFileHash fills in the selected file's SHA256 when the catalog left it
// empty, so a verified download always reconciles against its own record.
func withFileHash(model models.Model, sel Selection, sha string) models.Model {
	if sel.File.Hashes.SHA256 != "" {
		return model
	}
	out := model
	out.ModelVersions = make([]models.ModelVersion, len(model.ModelVersions))
	for i, v := range model.ModelVersions {
		if v.ID == sel.Version.ID {
			v.Files = append([]models.File(nil), v.Files...)
			for j := range v.Files {
				if v.Files[j].ID == sel.File.ID {
					v.Files[j].Hashes.SHA256 = sha
				}
			}
		}
		out.ModelVersions[i] = v
	}
	return out
}

// savePreview downloads the version's preview image next to modelPath.
// A version without images is not an error.
func (a *Acquirer) savePreview(ctx context.Context, modelPath string, v models.ModelVersion, force bool) (bool, error) {
	if !force && a.store.HasPreview(modelPath) {
		return false, nil
	}
	url, ok := PreviewURL(v)
	if !ok {
		log.WithFields(log.Fields{"path": modelPath, "versionID": v.ID}).Debug("Version has no preview image")
		return false, nil
	}
	data, err := a.transfer.FetchBytes(ctx, url, maxPreviewBytes)
	if err != nil {
		return false, fmt.Errorf("preview: %w", err)
	}
	return a.store.SavePreview(modelPath, data, force)
}

// record writes the history entry and the index document of a verified
// file. Both stores are optional.
func (a *Acquirer) record(model models.Model, sel Selection, path, sha, status string) error {
	entry := models.DatabaseEntry{
		ModelID:     model.ID,
		ModelName:   model.Name,
		ModelType:   model.Type,
		VersionID:   sel.Version.ID,
		VersionName: sel.Version.Name,
		BaseModel:   sel.Version.BaseModel,
		FileID:      sel.File.ID,
		SHA256:      sha,
		Path:        path,
		Timestamp:   a.now().Unix(),
		Status:      status,
	}
	var errs []error
	if a.history != nil {
		if err := a.history.PutEntry(entry); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if a.index != nil {
		if err := index.IndexItem(a.index, a.indexItem(entry)); err != nil {
			errs = append(errs, fmt.Errorf("index: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Acquirer) recordFailure(model models.Model, sel Selection, path string, cause error) {
	if a.history == nil {
		return
	}
	entry := models.DatabaseEntry{
		ModelID:      model.ID,
		ModelName:    model.Name,
		ModelType:    model.Type,
		VersionID:    sel.Version.ID,
		VersionName:  sel.Version.Name,
		BaseModel:    sel.Version.BaseModel,
		FileID:       sel.File.ID,
		Path:         path,
		Timestamp:    a.now().Unix(),
		Status:       models.StatusError,
		ErrorDetails: cause.Error(),
	}
	if err := a.history.PutEntry(entry); err != nil {
		log.WithError(err).WithField("versionID", sel.Version.ID).Warn("Could not record failed download")
	}
}

func (a *Acquirer) indexItem(e models.DatabaseEntry) index.Item {
	rec := a.store.Read(e.Path)
	return index.Item{
		ID:             e.SHA256,
		Type:           e.ModelType,
		ModelName:      e.ModelName,
		VersionName:    e.VersionName,
		ModelID:        e.ModelID,
		VersionID:      e.VersionID,
		BaseModel:      e.BaseModel,
		BaseModelClass: string(reconcile.ClassifyBaseModel(e.BaseModel)),
		ActivationText: rec.String(sidecar.KeyActivationText),
		Description:    rec.String(sidecar.KeyDescription),
		FilePath:       e.Path,
		DirectoryPath:  filepath.Dir(e.Path),
	}
}

// Reindex adds a search document for every recorded file that still
// exists, reading its current sidecar. It returns the number indexed.
func (a *Acquirer) Reindex(ctx context.Context) (int, error) {
	if a.history == nil || a.index == nil {
		return 0, errors.New("reindex needs both the history database and the search index")
	}
	entries, err := a.history.Entries()
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		if e.Status == models.StatusError || e.SHA256 == "" {
			continue
		}
		if _, err := os.Stat(e.Path); err != nil {
			log.WithError(err).WithField("path", e.Path).Debug("Recorded file not indexed")
			continue
		}
		if err := index.IndexItem(a.index, a.indexItem(e)); err != nil {
			return indexed, fmt.Errorf("index: %w", err)
		}
		indexed++
	}
	return indexed, nil
}

// HashFile returns the content hash of path, using the sidecar cache.
func (a *Acquirer) HashFile(path string) (string, error) {
	return a.hasher.Hash(path)
}

func enter(logger *log.Entry, s State) {
	logger.WithField("state", s).Debug("Acquisition state")
}
