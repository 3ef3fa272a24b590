package acquisition

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/reconcile"
	"go-civitai-models/internal/sidecar"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CompleteOptions controls CompleteMetadata. MetadataOnly and PreviewOnly
// restrict the work to one artifact; Force rewrites protected sidecar
// fields and an existing preview.
type CompleteOptions struct {
	Force        bool
	MetadataOnly bool
	PreviewOnly  bool
}

// Outcome of completing one file.
type Outcome struct {
	Skipped  bool
	Match    reconcile.Match
	Warnings []error
}

// CompleteMetadata identifies the model file at path by content hash and
// fills in its sidecar and preview from the catalog. Files whose requested
// artifacts already exist are skipped unless forced. A preview failure is
// a warning; a hash with no catalog match is apperr.ErrNotFound.
func (a *Acquirer) CompleteMetadata(ctx context.Context, path string, opts CompleteOptions) (Outcome, error) {
	logger := log.WithField("path", path)
	if a.isComplete(path, opts) {
		logger.Debug("Metadata already complete, skipping")
		return Outcome{Skipped: true}, nil
	}

	enter(logger, StateNeedsCatalogLookup)
	hash, err := a.hasher.Hash(path)
	if err != nil {
		enter(logger, StateLookupFailed)
		return Outcome{}, err
	}
	model, err := a.catalog.GetModelByHash(ctx, hash)
	if err != nil {
		enter(logger, StateLookupFailed)
		return Outcome{}, err
	}
	match, ok := reconcile.FindMatch(model, hash)
	if !ok {
		enter(logger, StateLookupFailed)
		return Outcome{}, apperr.Newf(apperr.KindNotFound, "complete metadata", "no catalog file with hash %s", hash)
	}
	logger = logger.WithFields(log.Fields{"modelID": model.ID, "versionID": match.Version.ID})
	enter(logger, StateMatchFound)

	out := Outcome{Match: match}
	status := models.StatusDownloaded
	if !opts.PreviewOnly {
		if _, err := a.reconciler.Reconcile(path, model, hash, opts.Force); err != nil {
			return out, err
		}
		status = models.StatusReconciled
		enter(logger, StateMetadataWritten)
	}
	if !opts.MetadataOnly {
		written, err := a.savePreview(ctx, path, match.Version, opts.Force)
		if err != nil {
			logger.WithError(err).Warn("Preview not saved")
			out.Warnings = append(out.Warnings, err)
		} else if written {
			enter(logger, StatePreviewWritten)
		}
	}
	if err := a.record(model, Selection{Version: match.Version, File: match.File}, path, hash, status); err != nil {
		logger.WithError(err).Warn("Metadata written with a warning")
		out.Warnings = append(out.Warnings, err)
	}
	enter(logger, StateDone)
	return out, nil
}

// isComplete reports whether the artifacts opts asks for already exist. A
// sidecar only counts once it carries a catalog version id; one holding
// just a cached hash is still incomplete.
func (a *Acquirer) isComplete(path string, opts CompleteOptions) bool {
	if opts.Force {
		return false
	}
	hasMeta := a.store.HasMetadata(path) && a.store.Read(path).Int(sidecar.KeyVersionID) > 0
	hasPreview := a.store.HasPreview(path)
	switch {
	case opts.MetadataOnly:
		return hasMeta
	case opts.PreviewOnly:
		return hasPreview
	default:
		return hasMeta && hasPreview
	}
}

// BatchReport summarizes CompleteBatch. Errors is keyed by path.
type BatchReport struct {
	Completed int
	Skipped   int
	Failed    int
	Errors    map[string]error
}

// CompleteBatch runs CompleteMetadata over paths with a bounded worker
// pool. Paths are deduplicated so no two workers touch the same sidecar.
// A failing file is recorded in the report and the rest continue.
func (a *Acquirer) CompleteBatch(ctx context.Context, paths iter.Seq[string], opts CompleteOptions) BatchReport {
	concurrency := a.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	runLog := log.WithField("run", uuid.NewString())

	jobs := make(chan string, concurrency)
	var wg sync.WaitGroup
	var completed, skipped atomic.Int64
	var mu sync.Mutex
	errs := make(map[string]error)

	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLog := runLog.WithField("worker", id)
			for path := range jobs {
				out, err := a.CompleteMetadata(ctx, path, opts)
				switch {
				case err != nil:
					workerLog.WithError(err).WithField("path", path).Error(apperr.Message(err))
					mu.Lock()
					errs[path] = err
					mu.Unlock()
				case out.Skipped:
					skipped.Add(1)
				default:
					workerLog.WithField("path", path).Info("Metadata completed")
					completed.Add(1)
				}
			}
		}(i)
	}

	seen := make(map[string]bool)
	queued := 0
	for path := range paths {
		if ctx.Err() != nil {
			break
		}
		key := path
		if abs, err := filepath.Abs(path); err == nil {
			key = abs
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		jobs <- path
		queued++
	}
	close(jobs)
	runLog.Debugf("Queued %d files, waiting for workers", queued)
	wg.Wait()

	report := BatchReport{
		Completed: int(completed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    len(errs),
		Errors:    errs,
	}
	runLog.WithFields(log.Fields{
		"completed": report.Completed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("Metadata batch finished")
	return report
}
