package acquisition

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go-civitai-models/index"
	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/database"
	"go-civitai-models/internal/downloader"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/sidecar"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var previewPNG = []byte("\x89PNG\r\n\x1a\nfake-preview")

type fakeCatalog struct {
	byID     map[int]models.Model
	byHash   map[string]models.Model
	versions map[int]models.ModelVersion
}

func (f *fakeCatalog) GetModelByID(_ context.Context, id int) (models.Model, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return models.Model{}, apperr.Newf(apperr.KindNotFound, "get model", "model %d", id)
}

func (f *fakeCatalog) GetModelVersion(_ context.Context, id int) (models.ModelVersion, error) {
	if v, ok := f.versions[id]; ok {
		return v, nil
	}
	return models.ModelVersion{}, apperr.Newf(apperr.KindNotFound, "get model version", "version %d", id)
}

func (f *fakeCatalog) GetModelByHash(_ context.Context, hash string) (models.Model, error) {
	if m, ok := f.byHash[strings.ToUpper(hash)]; ok {
		return m, nil
	}
	return models.Model{}, apperr.Newf(apperr.KindNotFound, "get model by hash", "hash %s", hash)
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// fileHost serves model payloads under /files/<name> and previews under
// /img/width=512/<name>.
func fileHost(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/files/"):
			data, ok := files[strings.TrimPrefix(r.URL.Path, "/files/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			http.ServeContent(w, r, "model", time.Time{}, bytes.NewReader(data))
		case r.URL.Path == "/img/width=512/preview.jpeg":
			w.Write(previewPNG)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testModel(srvURL string, content []byte) models.Model {
	return models.Model{
		ID:          42,
		Name:        "Paper Cutout",
		Type:        "LORA",
		Description: "<p>Cut <b>paper</b> style</p>",
		ModelVersions: []models.ModelVersion{{
			ID:           7,
			ModelId:      42,
			Name:         "v2",
			BaseModel:    "SDXL 1.0",
			TrainedWords: []string{"papercut", "<lora:paper:1> flat colors"},
			Files: []models.File{
				{ID: 70, Name: "config.yaml", DownloadUrl: srvURL + "/files/config"},
				{ID: 71, Name: "paper cutout.safetensors", Primary: true, DownloadUrl: srvURL + "/files/model", Hashes: models.Hashes{SHA256: sha(content)}},
			},
			Images: []models.ModelImage{
				{URL: srvURL + "/img/width=450/clip.mp4", Type: "video"},
				{URL: srvURL + "/img/width=450/preview.jpeg", Type: "image"},
			},
		}},
	}
}

type env struct {
	acq     *Acquirer
	catalog *fakeCatalog
	history *database.DB
	index   bleve.Index
	dir     string
}

func newEnv(t *testing.T, cfg models.Config) *env {
	t.Helper()
	history, err := database.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	catalog := &fakeCatalog{byID: map[int]models.Model{}, byHash: map[string]models.Model{}, versions: map[int]models.ModelVersion{}}
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = 5
	}
	acq := New(cfg, Deps{
		Catalog:  catalog,
		Transfer: downloader.NewDownloader(cfg, nil, nil),
		History:  history,
		Index:    idx,
	})
	return &env{acq: acq, catalog: catalog, history: history, index: idx, dir: t.TempDir()}
}

func TestDownloadEndToEnd(t *testing.T) {
	content := bytes.Repeat([]byte("weights"), 5000)
	srv := fileHost(t, map[string][]byte{"model": content})
	e := newEnv(t, models.Config{SaveMetadata: true, SavePreview: true})
	e.catalog.byID[42] = testModel(srv.URL, content)

	var last downloader.Progress
	res, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, func(p downloader.Progress) { last = p })
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.True(t, last.Done)
	assert.Equal(t, filepath.Join(e.dir, "paper cutout.safetensors"), res.Path)
	assert.Equal(t, 71, res.File.ID)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	rec := sidecar.NewStore().Read(res.Path)
	assert.Equal(t, sha(content), rec.String(sidecar.KeySHA256))
	assert.Equal(t, "papercut, flat colors", rec.String(sidecar.KeyActivationText))
	assert.Equal(t, "SDXL", rec.String(sidecar.KeyBaseModel))
	assert.Equal(t, "Cut paper style", rec.String(sidecar.KeyDescription))
	assert.Equal(t, 42, rec.Int(sidecar.KeyModelID))
	assert.Equal(t, 7, rec.Int(sidecar.KeyVersionID))

	preview, err := os.ReadFile(sidecar.NewStore().PreviewPath(res.Path))
	require.NoError(t, err)
	assert.Equal(t, previewPNG, preview)

	entry, err := e.history.GetEntry(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReconciled, entry.Status)
	assert.Equal(t, res.Path, entry.Path)

	hits, err := index.SearchIndex(e.index, "paper", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), hits.Total)
	assert.Equal(t, sha(content), hits.Hits[0].ID)
}

func TestDownloadSkipsRecordedCopy(t *testing.T) {
	content := []byte("already here")
	requests := 0
	srv := fileHost(t, map[string][]byte{"model": content})
	e := newEnv(t, models.Config{})
	e.catalog.byID[42] = testModel(srv.URL, content)

	first, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, nil)
	require.NoError(t, err)
	require.False(t, first.AlreadyPresent)

	other := t.TempDir()
	second, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: other}, func(downloader.Progress) { requests++ })
	require.NoError(t, err)
	assert.True(t, second.AlreadyPresent)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, sha(content), second.SHA256)
	assert.Zero(t, requests)
	assert.NoFileExists(t, filepath.Join(other, "paper cutout.safetensors"))

	// Once the recorded copy is gone the file is fetched again.
	require.NoError(t, os.Remove(first.Path))
	third, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: other}, nil)
	require.NoError(t, err)
	assert.False(t, third.AlreadyPresent)
	assert.FileExists(t, filepath.Join(other, "paper cutout.safetensors"))
}

func TestReindexRebuildsFromHistory(t *testing.T) {
	content := bytes.Repeat([]byte("w"), 1024)
	srv := fileHost(t, map[string][]byte{"model": content})
	e := newEnv(t, models.Config{SaveMetadata: true})
	e.catalog.byID[42] = testModel(srv.URL, content)
	_, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, nil)
	require.NoError(t, err)

	fresh, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	require.NoError(t, err)
	defer fresh.Close()
	acq := New(models.Config{}, Deps{Catalog: e.catalog, History: e.history, Index: fresh})

	n, err := acq.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := index.SearchIndex(fresh, "+baseModelClass:SDXL +activationText:papercut", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), hits.Total)
	assert.Equal(t, sha(content), hits.Hits[0].ID)

	_, err = New(models.Config{}, Deps{History: e.history}).Reindex(context.Background())
	assert.Error(t, err)
}

func TestDownloadUsesModelTypeDirectory(t *testing.T) {
	content := []byte("checkpoint bytes")
	srv := fileHost(t, map[string][]byte{"model": content})
	root := t.TempDir()
	e := newEnv(t, models.Config{DownloadPath: root})
	e.catalog.byID[42] = testModel(srv.URL, content)

	res, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Lora", "paper cutout.safetensors"), res.Path)
	assert.FileExists(t, res.Path)

	entry, err := e.history.GetEntry(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloaded, entry.Status)
}

func TestDownloadHashMismatchRemovesFile(t *testing.T) {
	content := []byte("real bytes")
	srv := fileHost(t, map[string][]byte{"model": content})
	e := newEnv(t, models.Config{SaveMetadata: true})
	model := testModel(srv.URL, []byte("other bytes"))
	e.catalog.byID[42] = model

	res, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrIncompleteTransfer)
	assert.NoFileExists(t, res.Path)

	entry, err := e.history.GetEntry(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, entry.Status)
	assert.Contains(t, entry.ErrorDetails, "SHA256")
}

func TestDownloadEnrichmentFailureIsWarning(t *testing.T) {
	content := []byte("model data")
	srv := fileHost(t, map[string][]byte{"model": content})
	e := newEnv(t, models.Config{SaveMetadata: true, SavePreview: true})
	model := testModel(srv.URL, content)
	model.ModelVersions[0].Images = []models.ModelImage{{URL: srv.URL + "/img/width=100/missing.jpeg", Type: "image"}}
	e.catalog.byID[42] = model

	res, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, nil)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], apperr.ErrNotFound)
	assert.FileExists(t, res.Path)
	assert.Equal(t, sha(content), sidecar.NewStore().Read(res.Path).String(sidecar.KeySHA256))
}

func TestDownloadFailures(t *testing.T) {
	srv := fileHost(t, map[string][]byte{})
	e := newEnv(t, models.Config{})
	e.catalog.byID[42] = testModel(srv.URL, []byte("x"))

	_, err := e.acq.Download(context.Background(), DownloadRequest{ModelID: 1, Dir: e.dir}, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, VersionID: 99, Dir: e.dir}, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// The file host has no payload, so the transfer itself fails.
	_, err = e.acq.Download(context.Background(), DownloadRequest{ModelID: 42, Dir: e.dir}, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	entry, err := e.history.GetEntry(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, entry.Status)
}

func writeModelFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestCompleteMetadata(t *testing.T) {
	content := []byte("local lora")
	srv := fileHost(t, nil)
	e := newEnv(t, models.Config{})
	e.catalog.byHash[sha(content)] = testModel(srv.URL, content)
	path := writeModelFile(t, e.dir, "paper.safetensors", content)

	out, err := e.acq.CompleteMetadata(context.Background(), path, CompleteOptions{})
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, 71, out.Match.File.ID)

	store := sidecar.NewStore()
	rec := store.Read(path)
	assert.Equal(t, 7, rec.Int(sidecar.KeyVersionID))
	assert.True(t, store.HasPreview(path))

	out, err = e.acq.CompleteMetadata(context.Background(), path, CompleteOptions{})
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	// A user edit survives an unforced run and is replaced by a forced one.
	require.NoError(t, store.Merge(path, sidecar.Record{sidecar.KeyActivationText: "mine"}, true))
	_, err = e.acq.CompleteMetadata(context.Background(), path, CompleteOptions{MetadataOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "mine", store.Read(path).String(sidecar.KeyActivationText))

	_, err = e.acq.CompleteMetadata(context.Background(), path, CompleteOptions{Force: true, MetadataOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "papercut, flat colors", store.Read(path).String(sidecar.KeyActivationText))
}

func TestCompleteMetadataSkipRules(t *testing.T) {
	tests := []struct {
		name      string
		versionID bool
		preview   bool
		opts      CompleteOptions
		wantSkip  bool
	}{
		{"nothing present", false, false, CompleteOptions{}, false},
		{"hash only sidecar", false, true, CompleteOptions{}, false},
		{"both present", true, true, CompleteOptions{}, true},
		{"forced", true, true, CompleteOptions{Force: true}, false},
		{"metadata only present", true, false, CompleteOptions{MetadataOnly: true}, true},
		{"preview only missing", true, false, CompleteOptions{PreviewOnly: true}, false},
		{"preview only present", false, true, CompleteOptions{PreviewOnly: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, models.Config{})
			path := writeModelFile(t, e.dir, "m.safetensors", []byte("m"))
			store := sidecar.NewStore()
			rec := sidecar.Record{sidecar.KeySHA256: sha([]byte("m"))}
			if tt.versionID {
				rec[sidecar.KeyVersionID] = 7
			}
			require.NoError(t, store.Merge(path, rec, true))
			if tt.preview {
				_, err := store.SavePreview(path, previewPNG, false)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantSkip, e.acq.isComplete(path, tt.opts))
		})
	}
}

func TestCompleteMetadataUnknownHash(t *testing.T) {
	e := newEnv(t, models.Config{})
	path := writeModelFile(t, e.dir, "unknown.safetensors", []byte("nobody knows"))

	_, err := e.acq.CompleteMetadata(context.Background(), path, CompleteOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	// The hash is still cached for the next run.
	assert.Equal(t, sha([]byte("nobody knows")), sidecar.NewStore().Read(path).String(sidecar.KeySHA256))
}

func TestCompleteBatchIsolatesFailures(t *testing.T) {
	srv := fileHost(t, nil)
	e := newEnv(t, models.Config{Concurrency: 3})

	var paths []string
	for i, name := range []string{"a", "b", "c"} {
		content := []byte("model " + name)
		path := writeModelFile(t, e.dir, name+".safetensors", content)
		paths = append(paths, path)
		if i < 2 {
			e.catalog.byHash[sha(content)] = testModel(srv.URL, content)
		}
	}
	paths = append(paths, paths[0])

	report := e.acq.CompleteBatch(context.Background(), slices.Values(paths), CompleteOptions{MetadataOnly: true})
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	require.Contains(t, report.Errors, paths[2])
	assert.ErrorIs(t, report.Errors[paths[2]], apperr.ErrNotFound)

	report = e.acq.CompleteBatch(context.Background(), slices.Values(paths[:2]), CompleteOptions{MetadataOnly: true})
	assert.Equal(t, 2, report.Skipped)
}

func TestHashFileUsesCache(t *testing.T) {
	e := newEnv(t, models.Config{})
	path := writeModelFile(t, e.dir, "m.safetensors", []byte("content"))

	first, err := e.acq.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, sha([]byte("content")), first)

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	second, err := e.acq.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
