package reconcile

import (
	"path/filepath"
	"testing"

	"go-civitai-models/internal/models"
	"go-civitai-models/internal/sidecar"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matchHash = "8A3F0000000000000000000000000000000000000000000000000000000000AA"

func catalogRecord() models.Model {
	return models.Model{
		ID:          101,
		Name:        "Test LoRA",
		Type:        "LORA",
		Description: `<p>Great model. See <a href="https://example.com/guide">the guide</a></p>`,
		ModelVersions: []models.ModelVersion{
			{
				ID:           2002,
				Name:         "v2",
				BaseModel:    "SDXL 1.0",
				TrainedWords: []string{"newword"},
				Files: []models.File{
					{ID: 1, Name: "other.safetensors", Hashes: models.Hashes{SHA256: "FFFF"}},
				},
			},
			{
				ID:           2001,
				Name:         "v1",
				BaseModel:    "SD 1.5",
				TrainedWords: []string{"masterpiece", "1girl,solo", "<lora:test:0.8>"},
				Files: []models.File{
					{ID: 2, Name: "test.safetensors", Hashes: models.Hashes{SHA256: "8a3f0000000000000000000000000000000000000000000000000000000000aa"}},
				},
			},
		},
	}
}

func TestClassifyBaseModel(t *testing.T) {
	tests := map[string]BaseModelClass{
		"SD 1.5":     ClassSD1,
		"SD 1.4":     ClassSD1,
		"SD 2.1 768": ClassSD2,
		"SDXL 1.0":   ClassSDXL,
		"SDXL Turbo": ClassSDXL,
		"Pony":       ClassOther,
		"Flux.1 D":   ClassOther,
		"":           ClassOther,
		"sd 1.5":     ClassOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, ClassifyBaseModel(in), in)
	}
}

func TestActivationText(t *testing.T) {
	tests := []struct {
		name  string
		words []string
		want  string
	}{
		{"nil", nil, ""},
		{"single", []string{"trigger"}, "trigger"},
		{"joins and normalizes", []string{"masterpiece", "1girl,solo"}, "masterpiece, 1girl, solo"},
		{"strips prompt tags", []string{"a", "<lora:test:0.8>"}, "a"},
		{"trims edges", []string{" a", "b, "}, "a, b"},
		{"keeps plain angle text", []string{"<noColon>"}, "<noColon>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ActivationText(tt.words))
		})
	}
}

func TestCleanDescription(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text", "just text", "just text"},
		{"paragraphs", "<p>first</p><p>second</p>", "first\nsecond"},
		{"entities", "<p>a &amp; b</p>", "a & b"},
		{"link rewritten", `<p>See <a href="https://x.io/doc">docs</a> now</p>`, "See docs https://x.io/doc now"},
		{"bare link", `<a href="https://x.io">https://x.io</a>`, "https://x.io"},
		{"image link dropped", `<p>Look <a href="https://img.io/a/b.PNG?w=1">picture</a>!</p>`, "Look !"},
		{"images and scripts removed", `<img src="a.png"><script>alert(1)</script><b>bold</b>`, "bold"},
		{"line breaks", "one<br>two<br/><br/>three", "one\ntwo\n\nthree"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanDescription(tt.in))
		})
	}
}

func TestFindMatch(t *testing.T) {
	m, ok := FindMatch(catalogRecord(), matchHash)
	require.True(t, ok)
	assert.Equal(t, 2001, m.Version.ID)
	assert.Equal(t, 2, m.File.ID)

	_, ok = FindMatch(catalogRecord(), "DEADBEEF")
	assert.False(t, ok)
	_, ok = FindMatch(catalogRecord(), "")
	assert.False(t, ok)
}

func TestReconcileNoMatchDoesNotWrite(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")

	matched, err := New(store).Reconcile(path, catalogRecord(), "0000", false)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.False(t, store.HasMetadata(path))
}

func TestReconcileWritesExtractedFields(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")

	matched, err := New(store).Reconcile(path, catalogRecord(), matchHash, false)
	require.NoError(t, err)
	require.True(t, matched)

	rec := store.Read(path)
	assert.Equal(t, "masterpiece, 1girl, solo", rec.String(sidecar.KeyActivationText))
	assert.Equal(t, "SD1", rec.String(sidecar.KeyBaseModel))
	assert.Equal(t, "Great model. See the guide https://example.com/guide", rec.String(sidecar.KeyDescription))
	assert.Equal(t, 101, rec.Int(sidecar.KeyModelID))
	assert.Equal(t, 2001, rec.Int(sidecar.KeyVersionID))
}

func TestReconcileProtectsUserEdits(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, store.Merge(path, sidecar.Record{
		sidecar.KeyDescription: "old",
		sidecar.KeyModelID:     1,
		sidecar.KeyVersionID:   1,
		"custom":               "user value",
	}, false))

	record := catalogRecord()
	record.Description = "new"
	matched, err := New(store).Reconcile(path, record, matchHash, false)
	require.NoError(t, err)
	require.True(t, matched)

	rec := store.Read(path)
	assert.Equal(t, "old", rec.String(sidecar.KeyDescription))
	assert.Equal(t, 101, rec.Int(sidecar.KeyModelID))
	assert.Equal(t, 2001, rec.Int(sidecar.KeyVersionID))
	assert.Equal(t, "user value", rec.String("custom"))

	// A second non-forced pass changes nothing.
	before := store.Read(path)
	_, err = New(store).Reconcile(path, record, matchHash, false)
	require.NoError(t, err)
	assert.Equal(t, before, store.Read(path))
}

func TestReconcileKeepsClearedFields(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, store.Merge(path, sidecar.Record{
		sidecar.KeyActivationText: "",
		sidecar.KeyBaseModel:      "SD1",
	}, false))

	matched, err := New(store).Reconcile(path, catalogRecord(), matchHash, false)
	require.NoError(t, err)
	require.True(t, matched)

	rec := store.Read(path)
	assert.True(t, rec.Has(sidecar.KeyActivationText))
	assert.Equal(t, "", rec.String(sidecar.KeyActivationText))
	assert.Equal(t, 2001, rec.Int(sidecar.KeyVersionID))

	_, err = New(store).Reconcile(path, catalogRecord(), matchHash, true)
	require.NoError(t, err)
	assert.Equal(t, "masterpiece, 1girl, solo", store.Read(path).String(sidecar.KeyActivationText))
}

func TestReconcileForceOverwrites(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, store.Merge(path, sidecar.Record{
		sidecar.KeyDescription:    "old",
		sidecar.KeyActivationText: "mine",
		sidecar.KeyBaseModel:      "SD2",
	}, false))

	record := catalogRecord()
	record.Description = "new"
	_, err := New(store).Reconcile(path, record, matchHash, true)
	require.NoError(t, err)

	rec := store.Read(path)
	assert.Equal(t, "new", rec.String(sidecar.KeyDescription))
	assert.Equal(t, "masterpiece, 1girl, solo", rec.String(sidecar.KeyActivationText))
	assert.Equal(t, "SD1", rec.String(sidecar.KeyBaseModel))
}

func TestReconcileSkipsEmptyDescription(t *testing.T) {
	store := sidecar.NewStore()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	record := catalogRecord()
	record.Description = ""

	_, err := New(store).Reconcile(path, record, matchHash, true)
	require.NoError(t, err)
	_, present := store.Read(path)[sidecar.KeyDescription]
	assert.False(t, present)
}
