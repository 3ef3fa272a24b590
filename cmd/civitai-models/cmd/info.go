package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-civitai-models/internal/models"
	"go-civitai-models/internal/reconcile"
	"go-civitai-models/internal/sidecar"

	"github.com/spf13/cobra"
)

const (
	infoDescriptionLimit = 200
	infoVersionLimit     = 5
)

var infoCmd = &cobra.Command{
	Use:   "info <id|url|file>",
	Short: "Show a model from the catalog or the metadata of a local file",
	Long: `TARGET is a model ID, a model page URL, or with --local a model file.

Examples:
  civitai-models info 4201
  civitai-models info https://civitai.com/models/4201/realistic-vision
  civitai-models info --local ./models/lora/papercut.safetensors`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().Bool("local", false, "TARGET is a local model file")
}

func runInfo(cmd *cobra.Command, args []string) error {
	if local, _ := cmd.Flags().GetBool("local"); local {
		return showLocalInfo(cmd.OutOrStdout(), args[0])
	}

	modelID, err := parseInfoTarget(args[0])
	if err != nil {
		return err
	}
	model, err := appFrom(cmd).client.GetModelByID(cmd.Context(), modelID)
	if err != nil {
		return err
	}
	writeModelInfo(cmd.OutOrStdout(), model)
	return nil
}

// parseInfoTarget accepts a bare model ID or a model page URL.
func parseInfoTarget(target string) (int, error) {
	target = strings.TrimSpace(target)
	if id, err := strconv.Atoi(target); err == nil && id > 0 {
		return id, nil
	}
	if strings.Contains(target, "civitai.com") {
		id, _, err := parseModelURL(target)
		if err != nil {
			return 0, fmt.Errorf("invalid Civitai URL, expected https://civitai.com/models/<id>: %w", err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("invalid target %q: use a model ID, a model URL, or a file with --local", target)
}

func truncateText(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func writeModelInfo(w io.Writer, m models.Model) {
	fmt.Fprintf(w, "Name: %s\n", m.Name)
	fmt.Fprintf(w, "ID: %d\n", m.ID)
	fmt.Fprintf(w, "Type: %s\n", m.Type)
	fmt.Fprintf(w, "NSFW: %s\n", yesNo(m.Nsfw))
	if m.Creator.Username != "" {
		fmt.Fprintf(w, "Creator: %s\n", m.Creator.Username)
	}
	fmt.Fprintf(w, "Downloads: %d\n", m.Stats.DownloadCount)
	fmt.Fprintf(w, "URL: %s\n", modelPageURL(m.ID, 0))
	if desc := reconcile.CleanDescription(m.Description); desc != "" {
		fmt.Fprintf(w, "Description: %s\n", truncateText(desc, infoDescriptionLimit))
	}

	if len(m.ModelVersions) == 0 {
		return
	}
	fmt.Fprintf(w, "\nVersions (%d):\n", len(m.ModelVersions))
	for i, v := range m.ModelVersions {
		if i == infoVersionLimit {
			fmt.Fprintf(w, "  ... and %d more versions\n", len(m.ModelVersions)-infoVersionLimit)
			break
		}
		fmt.Fprintf(w, "  - %s (Base: %s, Files: %d)\n", versionLabel(v), v.BaseModel, len(v.Files))
	}
}

func showLocalInfo(w io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	store := sidecar.NewStore()
	rec := store.Read(path)
	if len(rec) == 0 {
		fmt.Fprintf(w, "No metadata found for %s\n", filepath.Base(path))
		fmt.Fprintln(w, "Run 'civitai-models metadata complete' to fetch it from Civitai.")
		return nil
	}
	writeLocalInfo(w, path, rec, store.HasPreview(path))
	return nil
}

func writeLocalInfo(w io.Writer, path string, rec sidecar.Record, hasPreview bool) {
	fmt.Fprintf(w, "File: %s\n", filepath.Base(path))
	fmt.Fprintf(w, "Path: %s\n", path)
	if rec.Has(sidecar.KeySHA256) {
		fmt.Fprintf(w, "SHA256: %s\n", rec.String(sidecar.KeySHA256))
	}
	if id := rec.Int(sidecar.KeyModelID); id > 0 {
		fmt.Fprintf(w, "Civitai Model ID: %d\n", id)
		fmt.Fprintf(w, "URL: %s\n", modelPageURL(id, rec.Int(sidecar.KeyVersionID)))
	}
	if id := rec.Int(sidecar.KeyVersionID); id > 0 {
		fmt.Fprintf(w, "Civitai Version ID: %d\n", id)
	}
	if rec.Has(sidecar.KeyActivationText) {
		fmt.Fprintf(w, "Activation Text: %s\n", rec.String(sidecar.KeyActivationText))
	}
	if rec.Has(sidecar.KeyBaseModel) {
		fmt.Fprintf(w, "Base Model: %s\n", rec.String(sidecar.KeyBaseModel))
	}
	if rec.Has(sidecar.KeyDescription) {
		fmt.Fprintf(w, "Description: %s\n", truncateText(rec.String(sidecar.KeyDescription), infoDescriptionLimit))
	}
	fmt.Fprintf(w, "Preview: %s\n", yesNo(hasPreview))
}
