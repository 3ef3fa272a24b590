package cmd

import (
	"fmt"
	"sort"

	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/config"
	"go-civitai-models/internal/scanner"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Maintain sidecar metadata of local model files",
}

var metadataCompleteCmd = &cobra.Command{
	Use:   "complete [PATH]",
	Short: "Fill in sidecar metadata and previews from the catalog",
	Long: `Hashes every model file under PATH (a file or directory), looks the hash up
in the catalog and writes activation text, base model, description and
catalog IDs into the .json sidecar, plus a .preview.png image.
Fields already present in a sidecar are kept unless --force is given.
Without PATH the directory of --model-type is used, or the download path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMetadataComplete,
}

var metadataHashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the SHA256 of a model file, caching it in the sidecar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acq, release := appFrom(cmd).acquirer(false)
		defer release()
		hash, err := acq.HashFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", hash, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(metadataCmd)
	metadataCmd.AddCommand(metadataCompleteCmd)
	metadataCmd.AddCommand(metadataHashCmd)

	f := metadataCompleteCmd.Flags()
	f.String("model-type", "", "Model type whose configured directory is scanned when PATH is omitted")
	f.BoolP("recursive", "r", false, "Scan sub-directories (default from MetadataRecursive)")
	f.Bool("force", false, "Overwrite existing sidecar fields and previews")
	f.Bool("metadata-only", false, "Only write the sidecar")
	f.Bool("preview-only", false, "Only write the preview image")
	metadataCompleteCmd.MarkFlagsMutuallyExclusive("metadata-only", "preview-only")
}

// targetPath resolves the PATH argument shared by the scanning commands.
func targetPath(cmd *cobra.Command, args []string, a *app) string {
	if len(args) > 0 {
		return args[0]
	}
	if t, _ := cmd.Flags().GetString("model-type"); t != "" {
		return config.ModelDir(a.cfg, t)
	}
	return a.cfg.DownloadPath
}

func recursiveFlag(cmd *cobra.Command, a *app) bool {
	if cmd.Flags().Changed("recursive") {
		r, _ := cmd.Flags().GetBool("recursive")
		return r
	}
	return a.cfg.MetadataRecursive
}

func runMetadataComplete(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	root := targetPath(cmd, args, a)
	opts := acquisition.CompleteOptions{}
	opts.Force, _ = cmd.Flags().GetBool("force")
	opts.MetadataOnly, _ = cmd.Flags().GetBool("metadata-only")
	opts.PreviewOnly, _ = cmd.Flags().GetBool("preview-only")

	acq, release := a.acquirer(true)
	defer release()

	log.Infof("Completing metadata for model files in %s", root)
	report := acq.CompleteBatch(cmd.Context(), scanner.ModelFiles(root, recursiveFlag(cmd, a)), opts)

	fmt.Printf("Completed: %d, skipped: %d, failed: %d\n", report.Completed, report.Skipped, report.Failed)
	if report.Failed == 0 {
		return nil
	}
	paths := make([]string, 0, len(report.Errors))
	for p := range report.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Printf("  %s: %v\n", p, report.Errors[p])
	}
	return fmt.Errorf("%d files could not be completed", report.Failed)
}
