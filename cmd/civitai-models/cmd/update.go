package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/scanner"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check local models for newer catalog versions",
}

var updateCheckCmd = &cobra.Command{
	Use:   "check [PATH]",
	Short: "List model files that have a newer version on Civitai",
	Long: `Reads the catalog IDs from each model file's sidecar (hashing the file when
they are missing) and compares the recorded version with the catalog's
version list. With --download the newest version is fetched next to the
old file; --report writes a Markdown summary with preview images and links.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUpdateCheck,
}

var updateDownloadCmd = &cobra.Command{
	Use:   "download <file>",
	Short: "Download a newer version of one model file next to it",
	Long: `Checks FILE for newer catalog versions and downloads the newest one into the
same directory. --version picks another catalog version by ID or name.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdateDownload,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.AddCommand(updateCheckCmd, updateDownloadCmd)

	f := updateCheckCmd.Flags()
	f.String("model-type", "", "Model type whose configured directory is scanned when PATH is omitted")
	f.BoolP("recursive", "r", false, "Scan sub-directories (default from MetadataRecursive)")
	f.Bool("download", false, "Download the newest version of every outdated model")
	f.Bool("show-all", false, "Also list models that are up to date")
	f.String("report", "", "Write a Markdown report to this file")
	f.Bool("report-include-current", false, "List up-to-date models in the report")

	updateDownloadCmd.Flags().String("version", "", "Catalog version ID or name to download (default: newest)")
}

func runUpdateCheck(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	root := targetPath(cmd, args, a)
	download, _ := cmd.Flags().GetBool("download")
	showAll, _ := cmd.Flags().GetBool("show-all")
	reportPath, _ := cmd.Flags().GetString("report")
	includeCurrent, _ := cmd.Flags().GetBool("report-include-current")

	acq, release := a.acquirer(false)
	defer release()

	var res updateResults
	for path := range scanner.ModelFiles(root, recursiveFlag(cmd, a)) {
		if cmd.Context().Err() != nil {
			break
		}
		info, err := acq.CheckUpdate(cmd.Context(), path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn(apperr.Message(err))
			res.Failures = append(res.Failures, updateFailure{Path: path, Err: err})
			continue
		}
		if info.HasUpdate() {
			res.Outdated = append(res.Outdated, info)
		} else {
			res.Current = append(res.Current, info)
		}
	}

	printUpdateResults(res, showAll)

	if reportPath != "" {
		if err := saveUpdateReport(reportPath, res, includeCurrent || showAll); err != nil {
			log.WithError(err).Error("Failed to write update report")
		} else {
			fmt.Printf("Report written to %s\n", reportPath)
		}
	}

	failed := len(res.Failures)
	if download {
		for _, u := range res.Outdated {
			latest, _ := u.Latest()
			err := downloadModel(cmd.Context(), a, acquisition.DownloadRequest{
				ModelID:   u.Model.ID,
				VersionID: latest.ID,
				Dir:       filepath.Dir(u.Path),
			})
			if err != nil {
				log.WithError(err).WithField("modelID", u.Model.ID).Error(apperr.Message(err))
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d models could not be checked or updated", failed)
	}
	return nil
}

func printUpdateResults(res updateResults, showAll bool) {
	if len(res.Outdated) == 0 {
		fmt.Println("All checked models are up to date.")
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "File\tModel\tCurrent\tLatest\tPublished\tNewer Versions")
		for _, u := range res.Outdated {
			latest, _ := u.Latest()
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", filepath.Base(u.Path), u.Model.Name,
				versionLabel(u.Current), versionLabel(latest), publishedDate(latest.PublishedAt), len(u.Newer))
		}
		if err := tw.Flush(); err != nil {
			log.WithError(err).Error("Error flushing update table")
		}
	}

	if showAll && len(res.Current) > 0 {
		fmt.Println("\nUp to date:")
		for _, u := range res.Current {
			fmt.Printf("  %s: %s %s\n", filepath.Base(u.Path), u.Model.Name, versionLabel(u.Current))
		}
	}
	if len(res.Failures) > 0 {
		fmt.Println("\nErrors:")
		for _, f := range res.Failures {
			fmt.Printf("  %s: %s\n", filepath.Base(f.Path), apperr.Message(f.Err))
		}
	}
	fmt.Printf("\nChecked %d models: %d with updates, %d up to date, %d errors\n",
		res.total(), len(res.Outdated), len(res.Current), len(res.Failures))
}

func saveUpdateReport(path string, res updateResults, includeCurrent bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeUpdateReport(f, res, includeCurrent, time.Now()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// pickUpdateVersion returns the version `update download` should fetch.
func pickUpdateVersion(info acquisition.UpdateInfo, want string) (models.ModelVersion, error) {
	if want == "" {
		if v, ok := info.Latest(); ok {
			return v, nil
		}
		return models.ModelVersion{}, fmt.Errorf("%s has no catalog versions", info.Model.Name)
	}
	if v, ok := info.Version(want); ok {
		return v, nil
	}
	return models.ModelVersion{}, fmt.Errorf("version %q not found for %s", want, info.Model.Name)
}

func runUpdateDownload(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if !scanner.IsModelFile(path) {
		return fmt.Errorf("%s is not a supported model file", path)
	}
	want, _ := cmd.Flags().GetString("version")

	acq, release := a.acquirer(false)
	info, err := acq.CheckUpdate(cmd.Context(), path)
	release()
	if err != nil {
		return err
	}
	if !info.HasUpdate() {
		fmt.Printf("No updates available for %s\n", filepath.Base(path))
		return nil
	}
	v, err := pickUpdateVersion(info, want)
	if err != nil {
		return err
	}
	fmt.Printf("Downloading %s %s...\n", info.Model.Name, versionLabel(v))
	return downloadModel(cmd.Context(), a, acquisition.DownloadRequest{
		ModelID:   info.Model.ID,
		VersionID: v.ID,
		Dir:       filepath.Dir(path),
	})
}
