package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"

	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download <modelID>",
	Short: "Download a model file from Civitai",
	Long: `Downloads one file of a model. Without --version the newest version is used,
and without --file its primary file. Interrupted downloads resume where they
stopped. The file is verified against the catalog hashes, then its sidecar
metadata and preview image are written.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

var downloadURLCmd = &cobra.Command{
	Use:   "download-url <url>",
	Short: "Download a model from its Civitai page URL",
	Long: `Accepts a model page URL such as https://civitai.com/models/1234/name?modelVersionId=5678
and downloads the referenced version, or the newest one when the URL names none.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownloadURL,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(downloadURLCmd)

	for _, c := range []*cobra.Command{downloadCmd, downloadURLCmd} {
		c.Flags().String("path", "", "Target directory (default: configured directory for the model type)")
	}
	downloadCmd.Flags().Int("version", 0, "Model version ID (default: newest)")
	downloadCmd.Flags().Int("file", 0, "File ID within the version (default: primary file)")
	downloadCmd.Flags().Bool("show-versions", false, "List the model's versions and files instead of downloading")
}

func runDownload(cmd *cobra.Command, args []string) error {
	modelID, err := strconv.Atoi(args[0])
	if err != nil || modelID <= 0 {
		return fmt.Errorf("invalid model ID %q", args[0])
	}
	a := appFrom(cmd)

	if show, _ := cmd.Flags().GetBool("show-versions"); show {
		model, err := a.client.GetModelByID(cmd.Context(), modelID)
		if err != nil {
			return err
		}
		printVersions(model)
		return nil
	}

	versionID, _ := cmd.Flags().GetInt("version")
	fileID, _ := cmd.Flags().GetInt("file")
	dir, _ := cmd.Flags().GetString("path")
	return downloadModel(cmd.Context(), a, acquisition.DownloadRequest{
		ModelID:   modelID,
		VersionID: versionID,
		FileID:    fileID,
		Dir:       dir,
	})
}

func runDownloadURL(cmd *cobra.Command, args []string) error {
	modelID, versionID, err := parseModelURL(args[0])
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("path")
	return downloadModel(cmd.Context(), appFrom(cmd), acquisition.DownloadRequest{
		ModelID:   modelID,
		VersionID: versionID,
		Dir:       dir,
	})
}

func downloadModel(ctx context.Context, a *app, req acquisition.DownloadRequest) error {
	acq, release := a.acquirer(true)
	defer release()

	progress := newProgressPrinter(fmt.Sprintf("model %d", req.ModelID))
	res, err := acq.Download(ctx, req, progress.Update)
	progress.Stop()
	if err != nil {
		return err
	}
	if res.AlreadyPresent {
		fmt.Printf("%s %s is already downloaded at %s\n", res.Model.Name, res.Version.Name, res.Path)
		return nil
	}

	size := int64(0)
	if info, statErr := os.Stat(res.Path); statErr == nil {
		size = info.Size()
	}
	fmt.Printf("Downloaded %s %s (%s) to %s\n", res.Model.Name, res.Version.Name, helpers.BytesToSize(size), res.Path)
	for _, w := range res.Warnings {
		log.WithError(w).Warn("Metadata incomplete, run 'metadata complete' later to retry")
	}
	return nil
}

func printVersions(model models.Model) {
	fmt.Printf("%s (%s, id %d)\n", model.Name, model.Type, model.ID)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Version ID\tVersion\tBase Model\tFile ID\tFile\tSize\tPrimary")
	for _, v := range model.ModelVersions {
		for _, f := range v.Files {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%t\n",
				v.ID, v.Name, v.BaseModel, f.ID, f.Name, helpers.BytesToSize(int64(f.SizeKB*1024)), f.Primary)
		}
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing version table")
	}
}

var modelPathID = regexp.MustCompile(`/models/(\d+)`)

// parseModelURL extracts the model ID and optional modelVersionId from a
// model page URL.
func parseModelURL(raw string) (modelID, versionID int, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	m := modelPathID.FindStringSubmatch(u.Path)
	if m == nil {
		return 0, 0, errors.New("URL does not contain /models/<id>")
	}
	modelID, _ = strconv.Atoi(m[1])
	if v := u.Query().Get("modelVersionId"); v != "" {
		if versionID, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("invalid modelVersionId %q", v)
		}
	}
	return modelID, versionID, nil
}
