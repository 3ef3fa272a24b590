package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"go-civitai-models/index"
	"go-civitai-models/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the Civitai catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var findCmd = &cobra.Command{
	Use:   "find <query>",
	Short: "Search the local index of downloaded and reconciled models",
	Long: `Searches the local index using Bleve query string syntax. Indexed fields:
  modelName, versionName, type, baseModel, baseModelClass (SD1, SD2, SDXL, Other),
  activationText, description, filePath, directoryPath, modelId, versionId

Examples:
  civitai-models find paper
  civitai-models find "+baseModelClass:SDXL +type:lora"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFind,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(findCmd)

	searchCmd.Flags().StringSlice("type", nil, "Model types to include (e.g. Checkpoint, LORA)")
	searchCmd.Flags().StringSlice("base-model", nil, "Base models to include (e.g. \"SDXL 1.0\")")
	searchCmd.Flags().String("sort", "Highest Rated", "Sort order (Highest Rated, Most Downloaded, Newest)")
	searchCmd.Flags().Int("limit", 20, "Maximum number of results (1-100)")
	searchCmd.Flags().Bool("nsfw", false, "Include NSFW models")

	findCmd.Flags().Int("limit", 20, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	params := models.QueryParameters{Query: strings.Join(args, " ")}
	params.Types, _ = cmd.Flags().GetStringSlice("type")
	params.BaseModels, _ = cmd.Flags().GetStringSlice("base-model")
	params.Sort, _ = cmd.Flags().GetString("sort")
	params.Limit, _ = cmd.Flags().GetInt("limit")
	params.Nsfw, _ = cmd.Flags().GetBool("nsfw")

	resp, err := appFrom(cmd).client.SearchModels(cmd.Context(), params)
	if err != nil {
		return err
	}
	if len(resp.Items) == 0 {
		fmt.Println("No models found.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tType\tLatest Version\tBase Model\tDownloads\tCreator")
	for _, m := range resp.Items {
		latest, base := "-", "-"
		if len(m.ModelVersions) > 0 {
			latest, base = m.ModelVersions[0].Name, m.ModelVersions[0].BaseModel
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.Name, m.Type, latest, base, m.Stats.DownloadCount, m.Creator.Username)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing search table")
	}
	return nil
}

func runFind(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	limit, _ := cmd.Flags().GetInt("limit")

	idx, err := index.OpenReadOnly(a.cfg.BleveIndexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return fmt.Errorf("no local index at %s, download or complete metadata for some models first", a.cfg.BleveIndexPath)
	}
	if err != nil {
		return fmt.Errorf("opening index %s: %w", a.cfg.BleveIndexPath, err)
	}
	defer idx.Close()

	res, err := index.SearchIndex(idx, strings.Join(args, " "), limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	log.Debugf("Search took %s", res.Took)
	if res.Total == 0 {
		fmt.Println("No local models match.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Model\tVersion\tType\tBase\tPath")
	for _, hit := range res.Hits {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
			field(hit.Fields, "modelName"), field(hit.Fields, "versionName"),
			field(hit.Fields, "type"), field(hit.Fields, "baseModelClass"), field(hit.Fields, "filePath"))
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing results table")
	}
	fmt.Printf("%d of %d matches\n", len(res.Hits), res.Total)
	return nil
}

func field(fields map[string]interface{}, name string) interface{} {
	if v, ok := fields[name]; ok && v != nil {
		return v
	}
	return "-"
}
