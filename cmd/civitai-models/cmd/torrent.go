package cmd

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"go-civitai-models/internal/database"
	"go-civitai-models/internal/models"
	"go-civitai-models/internal/scanner"
	"go-civitai-models/internal/torrent"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type torrentJob struct {
	SourcePath string
	Opts       torrent.Options
}

func torrentWorker(id int, jobs <-chan torrentJob, wg *sync.WaitGroup, generated, skipped, failed *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent worker %d starting", id)
	for job := range jobs {
		logger := log.WithFields(log.Fields{"worker": id, "path": job.SourcePath})
		res, err := torrent.Generate(job.SourcePath, job.Opts)
		switch {
		case err != nil:
			logger.WithError(err).Error("Failed to generate torrent")
			failed.Add(1)
		case res.Skipped:
			skipped.Add(1)
		default:
			if res.MagnetLink != "" {
				logger.Debugf("Magnet: %s", res.MagnetLink)
			}
			generated.Add(1)
		}
	}
	log.Debugf("Torrent worker %d finished", id)
}

var torrentCmd = &cobra.Command{
	Use:   "torrent [PATH]",
	Short: "Generate .torrent files for local model files",
	Long: `Generates a BitTorrent metainfo file for every model file under PATH (a file
or directory, default the download path). With --from-history the files
recorded in the download history are used instead. At least one tracker
announce URL is required.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	f := torrentCmd.Flags()
	f.StringSlice("announce", nil, "Tracker announce URL (repeatable)")
	f.String("output-dir", "", "Directory for the generated files (default: next to each model file)")
	f.Bool("overwrite", false, "Replace existing .torrent files")
	f.Bool("magnet-links", false, "Also write a <name>-magnet.txt file")
	f.BoolP("recursive", "r", false, "Scan sub-directories (default from MetadataRecursive)")
	f.Bool("from-history", false, "Use the files recorded in the download history")
}

func runTorrent(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	var opts torrent.Options
	opts.Trackers, _ = cmd.Flags().GetStringSlice("announce")
	opts.OutputDir, _ = cmd.Flags().GetString("output-dir")
	opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
	opts.Magnet, _ = cmd.Flags().GetBool("magnet-links")
	if len(opts.Trackers) == 0 {
		return torrent.ErrNoTrackers
	}

	var sources iter.Seq[string]
	if fromHistory, _ := cmd.Flags().GetBool("from-history"); fromHistory {
		paths, err := historyPaths(a.cfg.DatabasePath)
		if err != nil {
			return err
		}
		sources = slices.Values(paths)
	} else {
		root := a.cfg.DownloadPath
		if len(args) > 0 {
			root = args[0]
		}
		sources = scanner.ModelFiles(root, recursiveFlag(cmd, a))
	}

	concurrency := a.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	jobs := make(chan torrentJob, concurrency)
	var wg sync.WaitGroup
	var generated, skipped, failed atomic.Int64
	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go torrentWorker(i, jobs, &wg, &generated, &skipped, &failed)
	}

	queued := 0
	seen := make(map[string]bool)
	for path := range sources {
		if cmd.Context().Err() != nil {
			log.Warn("Interrupted, not queueing further files")
			break
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		jobs <- torrentJob{SourcePath: path, Opts: opts}
		queued++
	}
	close(jobs)
	log.Infof("Queued %d files for torrent generation using %d workers", queued, concurrency)
	wg.Wait()

	fmt.Printf("Torrents generated: %d, skipped: %d, failed: %d\n", generated.Load(), skipped.Load(), failed.Load())
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d torrents failed to generate", n)
	}
	return nil
}

// historyPaths lists the file paths of completed downloads in the history.
func historyPaths(dbPath string) ([]string, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	defer db.Close()

	entries, err := db.Entries()
	if err != nil {
		return nil, fmt.Errorf("error scanning database: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Status == models.StatusError || e.Path == "" {
			continue
		}
		paths = append(paths, e.Path)
	}
	if len(paths) == 0 {
		return nil, errors.New("no completed downloads recorded in the history")
	}
	return paths, nil
}
