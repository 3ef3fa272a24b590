package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go-civitai-models/index"
	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/database"
	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the local download history",
}

var dbViewCmd = &cobra.Command{
	Use:   "view",
	Short: "List recorded downloads",
	RunE:  runDbView,
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check recorded downloads against the filesystem",
	RunE:  runDbVerify,
}

var dbRedownloadCmd = &cobra.Command{
	Use:   "redownload <versionID>",
	Short: "Download a recorded model version again",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbRedownload,
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete <versionID>",
	Short: "Forget a recorded model version (the file is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbDelete,
}

var dbReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the local search index from the history and sidecars",
	RunE:  runDbReindex,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbViewCmd, dbVerifyCmd, dbRedownloadCmd, dbDeleteCmd, dbReindexCmd)

	dbVerifyCmd.Flags().Bool("check-hash", true, "Compare the SHA256 of existing files with the recorded hash")
	dbVerifyCmd.Flags().Bool("redownload", false, "Download missing or mismatched files again")
}

func openHistory(cmd *cobra.Command) (*database.DB, error) {
	path := appFrom(cmd).cfg.DatabasePath
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening database at %s: %w", path, err)
	}
	return db, nil
}

func parseVersionID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid version ID %q", arg)
	}
	return id, nil
}

func runDbView(cmd *cobra.Command, args []string) error {
	db, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.Entries()
	if err != nil {
		return fmt.Errorf("error scanning database: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No downloads recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Version ID\tModel\tVersion\tType\tBase Model\tStatus\tRecorded\tPath")
	for _, e := range entries {
		status := e.Status
		if e.ErrorDetails != "" {
			status += ": " + e.ErrorDetails
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.VersionID, e.ModelName, e.VersionName, e.ModelType, e.BaseModel, status,
			time.Unix(e.Timestamp, 0).Format(time.DateTime), e.Path)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer for db view")
	}
	log.Infof("Displayed %d entries.", len(entries))
	return nil
}

const (
	reasonMissing  = "Missing"
	reasonMismatch = "Hash Mismatch"
)

type verificationProblem struct {
	Entry  models.DatabaseEntry
	Reason string
}

// verifyEntry reports why a recorded download is not usable, or "" when
// it is.
func verifyEntry(e models.DatabaseEntry, checkHash bool) (string, error) {
	if e.Status == models.StatusError {
		return "", nil
	}
	if _, err := os.Stat(e.Path); errors.Is(err, os.ErrNotExist) {
		return reasonMissing, nil
	} else if err != nil {
		return "", err
	}
	if !checkHash || e.SHA256 == "" {
		return "", nil
	}
	if !helpers.CheckHash(e.Path, models.Hashes{SHA256: e.SHA256}) {
		return reasonMismatch, nil
	}
	return "", nil
}

func runDbVerify(cmd *cobra.Command, args []string) error {
	checkHash, _ := cmd.Flags().GetBool("check-hash")
	redownload, _ := cmd.Flags().GetBool("redownload")

	db, err := openHistory(cmd)
	if err != nil {
		return err
	}
	entries, err := db.Entries()
	// Closed before any redownload, which opens the history itself.
	db.Close()
	if err != nil {
		return fmt.Errorf("error scanning database: %w", err)
	}

	var ok int
	var problems []verificationProblem
	for _, e := range entries {
		if cmd.Context().Err() != nil {
			break
		}
		logger := log.WithFields(log.Fields{"path": e.Path, "status": e.Status})
		reason, err := verifyEntry(e, checkHash)
		switch {
		case err != nil:
			logger.WithError(err).Error("[ERROR] Could not check file")
		case reason != "":
			logger.Warnf("[%s]", strings.ToUpper(reason))
			problems = append(problems, verificationProblem{Entry: e, Reason: reason})
		default:
			ok++
		}
	}
	fmt.Printf("Verified %d entries: %d OK, %d problems\n", len(entries), ok, len(problems))
	for _, p := range problems {
		fmt.Printf("  %s (version %d): %s\n", p.Entry.Path, p.Entry.VersionID, p.Reason)
	}
	if len(problems) == 0 || !redownload {
		return nil
	}

	failed := 0
	for _, p := range problems {
		if err := redownloadEntry(cmd, p.Entry, p.Reason); err != nil {
			log.WithError(err).WithField("versionID", p.Entry.VersionID).Error(apperr.Message(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d redownloads failed", failed, len(problems))
	}
	return nil
}

// redownloadEntry fetches a recorded version again into the directory it
// was recorded in. A mismatched file is removed first so it is not resumed
// from; any other existing file is kept aside until the new copy is in.
func redownloadEntry(cmd *cobra.Command, e models.DatabaseEntry, reason string) error {
	req := acquisition.DownloadRequest{ModelID: e.ModelID, VersionID: e.VersionID, FileID: e.FileID}
	fetch := func() error { return downloadModel(cmd.Context(), appFrom(cmd), req) }
	if e.Path == "" {
		return fetch()
	}
	req.Dir = filepath.Dir(e.Path)
	if reason == reasonMismatch {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fetch()
	}
	return replaceFile(e.Path, fetch)
}

// replaceFile moves path to a backup, runs fetch and drops the backup on
// success. When fetch fails the backup is moved back over whatever fetch
// left at path.
func replaceFile(path string, fetch func() error) error {
	backup := path + ".bak"
	if err := os.Rename(path, backup); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fetch()
		}
		return fmt.Errorf("error moving %s aside: %w", path, err)
	}
	if err := fetch(); err != nil {
		if rerr := os.Rename(backup, path); rerr != nil {
			log.WithError(rerr).Errorf("Could not restore %s from %s", path, backup)
		}
		return err
	}
	if err := os.Remove(backup); err != nil {
		log.WithError(err).Warnf("Could not remove backup %s", backup)
	}
	return nil
}

func runDbRedownload(cmd *cobra.Command, args []string) error {
	versionID, err := parseVersionID(args[0])
	if err != nil {
		return err
	}
	db, err := openHistory(cmd)
	if err != nil {
		return err
	}
	entry, err := db.GetEntry(versionID)
	db.Close()
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("version %d is not in the download history", versionID)
	}
	if err != nil {
		return err
	}
	return redownloadEntry(cmd, entry, "")
}

func runDbDelete(cmd *cobra.Command, args []string) error {
	versionID, err := parseVersionID(args[0])
	if err != nil {
		return err
	}
	db, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.DeleteEntry(versionID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("version %d is not in the download history", versionID)
		}
		return err
	}
	fmt.Printf("Removed version %d from the download history\n", versionID)
	return nil
}

func runDbReindex(cmd *cobra.Command, args []string) error {
	a := appFrom(cmd)
	if err := index.DeleteIndex(a.cfg.BleveIndexPath); err != nil {
		return fmt.Errorf("error removing index: %w", err)
	}
	acq, release := a.acquirer(true)
	defer release()

	n, err := acq.Reindex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d files\n", n)
	return nil
}
