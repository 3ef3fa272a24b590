package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-models/internal/torrent"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *"+torrent.MagnetSuffix+" files")
}

var cleanCmd = &cobra.Command{
	Use:   "clean [PATH]",
	Short: "Remove leftover temporary files from the download directory",
	Long: `Recursively scans PATH (default the download path) and removes files ending
in .tmp, left behind by interrupted sidecar writes. Optionally removes
*.torrent and *-magnet.txt files as well. Partial model downloads are kept
so they can be resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

// cleanKind returns the suffix a file is removed for, or "" to keep it.
func cleanKind(name string, torrents, magnets bool) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tmp"):
		return ".tmp"
	case torrents && strings.HasSuffix(lower, ".torrent"):
		return ".torrent"
	case magnets && strings.HasSuffix(lower, torrent.MagnetSuffix):
		return torrent.MagnetSuffix
	}
	return ""
}

func runClean(cmd *cobra.Command, args []string) error {
	root := appFrom(cmd).cfg.DownloadPath
	if len(args) > 0 {
		root = args[0]
	}
	torrents, _ := cmd.Flags().GetBool("torrents")
	magnets, _ := cmd.Flags().GetBool("magnets")

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("error accessing %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", root)
	}
	log.Infof("Scanning for leftover files in %s", root)

	removed := make(map[string]int)
	failed := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		kind := cleanKind(d.Name(), torrents, magnets)
		if kind == "" {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
			failed++
			return nil
		}
		log.Infof("Removed %s file: %s", kind, path)
		removed[kind]++
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", root, walkErr)
	}

	var parts []string
	for _, kind := range []string{".tmp", ".torrent", torrent.MagnetSuffix} {
		if n := removed[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s file(s)", n, kind))
		}
	}
	summary := "0 files"
	if len(parts) > 0 {
		summary = strings.Join(parts, ", ")
	}
	fmt.Printf("Clean complete. Removed: %s\n", summary)

	if failed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", failed)
	}
	return walkErr
}
