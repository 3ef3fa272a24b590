// Package torrent builds BitTorrent metainfo files for downloaded models so
// they can be reseeded.
package torrent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
)

const (
	pieceLength = 512 * 1024
	createdBy   = "go-civitai-models"
	// MagnetSuffix is appended to the torrent's base name for magnet files.
	MagnetSuffix = "-magnet.txt"
)

var ErrNoTrackers = errors.New("at least one announce URL is required")

type Options struct {
	Trackers  []string
	OutputDir string // defaults to the model file's directory
	Overwrite bool
	Magnet    bool
}

type Result struct {
	TorrentPath string
	MagnetLink  string
	Skipped     bool
}

// Generate writes <name>.torrent for the model file at sourcePath and,
// when requested, a magnet link file next to it. An existing torrent is
// left alone unless opts.Overwrite is set.
func Generate(sourcePath string, opts Options) (Result, error) {
	if len(opts.Trackers) == 0 {
		return Result{}, ErrNoTrackers
	}
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}
	if stat.IsDir() {
		return Result{}, fmt.Errorf("source path is a directory: %s", sourcePath)
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(sourcePath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("error creating output directory %s: %w", outDir, err)
	}
	base := strings.TrimSuffix(stat.Name(), filepath.Ext(stat.Name()))
	res := Result{TorrentPath: filepath.Join(outDir, base+".torrent")}
	logger := log.WithField("path", res.TorrentPath)

	if _, err := os.Stat(res.TorrentPath); err == nil {
		if !opts.Overwrite {
			logger.Info("Skipping existing torrent file (use --overwrite to replace)")
			res.Skipped = true
			return res, nil
		}
		logger.Warn("Overwriting existing torrent file")
	}

	mi := metainfo.MetaInfo{
		Announce:     opts.Trackers[0],
		AnnounceList: make([][]string, len(opts.Trackers)),
		CreatedBy:    createdBy,
	}
	for i, tracker := range opts.Trackers {
		mi.AnnounceList[i] = []string{tracker}
	}

	info := metainfo.Info{PieceLength: pieceLength}
	logger.Debug("Hashing pieces")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return Result{}, fmt.Errorf("error building torrent info from %s: %w", sourcePath, err)
	}
	if mi.InfoBytes, err = bencode.Marshal(info); err != nil {
		return Result{}, fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(res.TorrentPath)
	if err != nil {
		return Result{}, fmt.Errorf("error creating torrent file %s: %w", res.TorrentPath, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("error writing torrent file %s: %w", res.TorrentPath, err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("error closing torrent file %s: %w", res.TorrentPath, err)
	}
	logger.Info("Generated torrent file")

	if opts.Magnet {
		res.MagnetLink = magnetURI(mi.HashInfoBytes(), stat.Name(), opts.Trackers)
		magnetPath := filepath.Join(outDir, base+MagnetSuffix)
		if err := os.WriteFile(magnetPath, []byte(res.MagnetLink), 0o644); err != nil {
			// The torrent itself is usable, so only log.
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		}
	}
	return res, nil
}

func magnetURI(hash metainfo.Hash, name string, trackers []string) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + hash.HexString(),
		"dn=" + url.QueryEscape(name),
	}
	for _, tracker := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tracker))
	}
	return strings.Join(parts, "&")
}
