package cmd

import (
	"context"
	"net/http"

	"go-civitai-models/index"
	"go-civitai-models/internal/acquisition"
	"go-civitai-models/internal/api"
	"go-civitai-models/internal/database"
	"go-civitai-models/internal/downloader"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app is the per-invocation state built by loadConfig and handed to
// commands through the command context.
type app struct {
	cfg       models.Config
	transport http.RoundTripper
	apiLog    *api.LoggingTransport
	client    *api.Client
}

type appKey struct{}

func withApp(ctx context.Context, a *app) context.Context {
	return context.WithValue(ctx, appKey{}, a)
}

func appFrom(cmd *cobra.Command) *app {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a, ok := ctx.Value(appKey{}).(*app); ok {
		return a
	}
	// Commands executed without Execute, e.g. in tests.
	a := &app{}
	cmd.SetContext(withApp(ctx, a))
	return a
}

func (a *app) close() {
	if a.apiLog != nil {
		if err := a.apiLog.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
}

func (a *app) downloader() *downloader.Downloader {
	return downloader.NewDownloader(a.cfg, api.NewTransferHTTPClient(a.cfg, a.transport), a.client)
}

// acquirer builds the orchestrator. With stores, the history database and
// search index are opened too; either failing only disables that store.
// The returned func releases them.
func (a *app) acquirer(withStores bool) (*acquisition.Acquirer, func()) {
	deps := acquisition.Deps{Catalog: a.client, Transfer: a.downloader()}
	var closers []func() error
	if withStores {
		if db, err := database.Open(a.cfg.DatabasePath); err != nil {
			log.WithError(err).Warn("Download history disabled")
		} else {
			deps.History = db
			closers = append(closers, db.Close)
		}
		if idx, err := index.OpenOrCreateIndex(a.cfg.BleveIndexPath); err != nil {
			log.WithError(err).Warn("Search index disabled")
		} else {
			deps.Index = idx
			closers = append(closers, idx.Close)
		}
	}
	return acquisition.New(a.cfg, deps), func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.WithError(err).Warn("Error closing store")
			}
		}
	}
}
