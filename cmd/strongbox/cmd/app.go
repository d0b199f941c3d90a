package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/strongbox/auth"
	"github.com/jmcleod/strongbox/files"
	"github.com/jmcleod/strongbox/gateway"
	"github.com/jmcleod/strongbox/internal/config"
	"github.com/jmcleod/strongbox/internal/logger"
	"github.com/jmcleod/strongbox/session"
	bboltstorage "github.com/jmcleod/strongbox/storage/bbolt"
)

// app is the client stack shared by every command that talks to the API.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	repo    *bboltstorage.Store
	store   *session.Store
	gw      *gateway.Gateway
	auth    *auth.Machine
	files   *files.Service
	catalog *files.Catalog
}

func openApp(cmd *cobra.Command, opts ...files.Option) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	key, err := cfg.SessionKeyBytes()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.SessionPath(), &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %w", err)
	}

	store, err := session.NewPersistent(repo, key, session.WithLogger(log.Logger))
	if err != nil {
		repo.Close()
		return nil, err
	}
	gw, err := gateway.New(cfg.BaseURL, store,
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		gateway.WithRefreshTimeout(cfg.RefreshTimeout),
		gateway.WithLogger(log.Logger),
	)
	if err != nil {
		store.Close()
		repo.Close()
		return nil, err
	}
	catalog, err := files.NewCatalog(repo, key)
	if err != nil {
		store.Close()
		repo.Close()
		return nil, err
	}

	fileOpts := append([]files.Option{
		files.WithMaxSize(cfg.MaxUploadBytes),
		files.WithLogger(log.Logger),
	}, opts...)
	return &app{
		cfg:     cfg,
		log:     log,
		repo:    repo,
		store:   store,
		gw:      gw,
		auth:    auth.New(gw, store, auth.WithLogger(log.Logger)),
		files:   files.New(gw, fileOpts...),
		catalog: catalog,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	if err := a.repo.Close(); err != nil {
		a.log.Warn("closing local state", "error", err)
	}
}

// withApp opens the client stack around fn.
func withApp(cmd *cobra.Command, fn func(a *app) error, opts ...files.Option) error {
	a, err := openApp(cmd, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
