package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/adapter"
	"github.com/placesync/placesync/pkg/api"
	"github.com/placesync/placesync/pkg/utils"
)

const (
	reloadDelay     = 2 * time.Second
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with background sync and the control API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiAddr != "" {
				a.cfg.API.Address = apiAddr
				a.cfg.API.Enabled = true
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "override api.address and enable the API")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := adapter.New(ctx, a.cfg, adapter.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	var server *api.Server
	if a.cfg.API.Enabled {
		sc := api.DefaultServerConfig()
		sc.Address = a.cfg.API.Address
		sc.EnableMetrics = a.cfg.Metrics.Enabled
		server = api.NewServer(sc, engine, a.logger)
		server.StartBackground()
	}

	w := &watcher{app: a, engine: engine, logger: a.logger.Named("watch")}
	go w.run(ctx)

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("API shutdown", zap.Error(err))
		}
	}
	return engine.Stop(shutdownCtx)
}

// watcher applies log level changes from the config file and reloads a
// file-backed L4 bundle when it changes on disk.
type watcher struct {
	app    *app
	engine *adapter.Engine
	logger *zap.Logger
}

func (w *watcher) paths() []string {
	var paths []string
	if w.app.fileUsed != "" {
		paths = append(paths, w.app.fileUsed)
	}
	if l4 := w.app.cfg.Cache.L4; l4.Source == "file" && l4.Path != "" {
		home, _ := os.UserHomeDir()
		paths = append(paths, utils.ExpandHome(l4.Path, home))
	}
	return paths
}

func (w *watcher) run(ctx context.Context) {
	paths := w.paths()
	if len(paths) == 0 {
		return
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create file watcher", zap.Error(err))
		return
	}
	defer fw.Close()

	// Watch directories so editors that replace files by rename keep
	// delivering events.
	watched := make(map[string]bool)
	for _, p := range paths {
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched[dir] = true
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	dirty := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-fw.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) || !w.tracked(paths, e.Name) {
				continue
			}
			dirty[filepath.Clean(e.Name)] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDelay)
		case <-timer.C:
			for p := range dirty {
				w.reload(ctx, p)
			}
			dirty = make(map[string]bool)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *watcher) tracked(paths []string, name string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		if filepath.Clean(p) == name {
			return true
		}
	}
	return false
}

func (w *watcher) reload(ctx context.Context, path string) {
	if path == filepath.Clean(w.app.fileUsed) {
		cfg, _, err := loadConfig(path)
		if err != nil {
			w.logger.Error("failed to reload configuration", zap.Error(err))
			return
		}
		level, err := utils.ParseLevel(cfg.Global.Logging.Level)
		if err != nil {
			w.logger.Error("invalid log level in reloaded configuration", zap.Error(err))
			return
		}
		if level != w.app.level.Level() {
			w.app.level.SetLevel(level)
			w.logger.Info("log level changed", zap.Stringer("level", level))
		}
		return
	}

	if err := w.engine.ReloadBundle(ctx); err != nil {
		w.logger.Error("failed to reload fallback bundle", zap.String("file", path), zap.Error(err))
	}
}
