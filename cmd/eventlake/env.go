package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"eventlake/internal/archive"
	archiveazure "eventlake/internal/archive/azure"
	archivefile "eventlake/internal/archive/file"
	archivegcs "eventlake/internal/archive/gcs"
	archives3 "eventlake/internal/archive/s3"
	"eventlake/internal/auth"
	"eventlake/internal/broker"
	"eventlake/internal/broker/kafka"
	brokermem "eventlake/internal/broker/memory"
	"eventlake/internal/catalog"
	catmem "eventlake/internal/catalog/memory"
	catsqlite "eventlake/internal/catalog/sqlite"
	"eventlake/internal/config"
	"eventlake/internal/home"
	"eventlake/internal/search"
	"eventlake/internal/search/elastic"
	searchmem "eventlake/internal/search/memory"
)

// env is what every long-running command starts from.
type env struct {
	cfg      config.Config
	home     home.Dir
	logger   *slog.Logger
	instance string
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	files, _ := cmd.Flags().GetStringSlice("env-file")
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	if h, _ := cmd.Flags().GetString("home"); h != "" {
		cfg.Home = h
	}
	hd, err := home.Resolve(cfg.Home)
	if err != nil {
		return nil, err
	}
	if err := hd.EnsureExists(); err != nil {
		return nil, err
	}
	logger, _ := cfg.Log.Logger(os.Stderr)

	instance, err := hd.InstanceID()
	if err != nil {
		return nil, err
	}
	logger = logger.With("instance", instance)
	logger.Info("home directory", "path", hd.Root())
	return &env{cfg: cfg, home: hd, logger: logger, instance: instance}, nil
}

// factories lists the implementations selectable by Backend.Type.
type factories struct {
	Archive map[string]archive.Factory
	Broker  map[string]broker.Factory
	Search  map[string]search.Factory
}

func buildFactories() factories {
	return factories{
		Archive: map[string]archive.Factory{
			"file":  archivefile.NewFactory(),
			"s3":    archives3.NewFactory(),
			"gcs":   archivegcs.NewFactory(),
			"azure": archiveazure.NewFactory(),
		},
		Broker: map[string]broker.Factory{
			"memory": brokermem.NewFactory(),
			"kafka":  kafka.NewFactory(),
		},
		Search: map[string]search.Factory{
			"memory":  searchmem.NewFactory(),
			"elastic": elastic.NewFactory(),
		},
	}
}

func unknownType(kind, typ string, known []string) error {
	slices.Sort(known)
	return fmt.Errorf("unknown %s type %q (known: %v)", kind, typ, known)
}

func (e *env) openCatalog() (catalog.Store, error) {
	switch e.cfg.Catalog.Type {
	case "memory":
		return catmem.NewStore(), nil
	case "sqlite":
		path := e.cfg.Catalog.Params["path"]
		if path == "" {
			path = e.home.CatalogPath()
		}
		s, err := catsqlite.NewStore(path)
		if err != nil {
			return nil, fmt.Errorf("open catalog %s: %w", path, err)
		}
		e.logger.Info("catalog opened", "type", "sqlite", "path", path)
		return s, nil
	}
	return nil, unknownType("catalog", e.cfg.Catalog.Type, []string{"memory", "sqlite"})
}

func (e *env) openArchive(ctx context.Context, f factories) (*archive.Archiver, io.Closer, error) {
	typ := e.cfg.Archive.Type
	factory, ok := f.Archive[typ]
	if !ok {
		return nil, nil, unknownType("archive", typ, slices.Collect(maps.Keys(f.Archive)))
	}
	params := maps.Clone(e.cfg.Archive.Params)
	if params == nil {
		params = make(map[string]string)
	}
	if typ == "file" && params["dir"] == "" {
		params["dir"] = e.home.ArchiveDir()
	}
	backend, err := factory(ctx, params, e.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s archive: %w", typ, err)
	}
	closer, _ := backend.(io.Closer)
	return archive.New(archive.Config{Backend: backend, Compress: params["compress"] != "false", Logger: e.logger}), closer, nil
}

func (e *env) openBroker(ctx context.Context, f factories) (broker.Broker, error) {
	typ := e.cfg.Broker.Type
	factory, ok := f.Broker[typ]
	if !ok {
		return nil, unknownType("broker", typ, slices.Collect(maps.Keys(f.Broker)))
	}
	b, err := factory(e.cfg.Broker.Params, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s broker: %w", typ, err)
	}
	sub := e.subscription()
	if err := b.EnsureTopic(ctx, sub.Topic); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ensure topic %s: %w", sub.Topic, err)
	}
	if err := b.EnsureSubscription(ctx, sub); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ensure subscription %s: %w", sub.Name, err)
	}
	return b, nil
}

func (e *env) subscription() broker.Subscription {
	return broker.Subscription{Topic: e.cfg.Ingest.Topic, Name: e.cfg.Worker.Subscription}
}

func (e *env) openSearch(f factories) (search.Index, error) {
	typ := e.cfg.Search.Type
	factory, ok := f.Search[typ]
	if !ok {
		return nil, unknownType("search", typ, slices.Collect(maps.Keys(f.Search)))
	}
	ix, err := factory(e.cfg.Search.Params, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s search index: %w", typ, err)
	}
	return ix, nil
}

func (e *env) tokenService() (*auth.TokenService, error) {
	secret := []byte(e.cfg.Auth.Secret)
	if len(secret) == 0 {
		var err error
		if secret, err = e.home.TokenSecret(); err != nil {
			return nil, err
		}
	}
	return auth.NewTokenService(secret, e.cfg.Auth.TokenTTL), nil
}

// closeAll closes in reverse order, logging failures.
func (e *env) closeAll(closers ...io.Closer) {
	for _, c := range slices.Backward(closers) {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

// shutdownTimeout bounds graceful stops after a signal.
const shutdownTimeout = 30 * time.Second
