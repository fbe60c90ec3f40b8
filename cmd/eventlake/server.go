package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"eventlake/internal/access"
	"eventlake/internal/analytics"
	"eventlake/internal/auth"
	"eventlake/internal/cert"
	"eventlake/internal/ingest"
	"eventlake/internal/server"
	"eventlake/internal/worker"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API: ingestion, batch and collection management, access
policies and analytics queries.

With the in-memory broker the indexing worker always runs in the same
process, since nothing else can consume its topic.`,
		RunE: runServer,
	}
	cmd.Flags().String("addr", "", "listen address (overrides EVENTLAKE_SERVER__ADDR)")
	cmd.Flags().Bool("worker", false, "also run an indexing worker in this process")
	cmd.Flags().Bool("no-auth", false, "treat every request as an admin (development only)")
	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		e.cfg.Server.Addr = addr
	}
	noAuth, _ := cmd.Flags().GetBool("no-auth")
	noAuth = noAuth || e.cfg.Auth.Disabled
	inProcess, _ := cmd.Flags().GetBool("worker")
	inProcess = inProcess || e.cfg.Broker.Type == "memory"

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := buildFactories()
	store, err := e.openCatalog()
	if err != nil {
		return err
	}
	var closers []io.Closer
	closers = append(closers, store)
	defer func() { e.closeAll(closers...) }()

	archiver, archiveCloser, err := e.openArchive(ctx, f)
	if err != nil {
		return err
	}
	closers = append(closers, archiveCloser)
	b, err := e.openBroker(ctx, f)
	if err != nil {
		return err
	}
	closers = append(closers, b)
	ix, err := e.openSearch(f)
	if err != nil {
		return err
	}
	closers = append(closers, ix)

	tokens, err := e.tokenService()
	if err != nil {
		return err
	}
	resolver := access.NewResolver(store, e.logger)

	srvCfg := server.Config{
		Store: store,
		Ingest: ingest.New(ingest.Config{
			Store:            store,
			Archiver:         archiver,
			Publisher:        b,
			Topic:            e.cfg.Ingest.Topic,
			Index:            ix,
			IndexPrefix:      e.cfg.Ingest.IndexPrefix,
			PublishChunkSize: e.cfg.Ingest.ChunkSize,
			PublishAttempts:  e.cfg.Ingest.Attempts,
			Logger:           e.logger,
		}),
		Analytics: analytics.NewService(analytics.Config{
			Collections: store,
			Scopes:      resolver,
			Index:       ix,
			IndexPrefix: e.cfg.Ingest.IndexPrefix,
			DefaultSize: e.cfg.Query.DefaultSize,
			MaxSize:     e.cfg.Query.MaxSize,
			Logger:      e.logger,
		}),
		Access: resolver,
		Auth: auth.NewAuthenticator(auth.AuthenticatorConfig{
			Tokens:      tokens,
			Credentials: store,
			Public:      server.PublicPaths,
			NoAuth:      noAuth,
			Logger:      e.logger,
		}),
		MaxBodyBytes: e.cfg.Server.MaxBodyBytes,
		IngestRate:   rate.Limit(e.cfg.Server.IngestRate),
		IngestBurst:  e.cfg.Server.IngestBurst,
		Index:        ix,
		Ready: func(ctx context.Context) error {
			_, err := ix.ClusterStats(ctx)
			return err
		},
		Logger: e.logger,
	}
	if noAuth {
		e.logger.Warn("authentication disabled")
	}

	if e.cfg.Server.TLSCert != "" {
		cm, err := cert.Load(e.cfg.Server.TLSCert, e.cfg.Server.TLSKey, e.logger)
		if err != nil {
			return err
		}
		if err := cm.Watch(); err != nil {
			_ = cm.Close()
			return err
		}
		closers = append(closers, cm)
		srvCfg.TLS = cm.TLSConfig()
	}
	srv := server.New(srvCfg)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	if inProcess {
		w := worker.New(e.workerConfig(b, ix, store))
		wg.Go(func() {
			if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("worker: %w", err)
			}
		})
	}
	wg.Go(func() {
		if err := srv.ServeTCP(e.cfg.Server.Addr); err != nil {
			errCh <- fmt.Errorf("server: %w", err)
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
		e.logger.Info("shutting down")
	case runErr = <-errCh:
		e.logger.Error("stopping after failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		e.logger.Warn("server stop", "error", err)
	}
	stopWorker()
	wg.Wait()
	return runErr
}
