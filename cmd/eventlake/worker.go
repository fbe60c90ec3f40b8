package main

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"eventlake/internal/broker"
	"eventlake/internal/catalog"
	"eventlake/internal/search"
	"eventlake/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the event topic and index into the search engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if e.cfg.Broker.Type == "memory" {
				return errors.New("a standalone worker needs a shared broker; set EVENTLAKE_BROKER__TYPE=kafka")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			f := buildFactories()
			store, err := e.openCatalog()
			if err != nil {
				return err
			}
			closers := []io.Closer{store}
			defer func() { e.closeAll(closers...) }()

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

			err = worker.New(e.workerConfig(b, ix, store)).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (e *env) workerConfig(sub broker.Subscriber, ix search.Index, store catalog.Store) worker.Config {
	return worker.Config{
		Subscriber:    sub,
		Subscription:  e.subscription(),
		Index:         ix,
		IndexPrefix:   e.cfg.Ingest.IndexPrefix,
		Collections:   store,
		Batches:       store,
		MaxBuffered:   e.cfg.Worker.MaxBuffered,
		FlushInterval: e.cfg.Worker.FlushInterval,
		AckDeadline:   e.cfg.Worker.AckDeadline,
		Refresh:       e.cfg.Worker.Refresh,
		Logger:        e.logger,
	}
}
