package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"eventlake/internal/chatterbox"
	"eventlake/internal/client"
	"eventlake/internal/ingest"
)

func newLoadgenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Send synthetic events to a server",
		Long: `Loadgen generates synthetic events (requests, errors, orders, metrics and
audit records) and sends them in batches at random intervals.

Generator parameters are passed as --param key=value, for example
--param batchSize=200 --param formats=request,error --param seed=1.`,
		RunE: runLoadgen,
	}
	cmd.Flags().String("url", "", "eventlake server URL (default: EVENTLAKE_MIRROR__URL)")
	cmd.Flags().String("token", "", "bearer token (default: EVENTLAKE_MIRROR__TOKEN)")
	cmd.Flags().String("collection", "loadgen", "destination collection")
	cmd.Flags().Int64("count", 0, "stop after this many events (0 runs until interrupted)")
	cmd.Flags().Bool("provision", true, "create the collection first")
	cmd.Flags().StringArray("param", nil, "generator parameter key=value (repeatable)")
	return cmd
}

func runLoadgen(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	params := make(map[string]string)
	raw, _ := cmd.Flags().GetStringArray("param")
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		params[k] = v
	}
	gen, err := chatterbox.New(params, e.logger)
	if err != nil {
		return err
	}

	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		baseURL = e.cfg.Mirror.URL
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = e.cfg.Mirror.Token
	}
	c := client.New(baseURL, client.WithToken(token))
	collection, _ := cmd.Flags().GetString("collection")
	limit, _ := cmd.Flags().GetInt64("count")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if provision, _ := cmd.Flags().GetBool("provision"); provision {
		if _, err := c.ProvisionCollection(ctx, ingest.CollectionSpec{
			Name:        collection,
			Description: "synthetic events",
			TimeField:   "occurredAt",
		}); err != nil {
			return fmt.Errorf("provision %s: %w", collection, err)
		}
	}

	err = gen.Run(ctx, c, collection, limit)
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d events to %s\n", gen.Sent(), collection)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
