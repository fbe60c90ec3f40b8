package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"eventlake/internal/client"
	"eventlake/internal/mirror"
	"eventlake/internal/mirror/sqlsource"
)

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror source database collections into eventlake",
		Long: `Mirror reads documents changed since the last mirrored entry from a
SQL source and forwards them to an eventlake server, page by page.

The mirror file (YAML) names the source database, the collections to
mirror and, optionally, an access policy and credential to provision.`,
		RunE: runMirror,
	}
	cmd.Flags().String("file", "", "mirror configuration file (default: EVENTLAKE_MIRROR__FILE or <home>/mirror.yaml)")
	cmd.Flags().String("url", "", "eventlake server URL (overrides EVENTLAKE_MIRROR__URL)")
	cmd.Flags().Bool("once", false, "run every collection once and exit")
	cmd.Flags().Bool("skip-provision", false, "do not create collections, policy and credential first")
	return cmd
}

func runMirror(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = e.cfg.Mirror.File
	}
	if path == "" {
		path = e.home.MirrorFile()
	}
	mcfg, err := mirror.LoadConfig(path)
	if err != nil {
		return err
	}
	if mcfg.Source.Driver == "" {
		return fmt.Errorf("%s: source.driver is required", path)
	}
	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		baseURL = e.cfg.Mirror.URL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := sqlsource.Open(ctx, sqlsource.Config{
		Driver:          mcfg.Source.Driver,
		DSN:             mcfg.Source.DSN,
		IDColumn:        mcfg.Source.IDColumn,
		UpdatedAtColumn: mcfg.Source.UpdatedAtColumn,
		DocumentColumn:  mcfg.Source.DocumentColumn,
	})
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	var opts []client.Option
	switch {
	case e.cfg.Mirror.AccessKey != "":
		opts = append(opts, client.WithAccessKey(e.cfg.Mirror.AccessKey))
	case e.cfg.Mirror.Token != "":
		opts = append(opts, client.WithToken(e.cfg.Mirror.Token))
	}
	dst := client.New(baseURL, opts...)
	if err := dst.Ready(ctx); err != nil {
		return fmt.Errorf("server %s: %w", baseURL, err)
	}

	m, err := mirror.New(mcfg, src, dst, e.logger)
	if err != nil {
		return err
	}

	if skip, _ := cmd.Flags().GetBool("skip-provision"); !skip {
		cred, err := m.Provision(ctx)
		if err != nil {
			return err
		}
		if cred != nil && cred.AccessKey != "" {
			// Shown once; the server keeps only a hash.
			fmt.Fprintf(cmd.OutOrStdout(), "access key for credential %s: %s\n", cred.Name, cred.AccessKey)
		}
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		stats, errs := m.RunOnce(ctx)
		printRunStats(cmd, stats, errs)
		return errors.Join(errs...)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	for _, j := range m.Jobs() {
		e.logger.Info("mirror scheduled", "job", j.Name, "interval", j.Interval, "next", j.NextRun)
	}
	<-ctx.Done()
	e.logger.Info("stopping mirror")
	return m.Stop()
}

func printRunStats(cmd *cobra.Command, stats []mirror.RunStats, errs []error) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tSINCE\tMATCHED\tPAGES\tFORWARDED\tHISTORICAL\tSKIPPED\tDURATION\tERROR")
	for i, st := range stats {
		since := "-"
		if st.Since != nil {
			since = st.Since.Format(time.RFC3339)
		}
		msg := ""
		if errs[i] != nil {
			msg = errs[i].Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			st.Collection, since, st.Matched, st.Pages, st.Forwarded, st.Historical, st.Skipped, st.Duration.Round(time.Millisecond), msg)
	}
	_ = w.Flush()
}
