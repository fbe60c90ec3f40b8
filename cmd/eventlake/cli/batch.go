package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batch",
		Aliases: []string{"batches"},
		Short:   "Inspect and delete ingestion batches",
	}
	cmd.AddCommand(
		newBatchListCmd(),
		newBatchGetCmd(),
		newBatchEventsCmd(),
		newBatchDeleteCmd(),
	)
	return cmd
}

func parseBatchID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	return id, nil
}

func newBatchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			coll, _ := cmd.Flags().GetString("collection")
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			list, err := clientFromCmd(cmd).Batches(cmd.Context(), coll, offset, limit)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(list)
			}
			var rows [][]string
			for _, b := range list.Items {
				rows = append(rows, []string{
					b.ID.String(),
					b.CollectionID.String(),
					formatTime(&b.IngestedAt),
					strconv.Itoa(b.NumEvents),
					strconv.FormatInt(b.SizeBytes, 10),
					b.ArchiveURL,
				})
			}
			p.table([]string{"ID", "COLLECTION", "INGESTED", "EVENTS", "BYTES", "ARCHIVE"}, rows)
			return nil
		},
	}
	cmd.Flags().String("collection", "", "only batches of this collection (name or id)")
	cmd.Flags().Int("offset", 0, "skip this many batches")
	cmd.Flags().Int("limit", 50, "maximum batches to list")
	return cmd
}

func newBatchGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get batch details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			b, err := clientFromCmd(cmd).Batch(cmd.Context(), id)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(b)
			}
			p.kv([][2]string{
				{"ID", b.ID.String()},
				{"Collection", b.CollectionID.String()},
				{"Ingested", formatTime(&b.IngestedAt)},
				{"Events", strconv.Itoa(b.NumEvents)},
				{"Occurred from", formatTime(&b.MinOccurredAt)},
				{"Occurred to", formatTime(&b.MaxOccurredAt)},
				{"Size", strconv.FormatInt(b.SizeBytes, 10)},
				{"Hash", b.Hash},
				{"Archive", b.ArchiveURL},
				{"Deleted", formatTime(b.DeletedAt)},
			})
			return nil
		},
	}
}

func newBatchEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Print a batch's archived events as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			events, err := clientFromCmd(cmd).BatchEvents(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newBatchDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a batch and its indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			hard, _ := cmd.Flags().GetBool("hard")
			res, err := clientFromCmd(cmd).DeleteBatch(cmd.Context(), id, hard)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted batch %s (%d documents)\n", res.ID, res.DeletedDocuments)
			return nil
		},
	}
	cmd.Flags().Bool("hard", false, "remove the ledger record instead of marking it deleted")
	return cmd
}
