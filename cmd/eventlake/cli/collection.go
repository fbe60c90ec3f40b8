package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"eventlake/internal/catalog"
	"eventlake/internal/ingest"
)

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"collections", "coll"},
		Short:   "Manage collections",
	}
	cmd.AddCommand(
		newCollectionListCmd(),
		newCollectionGetCmd(),
		newCollectionCreateCmd(),
		newCollectionRenameCmd(),
		newCollectionDeleteCmd(),
	)
	return cmd
}

func newCollectionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			list, err := clientFromCmd(cmd).Collections(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(list)
			}
			var rows [][]string
			for _, c := range list.Items {
				rows = append(rows, []string{c.ID.String(), c.Name, c.TimeField, formatTime(c.LastEntryAt)})
			}
			p.table([]string{"ID", "NAME", "TIME FIELD", "LAST ENTRY"}, rows)
			return nil
		},
	}
	cmd.Flags().Int("offset", 0, "skip this many collections")
	cmd.Flags().Int("limit", 100, "maximum collections to list")
	return cmd
}

func printCollection(p *printer, c *catalog.Collection) error {
	if p.isJSON() {
		return p.json(c)
	}
	p.kv([][2]string{
		{"ID", c.ID.String()},
		{"Name", c.Name},
		{"Description", c.Description},
		{"Time field", c.TimeField},
		{"Last entry", formatTime(c.LastEntryAt)},
		{"Created", formatTime(&c.CreatedAt)},
		{"Deleted", formatTime(c.DeletedAt)},
	})
	return nil
}

func newCollectionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name-or-id>",
		Short: "Get collection details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd).Collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCollection(newPrinter(cmd), c)
		},
	}
}

func newCollectionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create or update a collection by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _ := cmd.Flags().GetString("description")
			timeField, _ := cmd.Flags().GetString("time-field")
			c, err := clientFromCmd(cmd).ProvisionCollection(cmd.Context(), ingest.CollectionSpec{
				Name:        args[0],
				Description: desc,
				TimeField:   timeField,
			})
			if err != nil {
				return err
			}
			return printCollection(newPrinter(cmd), c)
		},
	}
	cmd.Flags().String("description", "", "collection description")
	cmd.Flags().String("time-field", "", "payload field mapped as the event date")
	return cmd
}

func newCollectionRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name-or-id> <new-name>",
		Short: "Rename a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromCmd(cmd).RenameCollection(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Renamed collection %s to %q\n", c.ID, c.Name)
			return nil
		},
	}
}

func newCollectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name-or-id>",
		Short: "Delete a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hard, _ := cmd.Flags().GetBool("hard")
			if err := clientFromCmd(cmd).DeleteCollection(cmd.Context(), args[0], hard); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted collection %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("hard", false, "remove the record and its index instead of marking it deleted")
	return cmd
}
