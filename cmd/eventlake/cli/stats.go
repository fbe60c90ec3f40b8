package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server process and search engine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := clientFromCmd(cmd).Stats(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			if p.isJSON() {
				return p.json(st)
			}
			pairs := [][2]string{
				{"Started", formatTime(&st.StartedAt)},
				{"Uptime", st.Uptime},
				{"CPU", fmt.Sprintf("%.1f%%", st.CPUPercent)},
				{"Memory in use", strconv.FormatInt(st.Memory.Inuse, 10)},
				{"Memory from OS", strconv.FormatInt(st.Memory.Sys, 10)},
				{"Goroutines", strconv.Itoa(st.Memory.Goroutines)},
			}
			switch {
			case st.Search != nil:
				pairs = append(pairs,
					[2]string{"Search status", st.Search.Status},
					[2]string{"Search indices", strconv.Itoa(st.Search.Indices)},
					[2]string{"Search documents", strconv.FormatInt(st.Search.Docs, 10)})
			case st.SearchError != "":
				pairs = append(pairs, [2]string{"Search error", st.SearchError})
			}
			p.kv(pairs)
			return nil
		},
	}
}
