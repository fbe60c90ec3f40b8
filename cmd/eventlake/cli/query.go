package cli

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"eventlake/internal/analytics"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <kind> <collection>",
		Short: "Run an analytics query",
		Long: `Query runs one of terms, time-series, stats, cardinality or search
against a collection. Flags cover common cases; --file supplies a complete
request (filter and aggregation) as YAML or JSON.

Search results and --dry-run always print JSON.`,
		Args: cobra.ExactArgs(2),
		RunE: runQuery,
	}
	cmd.Flags().StringP("file", "f", "", "request file, or - for stdin")
	cmd.Flags().String("q", "", "query string filter")
	cmd.Flags().String("min-timestamp", "", "only events ingested at or after this time")
	cmd.Flags().Int("size", -1, "page size (search) or bucket count (terms)")
	cmd.Flags().String("field", "", "terms field")
	cmd.Flags().StringSlice("fields", nil, "stats or cardinality fields")
	cmd.Flags().String("interval", "", "time-series fixed interval, e.g. 1h")
	cmd.Flags().String("date-field", "", "time-series date field")
	cmd.Flags().String("value-field", "", "metric field for terms ordering or time-series buckets")
	cmd.Flags().String("op", "", "metric operation: sum, avg, min, max, value_count, cardinality")
	cmd.Flags().Bool("dry-run", false, "print the search engine query instead of running it")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	kind, err := analytics.ParseKind(args[0])
	if err != nil {
		return err
	}
	var req analytics.Request
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		if err := readDocument(cmd, path, &req); err != nil {
			return err
		}
	}
	req.Collection = args[1]
	req.Aggregation.Kind = kind
	applyQueryFlags(cmd, &req)

	resp, err := clientFromCmd(cmd).Query(cmd.Context(), kind, req)
	if err != nil {
		return err
	}
	p := newPrinter(cmd)
	if p.isJSON() || req.DryRun || kind == analytics.KindSearch {
		return p.json(resp)
	}
	printResponse(p, resp)
	return nil
}

// applyQueryFlags overlays explicitly set flags on req.
func applyQueryFlags(cmd *cobra.Command, req *analytics.Request) {
	f := cmd.Flags()
	if f.Changed("q") {
		req.Filter.Q, _ = f.GetString("q")
	}
	if f.Changed("min-timestamp") {
		req.Filter.MinTimestamp, _ = f.GetString("min-timestamp")
	}
	if f.Changed("size") {
		n, _ := f.GetInt("size")
		if req.Aggregation.Kind == analytics.KindTerms {
			req.Aggregation.Size = n
		} else {
			req.Filter.Size = &n
		}
	}
	if f.Changed("field") {
		req.Aggregation.Field, _ = f.GetString("field")
	}
	if f.Changed("fields") {
		req.Aggregation.Fields, _ = f.GetStringSlice("fields")
	}
	if f.Changed("interval") {
		req.Aggregation.Interval, _ = f.GetString("interval")
	}
	if f.Changed("date-field") {
		req.Aggregation.DateField, _ = f.GetString("date-field")
	}
	if f.Changed("value-field") {
		req.Aggregation.ValueField, _ = f.GetString("value-field")
	}
	if f.Changed("op") {
		req.Aggregation.Op, _ = f.GetString("op")
	}
	if f.Changed("dry-run") {
		req.DryRun, _ = f.GetBool("dry-run")
	}
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func printResponse(p *printer, resp *analytics.Response) {
	var rows [][]string
	switch {
	case resp.Terms != nil:
		for _, b := range resp.Terms.Buckets {
			rows = append(rows, []string{fmt.Sprint(b.Key), strconv.FormatInt(b.Count, 10), formatValue(b.Value)})
		}
		rows = append(rows, []string{"(other)", strconv.FormatInt(resp.Terms.Other, 10), "-"})
		p.table([]string{"KEY", "COUNT", "VALUE"}, rows)
	case resp.TimeSeries != nil:
		for _, b := range resp.TimeSeries.Buckets {
			rows = append(rows, []string{b.Time.UTC().Format(time.RFC3339), strconv.FormatInt(b.Count, 10), formatValue(b.Value)})
		}
		p.table([]string{"TIME", "COUNT", "VALUE"}, rows)
	case resp.Stats != nil:
		for _, field := range slices.Sorted(maps.Keys(resp.Stats)) {
			s := resp.Stats[field]
			rows = append(rows, []string{field, strconv.FormatInt(s.Count, 10),
				formatValue(s.Min), formatValue(s.Max), formatValue(s.Avg), strconv.FormatFloat(s.Sum, 'f', -1, 64)})
		}
		p.table([]string{"FIELD", "COUNT", "MIN", "MAX", "AVG", "SUM"}, rows)
	case resp.Cardinality != nil:
		for _, field := range slices.Sorted(maps.Keys(resp.Cardinality)) {
			rows = append(rows, []string{field, strconv.FormatInt(resp.Cardinality[field], 10)})
		}
		p.table([]string{"FIELD", "DISTINCT"}, rows)
	}
}
