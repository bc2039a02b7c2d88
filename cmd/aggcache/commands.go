package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryhazerus/aggcache"
)

func newGetCmd(a *app) *cobra.Command {
	var (
		q   aggcache.QuerySpec
		ttl string
	)

	cmd := &cobra.Command{
		Use:   "get VIEW",
		Short: "Read one aggregate and print its rows as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newServices(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			q.View = args[0]
			class := rt.engine.DefaultClass(q)
			if ttl != "" {
				if class, err = aggcache.ParseTTLClass(ttl); err != nil {
					return err
				}
			}

			rows, err := rt.engine.GetAggregate(ctx, q, class)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.ClientID, "client", "", "client ID (required)")
	f.StringVar((*string)(&q.Platform), "platform", string(aggcache.PlatformAll), "platform, or all")
	f.StringVar((*string)(&q.Period), "period", string(aggcache.Today), "today, yesterday, 7days, 30days, 90days or custom_range")
	f.StringVar(&q.Start, "start", "", "first day of a custom range (YYYY-MM-DD)")
	f.StringVar(&q.End, "end", "", "last day of a custom range (YYYY-MM-DD)")
	f.StringSliceVar(&q.Filters, "filters", nil, "account IDs to restrict the aggregate to")
	f.StringVar(&ttl, "ttl", "", "cache class: short, medium, long or uncached (default depends on the query)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild every precomputed aggregate once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.newServices(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			report := rt.engine.RefreshAll(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tSTATUS\tLAST REFRESHED\tERROR")
			for _, t := range report.Targets {
				last := "-"
				if t.LastRefreshedAt != nil {
					last = t.LastRefreshedAt.Format(time.RFC3339)
				}
				msg := ""
				if t.Err != nil {
					msg = t.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Status, last, msg)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "took %dms, simulated=%t\n", report.DurationMs(), report.Simulated)

			if !report.OverallSuccess {
				return errors.New("refresh: one or more targets failed")
			}
			return nil
		},
	}
}

func newInvalidateCmd(a *app) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "invalidate [PATTERN]",
		Short: "Drop cached aggregates matching a key pattern or belonging to a client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (clientID == "") {
				return errors.New("invalidate: give either a PATTERN or --client")
			}

			ctx := cmd.Context()
			rt, err := a.newServices(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			var n int
			if clientID != "" {
				n, err = rt.engine.InvalidateClient(ctx, clientID)
			} else {
				n, err = rt.engine.Invalidate(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d keys\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "invalidate every view cached for this client")
	return cmd
}
