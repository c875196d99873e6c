package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cdpwire/internal/browser"
)

func (a *App) newTargetsCmd() *cobra.Command {
	var pagesOnly bool
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List browser targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := browser.Connect(cmd.Context(), a.cfg.CDP.Endpoint,
				browser.WithConfig(a.cfg), browser.WithLogger(a.log), browser.WithMetrics(a.metrics))
			if err != nil {
				return err
			}
			defer b.Close()

			targets, err := b.Targets(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tURL\tTITLE")
			for _, t := range targets {
				if pagesOnly && t.Type != "page" {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.URL, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&pagesOnly, "pages", false, "Only list page targets")
	return cmd
}
