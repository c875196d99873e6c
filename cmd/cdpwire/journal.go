package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cdpwire/internal/storage"
	"cdpwire/pkg/model"
)

func (a *App) newJournalCmd() *cobra.Command {
	var (
		limit   int
		session string
		action  string
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded route resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Sqlite.Dsn == "" {
				return errors.New("journal: sqlite.dsn is not configured")
			}
			j, err := storage.Open(a.cfg.Sqlite.Dsn, a.cfg.Sqlite.Prefix, a.log)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), storage.Query{
				Session: session,
				Action:  model.RouteAction(action),
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tSTATUS\tMETHOD\tURL\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%dms\n",
					e.CreatedAt.Format(time.DateTime), e.Action, e.StatusCode, e.Method, e.URL, e.DurationMS)
			}
			return w.Flush()
		},
	}
	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", 20, "Maximum number of records")
	f.StringVar(&session, "session", "", "Only records from this CDP session")
	f.StringVar(&action, "action", "", "Only records with this action: continue, fulfill, abort")
	return cmd
}
