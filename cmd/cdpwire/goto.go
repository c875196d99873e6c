package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cdpwire/internal/browser"
	"cdpwire/internal/route"
	"cdpwire/internal/rules"
	"cdpwire/internal/storage"
	"cdpwire/pkg/model"
)

type gotoOptions struct {
	wait      string
	timeout   time.Duration
	blocks    []string
	rulesFile string
}

func (a *App) newGotoCmd() *cobra.Command {
	opts := &gotoOptions{}
	cmd := &cobra.Command{
		Use:   "goto <url>",
		Short: "Open a new page, navigate and wait for a load state",
		Long: `Open a new page in the default browser context, navigate to <url> and wait
until the requested load state is reached.

Examples:
  # Wait for network idle while blocking images
  cdpwire goto https://example.com --wait networkidle --block '**/*.png' --block '**/*.jpg'

  # Apply a rule file to every request
  cdpwire goto https://example.com --rules rules.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGoto(cmd.Context(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.wait, "wait", "load", "Load state to wait for: commit, domcontentloaded, load, networkidle")
	f.DurationVar(&opts.timeout, "timeout", 0, "Navigation timeout (default from config)")
	f.StringArrayVar(&opts.blocks, "block", nil, "Abort requests matching this glob (repeatable)")
	f.StringVar(&opts.rulesFile, "rules", "", "YAML rule file applied to the browser context")
	return cmd
}

func (a *App) runGoto(ctx context.Context, url string, opts *gotoOptions) error {
	state, err := model.ParseLoadState(opts.wait)
	if err != nil {
		return err
	}
	rulesFile := opts.rulesFile
	if rulesFile == "" {
		rulesFile = a.cfg.Rules.File
	}
	var rs *rules.RuleSet
	if rulesFile != "" {
		if rs, err = rules.Load(rulesFile); err != nil {
			return err
		}
	}

	bopts := []browser.Option{browser.WithConfig(a.cfg), browser.WithLogger(a.log), browser.WithMetrics(a.metrics)}
	if a.cfg.Sqlite.Dsn != "" {
		j, err := storage.Open(a.cfg.Sqlite.Dsn, a.cfg.Sqlite.Prefix, a.log)
		if err != nil {
			return err
		}
		defer j.Close()
		bopts = append(bopts, browser.WithRecorder(j))
	}

	b, err := browser.Connect(ctx, a.cfg.CDP.Endpoint, bopts...)
	if err != nil {
		return err
	}
	defer b.Close()

	bc := b.DefaultContext()
	if rs != nil {
		if err := rules.New(bc.Routes(), a.log).Install(ctx, rs); err != nil {
			return err
		}
	}
	page, err := bc.NewPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close(context.Background())

	for _, pattern := range opts.blocks {
		_, err := page.Route(ctx, pattern, route.HandlerFunc(func(ctx context.Context, r *route.Route) error {
			return r.Abort(ctx, "blockedbyclient")
		}))
		if err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := page.Goto(ctx, url, browser.GotoOptions{WaitUntil: state, Timeout: opts.timeout})
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Fprintf(a.stdout, "%s\t(same document)\t%s\n", url, state)
		return nil
	}
	fmt.Fprintf(a.stdout, "%s\t%d %s\t%s in %s\n", resp.URL, resp.Status, resp.StatusText, state, time.Since(start).Round(time.Millisecond))
	return nil
}
