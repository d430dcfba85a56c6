package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/inspect"
)

type listFlags struct {
	jsonOut bool
}

func newListCommand(a *app) *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "ls [root]",
		Short: "List cache files under a directory",
		Long: `List every cache file under root (default: the working directory).

Directories ignored by root/.gitignore are skipped.

Examples:
  stepcache ls
  stepcache ls ./e2e --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			return runList(cmd, a, root, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Output in JSON format")
	return cmd
}

func runList(cmd *cobra.Command, a *app, root string, flags *listFlags) error {
	files, err := inspect.Scan(a.fs, root, a.cfg.Cache.DirName)
	if err != nil {
		return err
	}

	var summaries []*inspect.Summary
	for _, f := range files {
		s, err := inspect.Summarize(a.fs, f)
		if err != nil {
			a.logger.Warn().Err(err).Str("file", f).Msg("skipping unreadable cache file")
			continue
		}
		summaries = append(summaries, s)
	}

	out := cmd.OutOrStdout()
	if flags.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No cache files found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tKEYS\tENTRIES\tLEGACY\tNEWEST")
	for _, s := range summaries {
		newest := "-"
		if !s.Newest.IsZero() {
			newest = s.Newest.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", s.Path, s.Keys, s.Entries, s.Legacy, newest)
	}
	return w.Flush()
}
