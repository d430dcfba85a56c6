package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/inspect"
)

type inspectFlags struct {
	prefix string
}

func newInspectCommand(a *app) *cobra.Command {
	flags := &inspectFlags{}

	cmd := &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Show the steps cached in one or more files",
		Long: `Summarize cache files and list their step identifiers.

Examples:
  stepcache inspect e2e/.stepcache/login.json
  stepcache inspect e2e/.stepcache/*.json --prefix "tap "`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, a, args, flags)
		},
	}

	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "Only list identifiers starting with this text")
	return cmd
}

func runInspect(cmd *cobra.Command, a *app, files []string, flags *inspectFlags) error {
	out := cmd.OutOrStdout()

	for _, f := range files {
		s, err := inspect.Summarize(a.fs, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d keys, %d entries (%d fingerprinted, %d legacy, %d key-only)\n",
			s.Path, s.Keys, s.Entries, s.Fingerprinted, s.Legacy, s.KeyOnly)
		if names := s.AlgorithmNames(); len(names) > 0 {
			fmt.Fprintf(out, "  algorithms: %s\n", strings.Join(names, ", "))
		}
	}

	idx, err := inspect.BuildIndex(a.fs, files)
	if err != nil {
		return err
	}
	locs := idx.Prefix(flags.prefix)
	if len(locs) == 0 {
		fmt.Fprintln(out, "No matching steps.")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tPRIOR\tENTRIES\tFILE")
	for _, l := range locs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", l.Identifier, l.Depth, l.Entries, l.Path)
	}
	return w.Flush()
}
