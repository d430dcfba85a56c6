package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/fingerprint/phash"
	"github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness"
)

type captureFlags struct {
	screenshot string
	hierarchy  string
}

func (f *captureFlags) load(fs afero.Fs) (fingerprint.Capture, error) {
	var c fingerprint.Capture
	if f.screenshot != "" {
		data, err := afero.ReadFile(fs, f.screenshot)
		if err != nil {
			return c, fmt.Errorf("read screenshot: %w", err)
		}
		c.Screenshot = data
	}
	if f.hierarchy != "" {
		data, err := afero.ReadFile(fs, f.hierarchy)
		if err != nil {
			return c, fmt.Errorf("read hierarchy: %w", err)
		}
		c.Hierarchy = string(data)
	}
	return c, nil
}

func newFingerprintCommand(a *app) *cobra.Command {
	flags := &captureFlags{}

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of a captured screen",
		Long: `Compute the fingerprint the cache would store for a screenshot and/or
UI hierarchy dump, using the configured algorithms.

Examples:
  stepcache fingerprint --screenshot login.png --hierarchy login.xml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.screenshot == "" && flags.hierarchy == "" {
				return fmt.Errorf("at least one of --screenshot or --hierarchy is required")
			}
			registry, err := harness.DefaultRegistry(a.cfg.Fingerprint)
			if err != nil {
				return err
			}
			c, err := flags.load(a.fs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(registry.Generate(c))
		},
	}

	cmd.Flags().StringVar(&flags.screenshot, "screenshot", "", "PNG, JPEG, GIF or WebP screenshot")
	cmd.Flags().StringVar(&flags.hierarchy, "hierarchy", "", "UI hierarchy dump (XML, HTML, ...)")
	return cmd
}

func newCompareCommand(a *app) *cobra.Command {
	left, right := &captureFlags{}, &captureFlags{}

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Check whether two captured screens would match in the cache",
		Long: `Fingerprint two captures and report whether a cached entry recorded
against the first would be reused for the second.

Examples:
  stepcache compare --screenshot before.png --against-screenshot after.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := harness.DefaultRegistry(a.cfg.Fingerprint)
			if err != nil {
				return err
			}
			recorded, err := left.load(a.fs)
			if err != nil {
				return err
			}
			current, err := right.load(a.fs)
			if err != nil {
				return err
			}

			fpA, fpB := registry.Generate(recorded), registry.Generate(current)
			out := cmd.OutOrStdout()
			for _, name := range registry.Names() {
				ha, okA := fpA[name]
				hb, okB := fpB[name]
				switch {
				case !okA || !okB:
					fmt.Fprintf(out, "%s: absent\n", name)
				case name == phash.Name:
					d, _ := phash.Distance(ha, hb)
					fmt.Fprintf(out, "%s: distance %.4f\n", name, d)
				default:
					fmt.Fprintf(out, "%s: equal %t\n", name, ha == hb)
				}
			}
			fmt.Fprintf(out, "match: %t\n", registry.Compare(fpB, fpA))
			return nil
		},
	}

	cmd.Flags().StringVar(&left.screenshot, "screenshot", "", "screenshot of the recorded screen")
	cmd.Flags().StringVar(&left.hierarchy, "hierarchy", "", "hierarchy of the recorded screen")
	cmd.Flags().StringVar(&right.screenshot, "against-screenshot", "", "screenshot of the current screen")
	cmd.Flags().StringVar(&right.hierarchy, "against-hierarchy", "", "hierarchy of the current screen")
	return cmd
}
