package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the encoding cache",
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Build the encoding cache once and report what it holds",
	Long: `Build the encoding cache from every stored sample using the configured
face backend. Useful to check that all samples still yield a face; samples
that do not are logged with --verbose.

Running servers keep their own caches and are not affected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		snap, err := a.Cache.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		n, err := a.Samples.ListSamples(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Encoded %d of %d samples in %s.\n",
			len(snap.Entries), len(n), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheRefreshCmd)
}
