// Command attendctl administers a faceattend installation from the shell:
// enrolment, dataset import, reports and token minting.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"faceattend/internal/app"
	"faceattend/internal/config"
	"faceattend/internal/logging"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "attendctl",
	Short: "Administer the face attendance service",
	Long: `attendctl talks directly to the attendance database and sample store
configured in the environment (or a .env file). It manages users and their
face samples, exports attendance and mints admin tokens for the HTTP API.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log service internals")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// openApp wires the services against the configured storage. Logging is
// silent unless --verbose is set.
func openApp(ctx context.Context) (*app.App, error) {
	cfg := config.Load()
	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = logging.New(cfg.Env); err != nil {
			return nil, err
		}
	}
	// Commands run to completion; nothing would drain an event queue.
	cfg.QueueBackend = "none"
	return app.New(ctx, cfg, logger)
}
