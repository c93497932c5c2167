package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"faceattend/internal/attendance"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export attendance records as CSV",
	Long: `Export attendance records, newest first, in the same CSV layout the
HTTP API serves.

Example:
  attendctl report --date 2024-03-04
  attendctl report --user 42 --out ada.csv`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("user", "", "Only this user id")
	reportCmd.Flags().String("date", "", "Only this date (YYYY-MM-DD)")
	reportCmd.Flags().Int("limit", 0, "Maximum rows, 0 for all")
	reportCmd.Flags().StringP("out", "o", "", "Write to a file instead of stdout")
}

func runReport(cmd *cobra.Command, args []string) error {
	f := attendance.Filter{
		UserID: mustGetString(cmd, "user"),
		Date:   mustGetString(cmd, "date"),
		Limit:  mustGetInt(cmd, "limit"),
	}
	if f.Date != "" {
		if _, err := time.Parse(attendance.DateLayout, f.Date); err != nil {
			return fmt.Errorf("--date must be YYYY-MM-DD")
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.Attendance.ListRecords(cmd.Context(), f)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if path := mustGetString(cmd, "out"); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}
	if err := attendance.WriteCSV(w, records); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d record(s) exported\n", len(records))
	return nil
}
