package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"faceattend/internal/app"
	"faceattend/internal/samples"
	"faceattend/internal/users"
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Manage face samples",
}

var facesRegisterCmd = &cobra.Command{
	Use:   "register <user-id> <image> [image...]",
	Short: "Replace a user's face samples with the given images",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uploads, err := readUploads(args[1:])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		added, err := a.Samples.Register(cmd.Context(), args[0], uploads)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %d face images for %s.\n", len(added), args[0])
		if len(uploads) > len(added) {
			fmt.Fprintf(cmd.OutOrStdout(), "Only the first %d images were kept.\n", a.Samples.MaxPerUser())
		}
		return nil
	},
}

var facesImportCmd = &cobra.Command{
	Use:   "import <dataset-dir>",
	Short: "Import a dataset directory of <userid>_<n>.jpg files",
	Long: `Import face samples from a flat dataset directory where every file is
named <userid>_<n>.<jpg|jpeg|png>. Each user's files replace their current
samples. Users that are not registered are skipped unless --create-missing
is set, in which case they are added with their id as name.

Example:
  attendctl faces import ./dataset
  attendctl faces import --create-missing ./dataset`,
	Args: cobra.ExactArgs(1),
	RunE: runFacesImport,
}

func init() {
	rootCmd.AddCommand(facesCmd)
	facesCmd.AddCommand(facesRegisterCmd, facesImportCmd)
	facesImportCmd.Flags().Bool("create-missing", false, "Register unknown user ids before importing their samples")
	facesImportCmd.Flags().Bool("dry-run", false, "Only report what would be imported")
}

func readUploads(paths []string) ([]samples.Upload, error) {
	uploads := make([]samples.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		u := samples.Upload{Filename: filepath.Base(p), Data: data}
		if err := samples.Validate(u); err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

// groupDataset maps user ids to their sample files in name order. Files that
// do not follow the dataset naming are returned separately.
func groupDataset(dir string) (map[string][]string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read dataset %s: %w", dir, err)
	}
	groups := make(map[string][]string)
	var skipped []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		userID, ok := samples.ParseLegacyName(e.Name())
		if !ok {
			skipped = append(skipped, e.Name())
			continue
		}
		groups[userID] = append(groups[userID], filepath.Join(dir, e.Name()))
	}
	for _, files := range groups {
		sort.Strings(files)
	}
	return groups, skipped, nil
}

func runFacesImport(cmd *cobra.Command, args []string) error {
	createMissing := mustGetBool(cmd, "create-missing")
	dryRun := mustGetBool(cmd, "dry-run")
	out := cmd.OutOrStdout()

	groups, skipped, err := groupDataset(args[0])
	if err != nil {
		return err
	}
	for _, name := range skipped {
		fmt.Fprintf(out, "skipping %s: not named <userid>_<n>.<jpg|png>\n", name)
	}
	if len(groups) == 0 {
		fmt.Fprintln(out, "No dataset images found.")
		return nil
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if dryRun {
		for _, id := range ids {
			fmt.Fprintf(out, "%s: %d file(s)\n", id, len(groups[id]))
		}
		return nil
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	bar := progressbar.NewOptions(len(ids),
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("users"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionClearOnFinish(),
	)

	var imported, failed int
	var failures []string
	for _, id := range ids {
		err := importUser(cmd.Context(), a, id, groups[id], createMissing)
		_ = bar.Add(1)
		if err != nil {
			failed++
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		imported++
	}
	_ = bar.Finish()

	for _, f := range failures {
		fmt.Fprintln(out, f)
	}
	fmt.Fprintf(out, "Imported samples for %d user(s), %d failed.\n", imported, failed)
	if imported == 0 {
		return errors.New("nothing imported")
	}
	return nil
}

func importUser(ctx context.Context, a *app.App, userID string, files []string, createMissing bool) error {
	if _, err := a.Users.Get(ctx, userID); errors.Is(err, users.ErrNotFound) {
		if !createMissing {
			return fmt.Errorf("not registered (use --create-missing)")
		}
		if _, err := a.Users.Add(ctx, userID, userID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	uploads, err := readUploads(files)
	if err != nil {
		return err
	}
	_, err = a.Samples.Register(ctx, userID, uploads)
	return err
}
