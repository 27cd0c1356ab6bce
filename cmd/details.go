package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rental-crawler/internal/storage/jsonfile"
)

func newDetailsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "details SOURCE OUTPUT [ARCHIVE]",
		Short: "Fetch detail pages for a listing file",
		Long: `Fetches every car in SOURCE that is not already in OUTPUT or the
archive, writing both after each car. ARCHIVE overrides store.archive_path.
Cars that keep failing are logged and skipped; the next run retries them.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			source, output := args[0], args[1]
			archivePath := ""
			if len(args) == 3 {
				archivePath = args[2]
			}

			refs, err := jsonfile.ReadReferences(source)
			if err != nil {
				return err
			}

			return runWithMetrics(cmd.Context(), appInstance, func(ctx context.Context) error {
				browser, err := appInstance.OpenBrowser()
				if err != nil {
					return fmt.Errorf("open browser: %w", err)
				}
				defer func() {
					if cerr := browser.Close(); cerr != nil {
						appInstance.Logger().Warn("failed to close browser", zap.Error(cerr))
					}
				}()

				archive, err := appInstance.OpenArchive(ctx, archivePath)
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				result, runErr := appInstance.Details(ctx, browser, refs, output, archive)
				// Closed before mirroring so database files are complete on disk.
				if cerr := archive.Close(); cerr != nil {
					appInstance.Logger().Warn("failed to close archive", zap.Error(cerr))
				}
				renderSummary(cmd.OutOrStdout(), result)

				files := []string{output}
				if p := appInstance.LocalArchivePath(archivePath); p != "" {
					files = append(files, p)
				}
				if _, err := appInstance.MirrorSnapshots(ctx, files...); err != nil {
					appInstance.Logger().Warn("snapshot mirror failed", zap.Error(err))
				}
				return runErr
			})
		},
	}
	return cmd
}
