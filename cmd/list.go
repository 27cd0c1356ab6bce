package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rental-crawler/internal/storage/jsonfile"
)

func newListCmd() *cobra.Command {
	var (
		listingURL string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Expand a listing and write its car references",
		Long: `Loads the listing URL, clicks "load more" until every car is shown
and writes a JSON array of {"title","url"} references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
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

				refs, err := appInstance.List(ctx, browser, listingURL)
				if err != nil {
					return err
				}
				if err := jsonfile.WriteReferences(output, refs); err != nil {
					return err
				}
				appInstance.Logger().Info("listing written", zap.String("path", output), zap.Int("items", len(refs)))
				fmt.Fprintf(cmd.OutOrStdout(), "%d cars written to %s\n", len(refs), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&listingURL, "url", "", "listing URL to expand")
	cmd.Flags().StringVarP(&output, "output", "o", "car_data.json", "listing output file")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
