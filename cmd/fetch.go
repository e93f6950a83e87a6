package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

type fetchResult struct {
	BatchID  string                    `json:"batch_id"`
	Status   downloader.Status         `json:"status"`
	Counters downloader.BatchCounters  `json:"counters"`
	Canceled bool                      `json:"canceled,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Outcomes []downloader.FetchOutcome `json:"outcomes"`
	Items    []downloader.CrawledItem  `json:"items"`
}

func newFetchCmd() *cobra.Command {
	var (
		itemsPath string
		outDir    string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Downloads one batch of crawled items and exits",
		Long: `Reads a JSON array of crawled items (url, filename, referer) and downloads
them into --out, then prints the batch result as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(context.WithoutCancel(cmd.Context())); err != nil {
					cmd.PrintErrln("close:", err)
				}
			}()
			items, err := readItems(itemsPath)
			if err != nil {
				return err
			}
			batchID, summary, runErr := app.Fetch(cmd.Context(), items, outDir)
			if batchID == "" {
				return runErr
			}
			batch, err := app.Batch(cmd.Context(), batchID)
			if err != nil {
				return errors.Join(runErr, err)
			}
			result := fetchResult{
				BatchID:  batchID,
				Status:   batch.Status,
				Counters: summary.Counters,
				Canceled: summary.Canceled,
				Error:    batch.ErrorText,
				Outcomes: summary.Outcomes,
				Items:    batch.Items,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&itemsPath, "items", "", "path to a JSON array of crawled items (- for stdin)")
	cmd.Flags().StringVar(&outDir, "out", "", "download directory (default downloader.download_dir)")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

func readItems(path string) ([]downloader.CrawledItem, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var items []downloader.CrawledItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("no items to fetch")
	}
	return items, nil
}
