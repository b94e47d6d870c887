package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/gazette-ingest/internal/app"
	"github.com/yungbote/gazette-ingest/internal/services"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, the worker pool and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the job worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunWorker(cmd.Context())
		},
	}
}

func ingestCommand() *cobra.Command {
	var (
		category     string
		lookbackDays int
		pageSize     int
		wait         bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass for a category and print the summary",
		Example: `  gazette-ingest ingest --category tenders --lookback 3
  gazette-ingest ingest --category auctions --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			// With --wait the jobs have to run somewhere; run a local pool
			// alongside the pass.
			if wait {
				go func() { _ = a.RunWorker(cmd.Context()) }()
			}
			sum, err := a.RunOnce(cmd.Context(), services.RunRequest{
				Category: category,
				Lookback: time.Duration(lookbackDays) * 24 * time.Hour,
				PageSize: pageSize,
				Wait:     wait,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().StringVar(&category, "category", "tenders", "tenders, auctions or practices")
	cmd.Flags().IntVar(&lookbackDays, "lookback", 0, "days to look back (0 uses INGEST_LOOKBACK)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "catalog page size (0 uses FETCH_PAGE_SIZE)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the queued jobs to finish")
	return cmd
}
