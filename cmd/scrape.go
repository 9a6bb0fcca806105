package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/progress"
)

func newScrapeCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "scrape <search-url>",
		Short: "Runs one job and writes its rows as JSON",
		Long: `Runs a single scrape job in process, printing the job log to stderr
and the normalized rows to stdout or --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if cerr := appInstance.Close(ctx); cerr != nil {
					appInstance.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runScrape(cmd.Context(), appInstance, args[0], cmd.ErrOrStderr(), out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write rows to this file instead of stdout")
	return cmd
}

func runScrape(ctx context.Context, appInstance App, searchURL string, logOut, out io.Writer) error {
	orch := appInstance.Orchestrator()
	id, err := orch.Submit(ctx, searchURL)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	j, err := orch.Job(id)
	if err != nil {
		return err
	}

	err = j.Progress().Subscribe().Observe(ctx, func(msg progress.Message) error {
		if msg.Entry != nil {
			fmt.Fprintf(logOut, "[%s] %s\n", msg.Entry.Level, msg.Entry.Message)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("follow job log: %w", err)
	}

	snap := j.Snapshot()
	if snap.Status == job.StatusError {
		return fmt.Errorf("job %s failed: %s", id, snap.Error)
	}
	_, rows, err := orch.Dataset(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}
