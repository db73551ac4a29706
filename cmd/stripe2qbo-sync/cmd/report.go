package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/report"
)

var reportYear string

// reportCmd summarizes the monthly report files.
var reportCmd = &cobra.Command{
	Use:   "report [YYYY-MM]...",
	Short: "Summarize monthly sync reports",
	Long: `Summarize the monthly JSONL reports written by sync.

Without arguments every month of --year is summarized. A transaction synced
more than once counts with its latest outcome.

Example:
  stripe2qbo-sync report
  stripe2qbo-sync report --year 2023
  stripe2qbo-sync report 2024-01`,
	Run: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportYear, "year", "", "Year to summarize (default current year)")
}

func runReport(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate([]string{"sync", "dataRoot"}); err != nil {
		exitOnError(err, "invalid configuration")
	}

	loc, err := cfg.Location()
	exitOnError(err, "invalid configuration")

	repo := report.NewFileSystemRepository(cfg.Paths())

	months := args
	if len(months) == 0 {
		year := reportYear
		if year == "" {
			year = time.Now().In(loc).Format("2006")
		}
		months, err = repo.GetMonthFilesInYear(year)
		exitOnError(err, "failed to list report months")
		if len(months) == 0 {
			fmt.Printf("No reports for %s\n", year)
			return
		}
	}

	fmt.Println("\n=== Sync Reports ===")
	fmt.Printf("%-8s %6s %10s %8s\n", "MONTH", "RUNS", "SUCCEEDED", "FAILED")
	var failed []report.Entry
	for _, month := range months {
		summary, err := report.Summarize(repo, month)
		exitOnError(err, "failed to read report "+month)
		fmt.Printf("%-8s %6d %10d %8d\n", summary.Month, summary.Runs, summary.Succeeded, len(summary.Failed))
		failed = append(failed, summary.Failed...)
	}

	if len(failed) > 0 {
		fmt.Println("\n=== Failed Transactions ===")
		for _, entry := range failed {
			fmt.Printf("%s  %-10s %s\n", entry.ID, entry.Type, entry.FailureReason)
		}
	}
	fmt.Println()
}
