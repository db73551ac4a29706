package report

import "github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"

// MonthSummary counts the latest outcome of each transaction in a month.
type MonthSummary struct {
	Month     string
	Runs      int
	Succeeded int
	Failed    []Entry // Latest entry of each transaction still failing
}

// Summarize reads the report of yearMonth. Entries are in append order, so a
// later entry for the same transaction replaces an earlier one.
func Summarize(repo Repository, yearMonth string) (MonthSummary, error) {
	entries, err := repo.ReadMonthFile(yearMonth)
	if err != nil {
		return MonthSummary{}, err
	}

	summary := MonthSummary{Month: yearMonth}
	runs := make(map[string]bool)
	latest := make(map[string]Entry)
	var order []string
	for _, entry := range entries {
		runs[entry.RunID] = true
		if _, seen := latest[entry.ID]; !seen {
			order = append(order, entry.ID)
		}
		latest[entry.ID] = entry
	}
	summary.Runs = len(runs)

	for _, id := range order {
		entry := latest[id]
		switch entry.Status {
		case syncer.StatusSuccess:
			summary.Succeeded++
		case syncer.StatusFailed:
			summary.Failed = append(summary.Failed, entry)
		}
	}
	return summary, nil
}
