// Package report writes sync outcomes to monthly JSON lines files.
package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/pathutil"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

// Entry is one line of a monthly report.
type Entry struct {
	RunID      string    `json:"run_id"`
	RecordedAt time.Time `json:"recorded_at"`
	syncer.TransactionSync
}

// Repository defines the interface for monthly report files.
type Repository interface {
	// AppendEntry appends an entry to a monthly file
	AppendEntry(yearMonth string, entry Entry) error

	// ReadMonthFile reads the entries of a monthly file
	ReadMonthFile(yearMonth string) ([]Entry, error)

	// GetMonthFilesInYear gets all monthly files in a year
	GetMonthFilesInYear(year string) ([]string, error)
}

// FileSystemRepository is a file system implementation of Repository.
type FileSystemRepository struct {
	pathResolver *pathutil.PathResolver
	mu           sync.Mutex
}

// NewFileSystemRepository creates a new FileSystemRepository.
func NewFileSystemRepository(pathResolver *pathutil.PathResolver) *FileSystemRepository {
	return &FileSystemRepository{
		pathResolver: pathResolver,
	}
}

// AppendEntry appends an entry to a monthly file, creating it if needed.
func (r *FileSystemRepository) AppendEntry(yearMonth string, entry Entry) error {
	filePath, err := r.pathResolver.GetMonthFilePath(yearMonth)
	if err != nil {
		return fmt.Errorf("failed to get month file path: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.pathResolver.EnsureParentDir(filePath); err != nil {
		return fmt.Errorf("failed to ensure parent directory: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file for appending: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	return nil
}

// ReadMonthFile reads the entries of a monthly file.
// Returns nil if the file doesn't exist.
func (r *FileSystemRepository) ReadMonthFile(yearMonth string) ([]Entry, error) {
	filePath, err := r.pathResolver.GetMonthFilePath(yearMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to get month file path: %w", err)
	}

	if !r.pathResolver.FileExists(filePath) {
		return nil, nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode entry in %s: %w", filePath, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return entries, nil
}

// GetMonthFilesInYear returns the sorted year-months with a report file
// (e.g., ["2024-01", "2024-02"]).
func (r *FileSystemRepository) GetMonthFilesInYear(year string) ([]string, error) {
	yearDir := r.pathResolver.GetYearDir(year)
	if !r.pathResolver.FileExists(yearDir) {
		return []string{}, nil
	}

	dirEntries, err := os.ReadDir(yearDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read year directory: %w", err)
	}

	var months []string
	for _, entry := range dirEntries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".jsonl" {
			months = append(months, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	sort.Strings(months)

	return months, nil
}

// Reporter appends terminal outcomes to the report of the month the
// transaction was created in.
type Reporter struct {
	repo     Repository
	location *time.Location
	now      func() time.Time
}

// NewReporter creates a Reporter. Months are computed in loc (UTC when nil).
func NewReporter(repo Repository, loc *time.Location) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{repo: repo, location: loc, now: time.Now}
}

// Report implements batch.Reporter. Non-terminal states are ignored.
func (r *Reporter) Report(_ context.Context, runID string, out syncer.TransactionSync) error {
	if !out.Status.Terminal() {
		return nil
	}

	now := r.now()
	month := now.In(r.location)
	if out.Created > 0 {
		month = time.Unix(out.Created, 0).In(r.location)
	}

	return r.repo.AppendEntry(month.Format("2006-01"), Entry{
		RunID:           runID,
		RecordedAt:      now.UTC(),
		TransactionSync: out,
	})
}
