// Package pathutil provides centralized path management for the sync data directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathResolver manages paths for the database, settings and report files.
type PathResolver struct {
	dataRoot     string
	databasePath string
	settingsFile string
	reportsDir   string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// DataRoot is the root directory for sync data (e.g., ~/.stripe2qbo)
	DataRoot string
	// DatabasePath is the SQLite database file for outcomes and mappings
	DatabasePath string
	// SettingsFile is the YAML file with per-company settings
	SettingsFile string
	// ReportsDir is the directory for monthly outcome reports
	ReportsDir string
}

// New creates a new PathResolver with the given configuration.
// Empty paths default to {DataRoot}/.sync/sync.db, {DataRoot}/settings.yaml
// and {DataRoot}/reports.
func New(config Config) *PathResolver {
	dbPath := config.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(config.DataRoot, ".sync", "sync.db")
	}

	settingsFile := config.SettingsFile
	if settingsFile == "" {
		settingsFile = filepath.Join(config.DataRoot, "settings.yaml")
	}

	reportsDir := config.ReportsDir
	if reportsDir == "" {
		reportsDir = filepath.Join(config.DataRoot, "reports")
	}

	return &PathResolver{
		dataRoot:     config.DataRoot,
		databasePath: dbPath,
		settingsFile: settingsFile,
		reportsDir:   reportsDir,
	}
}

// GetDataRoot returns the data root directory.
func (p *PathResolver) GetDataRoot() string {
	return p.dataRoot
}

// GetDatabasePath returns the database file path.
func (p *PathResolver) GetDatabasePath() string {
	return p.databasePath
}

// GetSettingsFile returns the settings file path.
func (p *PathResolver) GetSettingsFile() string {
	return p.settingsFile
}

// GetReportsDir returns the reports directory.
func (p *PathResolver) GetReportsDir() string {
	return p.reportsDir
}

// GetYearDir returns the report directory for a year.
// Example: ~/.stripe2qbo/reports/2024
func (p *PathResolver) GetYearDir(year string) string {
	return filepath.Join(p.reportsDir, year)
}

// GetMonthFilePath returns the report file for a month in YYYY-MM format.
// Example: ~/.stripe2qbo/reports/2024/2024-01.jsonl
func (p *PathResolver) GetMonthFilePath(yearMonth string) (string, error) {
	parts := strings.Split(yearMonth, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return "", fmt.Errorf("invalid year-month format: %s. Expected YYYY-MM", yearMonth)
	}

	return filepath.Join(p.GetYearDir(parts[0]), yearMonth+".jsonl"), nil
}

// EnsureDir creates a directory and its parents if they don't exist.
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	return p.EnsureDir(filepath.Dir(filePath))
}

// FileExists checks if a file exists.
func (p *PathResolver) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
