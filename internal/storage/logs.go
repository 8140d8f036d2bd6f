package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogStorage manages saving step logs to files
type LogStorage struct {
	BaseDir string
	now     func() time.Time
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir, now: time.Now}
}

// SaveLog saves the output of one container step as
// {BaseDir}/{runID}/{job}_{container}_{timestamp}.log and returns the path.
func (ls *LogStorage) SaveLog(runID, job, container, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID, "run"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	now := time.Now
	if ls.now != nil {
		now = ls.now
	}
	timestamp := now().Format("20060102_150405.000")
	filename := fmt.Sprintf("%s_%s_%s.log", sanitize(job, "job"), sanitize(container, "step"), strings.ReplaceAll(timestamp, ".", "_"))
	filePath := filepath.Join(dir, filename)

	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", err
	}
	return filePath, nil
}

// ReadLog returns the contents of a log saved under BaseDir.
func (ls *LogStorage) ReadLog(path string) (string, error) {
	rel, err := filepath.Rel(ls.BaseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("log %s is outside %s", path, ls.BaseDir)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sanitize removes special characters from names used in filenames
func sanitize(name, fallback string) string {
	var clean strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean.WriteRune(r)
		}
	}
	if clean.Len() == 0 {
		return fallback
	}
	return clean.String()
}
