// Package source parses saved-list exports into source entries.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// Column names of the Takeout "Saved" list export.
const (
	titleColumn = "Title"
	urlColumn   = "URL"
)

// ParseFile opens a CSV export and returns its entries.
func ParseFile(path string) ([]places.SourceEntry, error) {
	f, err := os.Open(path) // #nosec G304 -- path is supplied by the operator.
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse source %s: %w", path, err)
	}
	return entries, nil
}

// Parse reads a CSV export with Title and URL columns. Rows without a title
// or URL are skipped, as are repeated references (first occurrence wins).
func Parse(r io.Reader) ([]places.SourceEntry, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty source file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	colIdx := make(map[string]int, len(header))
	for i, col := range header {
		colIdx[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}
	for _, col := range []string{titleColumn, urlColumn} {
		if _, ok := colIdx[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	seen := make(map[string]struct{})
	var entries []places.SourceEntry
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		title := column(row, colIdx[titleColumn])
		ref := column(row, colIdx[urlColumn])
		if title == "" || ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		entries = append(entries, places.SourceEntry{DisplayName: title, ExternalRef: ref})
	}
	return entries, nil
}

// ListFiles returns the CSV exports to process for path. A regular file is
// returned as-is; a directory yields every *.csv file inside it, sorted, except
// files ending in skipSuffix (the pipeline's own checkpoint logs).
func ListFiles(path, skipSuffix string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil, fmt.Errorf("%s is neither a directory nor a CSV file", path)
		}
		return []string{path}, nil
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	var files []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		if skipSuffix != "" && strings.HasSuffix(name, skipSuffix) {
			continue
		}
		files = append(files, filepath.Join(path, name))
	}
	sort.Strings(files)
	return files, nil
}

func column(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
