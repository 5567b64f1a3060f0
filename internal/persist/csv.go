package persist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// csvHeader is the header of both idea_pairs.csv and ratings.csv.
var csvHeader = []string{"item", "response"}

// CSVFile mirrors the idea list into a two-column CSV file (item, response)
// that downstream scoring tools read. Each Persist rewrites the whole file
// through a temporary file and a rename, so readers never see a partial list.
type CSVFile struct {
	path string
	item string
}

var _ Persister = (*CSVFile)(nil)

// NewCSVFile returns a CSVFile writing to path with item in the first column.
func NewCSVFile(path, item string) *CSVFile {
	return &CSVFile{path: path, item: item}
}

// Name implements [Named].
func (c *CSVFile) Name() string { return "csv" }

// Path returns the file the list is written to.
func (c *CSVFile) Path() string { return c.path }

// Persist rewrites the file with one row per idea.
func (c *CSVFile) Persist(_ context.Context, ideas []string) error {
	rows := make([][]string, 0, len(ideas)+1)
	rows = append(rows, csvHeader)
	for _, idea := range ideas {
		rows = append(rows, []string{c.item, idea})
	}
	if err := writeCSVAtomic(c.path, rows); err != nil {
		return fmt.Errorf("persist: csv: %w", err)
	}
	return nil
}

// ResetFiles prepares a fresh session: ideaPairs is removed and ratings is
// rewritten with just the header. Empty paths are skipped.
func ResetFiles(ideaPairs, ratings string) error {
	if ideaPairs != "" {
		if err := os.Remove(ideaPairs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("persist: reset %s: %w", ideaPairs, err)
		}
	}
	if ratings != "" {
		if err := writeCSVAtomic(ratings, [][]string{csvHeader}); err != nil {
			return fmt.Errorf("persist: reset %s: %w", ratings, err)
		}
	}
	return nil
}

func writeCSVAtomic(path string, rows [][]string) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
