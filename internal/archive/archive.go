// Package archive stores the final state of a session once it has ended.
//
// [Dir] reproduces the lab's folder layout: a timestamped directory holding
// the transcript and copies of the data files the session produced. Database
// stores from the persist package implement [Archiver] as well and can be
// combined with [All].
package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Archiver stores the final history and idea list of a finished session. It
// is called exactly once per session.
type Archiver interface {
	Archive(ctx context.Context, history, ideas []string) error
}

// ArchiverFunc adapts a function to [Archiver].
type ArchiverFunc func(ctx context.Context, history, ideas []string) error

// Archive calls f.
func (f ArchiverFunc) Archive(ctx context.Context, history, ideas []string) error {
	return f(ctx, history, ideas)
}

// All returns an Archiver that runs every archiver in order and joins their
// errors. A failing archiver does not stop the rest.
func All(archivers ...Archiver) Archiver {
	return ArchiverFunc(func(ctx context.Context, history, ideas []string) error {
		var errs []error
		for _, a := range archivers {
			if err := a.Archive(ctx, history, ideas); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

const (
	// TimestampLayout names archive directories, e.g. 2026-03-01_14-05.
	TimestampLayout = "2006-01-02_15-04"

	// TranscriptsFile is written into every archive directory.
	TranscriptsFile = "transcripts.csv"
)

// Dir archives into <root>/<timestamp>/. The directory is assembled under a
// hidden staging name and renamed into place once complete; the data files
// are deleted only after that rename succeeded.
type Dir struct {
	root  string
	files []string
	item  string
	now   func() time.Time
}

var _ Archiver = (*Dir)(nil)

// DirOption configures a [Dir].
type DirOption func(*Dir)

// WithFiles sets the data files moved into the archive. Missing files are
// skipped.
func WithFiles(paths ...string) DirOption {
	return func(d *Dir) { d.files = append(d.files, paths...) }
}

// WithTaskItem sets the item written when the idea list has to be exported
// because no idea_pairs.csv exists.
func WithTaskItem(item string) DirOption {
	return func(d *Dir) { d.item = item }
}

// WithClock overrides the clock used for the directory name.
func WithClock(now func() time.Time) DirOption {
	return func(d *Dir) { d.now = now }
}

// NewDir returns a Dir archiving below root.
func NewDir(root string, opts ...DirOption) *Dir {
	d := &Dir{root: root, item: "brick", now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name labels the archiver in logs.
func (d *Dir) Name() string { return "dir" }

// Archive writes history to transcripts.csv, copies the data files and moves
// the result to its final name. When none of the data files is named
// idea_pairs.csv, ideas are exported into one.
func (d *Dir) Archive(_ context.Context, history, ideas []string) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("archive: create root: %w", err)
	}
	stamp := d.now().Format(TimestampLayout)
	staging, err := os.MkdirTemp(d.root, "."+stamp+"-")
	if err != nil {
		return fmt.Errorf("archive: create staging dir: %w", err)
	}
	moved := false
	defer func() {
		if !moved {
			_ = os.RemoveAll(staging)
		}
	}()

	rows := make([][]string, len(history))
	for i, h := range history {
		rows[i] = []string{h}
	}
	if err := writeCSV(filepath.Join(staging, TranscriptsFile), rows); err != nil {
		return fmt.Errorf("archive: write transcripts: %w", err)
	}

	var copied []string
	hasPairs := false
	for _, src := range d.files {
		base := filepath.Base(src)
		err := copyFile(src, filepath.Join(staging, base))
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("archive: data file missing, skipping", "file", src)
			continue
		}
		if err != nil {
			return fmt.Errorf("archive: copy %s: %w", src, err)
		}
		copied = append(copied, src)
		if base == "idea_pairs.csv" {
			hasPairs = true
		}
	}
	if !hasPairs {
		rows := [][]string{{"item", "response"}}
		for _, idea := range ideas {
			rows = append(rows, []string{d.item, idea})
		}
		if err := writeCSV(filepath.Join(staging, "idea_pairs.csv"), rows); err != nil {
			return fmt.Errorf("archive: export ideas: %w", err)
		}
	}

	dest, err := d.destination(stamp)
	if err != nil {
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("archive: move into place: %w", err)
	}
	moved = true
	slog.Info("session archived", "dir", dest, "transcripts", len(history), "ideas", len(ideas))

	var errs []error
	for _, src := range copied {
		if err := os.Remove(src); err != nil {
			errs = append(errs, fmt.Errorf("archive: remove original %s: %w", src, err))
		}
	}
	return errors.Join(errs...)
}

// destination picks <root>/<stamp>, adding a numeric suffix when a session
// ended within the same minute.
func (d *Dir) destination(stamp string) (string, error) {
	for i := 1; i < 100; i++ {
		name := stamp
		if i > 1 {
			name = fmt.Sprintf("%s_%d", stamp, i)
		}
		p := filepath.Join(d.root, name)
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
	}
	return "", fmt.Errorf("archive: no free directory name for %s", stamp)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
