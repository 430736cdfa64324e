// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package cleanup removes generated outputs and logs. Directories are kept
// and every output subdirectory keeps (or regains) its .gitkeep.
package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/pdiddy/sql-reviewer/internal/gate"
)

const keepContent = "# Keep this directory in git\n"

// DirResult lists the files removed (or, in a dry run, to be removed)
// below one directory.
type DirResult struct {
	Name  string
	Files []string
}

// Result is the outcome of one clean operation.
type Result struct {
	Dirs   []DirResult
	DryRun bool
}

// Total returns the number of files across all directories.
func (r Result) Total() int {
	n := 0
	for _, d := range r.Dirs {
		n += len(d.Files)
	}
	return n
}

// Outputs deletes every file below each subdirectory of baseDir except
// .gitkeep, which is re-created. Files directly in baseDir are kept.
// Deletion errors are collected and returned together.
func Outputs(baseDir string, dryRun bool) (Result, error) {
	res := Result{DryRun: dryRun}
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("reading %s: %w", baseDir, err)
	}

	var errs *multierror.Error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, e.Name())
		files, err := filesBelow(dir)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		dr := DirResult{Name: e.Name()}
		for _, f := range files {
			if !dryRun {
				if err := os.Remove(f); err != nil {
					errs = multierror.Append(errs, err)
					continue
				}
			}
			rel, _ := filepath.Rel(dir, f)
			dr.Files = append(dr.Files, rel)
		}
		if !dryRun {
			if err := ensureKeep(dir); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		res.Dirs = append(res.Dirs, dr)
	}
	return res, errs.ErrorOrNil()
}

func filesBelow(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() != gate.KeepFile {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func ensureKeep(dir string) error {
	path := filepath.Join(dir, gate.KeepFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(keepContent), 0o644)
}

// Logs deletes the *.log files of logsDir.
func Logs(logsDir string, dryRun bool) (Result, error) {
	res := Result{DryRun: dryRun}
	matches, err := filepath.Glob(filepath.Join(logsDir, "*.log"))
	if err != nil {
		return res, err
	}
	sort.Strings(matches)

	var errs *multierror.Error
	dr := DirResult{Name: filepath.Base(logsDir)}
	for _, f := range matches {
		if !dryRun {
			if err := os.Remove(f); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		dr.Files = append(dr.Files, filepath.Base(f))
	}
	res.Dirs = append(res.Dirs, dr)
	return res, errs.ErrorOrNil()
}
