package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	ErrSourceNotFound = errors.New("source directory not found")
	ErrEmptySource    = errors.New("source directory contains no files to archive")
)

// DefaultExcludePatterns lists paths that never belong in a deployment
// archive: version control metadata, dependency caches, previous build
// outputs and editor droppings. Patterns without glob tokens match any path
// element by name and prune whole directories; glob patterns apply to files
// only, against the base name and the slash-separated relative path.
var DefaultExcludePatterns = []string{
	".git",
	".gitmodules",
	".github",
	".cache",
	".mypy_cache",
	".pytest_cache",
	".venv",
	"venv",
	".env",
	".env.local",
	"node_modules",
	".next",
	".vercel",
	"__pycache__",
	"*.pyc",
	"*.pyo",
	"*.pyd",
	"*.log",
	"*.tmp",
	"*.swp",
	".DS_Store",
	"dist",
	"build",
	"coverage",
}

// Artifact is a compressed snapshot of a source tree, staged on temporary
// disk until the uploader has consumed it.
type Artifact struct {
	Path  string
	Size  int64
	Files int
}

func (a *Artifact) Open() (io.ReadSeekCloser, error) {
	return os.Open(a.Path)
}

// Remove deletes the local archive file.
func (a *Artifact) Remove() error {
	return os.Remove(a.Path)
}

// Create walks sourceDir and writes every non-excluded regular file into a
// zip archive on temporary disk. The traversal is lexical, so archiving the
// same tree twice yields the same member order.
func Create(sourceDir string, excludePatterns []string) (*Artifact, error) {
	if excludePatterns == nil {
		excludePatterns = DefaultExcludePatterns
	}

	root, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceDir)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceDir)
	}

	out, err := os.CreateTemp("", "source-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}

	files, err := writeArchive(out, root, excludePatterns)
	if err == nil && files == 0 {
		err = fmt.Errorf("%w: %s", ErrEmptySource, sourceDir)
	}
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, err
	}

	err = out.Close()
	if err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("close archive file: %w", err)
	}

	stat, err := os.Stat(out.Name())
	if err != nil {
		return nil, fmt.Errorf("stat archive file: %w", err)
	}

	log.Infof("Created source archive %s (%d files, %.2f MiB)", out.Name(), files, float64(stat.Size())/1024/1024)

	return &Artifact{
		Path:  out.Name(),
		Size:  stat.Size(),
		Files: files,
	}, nil
}

func writeArchive(out io.Writer, root string, excludePatterns []string) (int, error) {
	zw := zip.NewWriter(out)
	files := 0

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, d.IsDir(), excludePatterns) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		if err != nil {
			return err
		}

		files++
		return nil
	})
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("archive source tree: %w", err)
	}

	err = zw.Close()
	if err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}

	return files, nil
}

func excluded(rel string, isDir bool, patterns []string) bool {
	base := path.Base(rel)
	parts := strings.Split(rel, "/")

	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[") {
			for _, part := range parts {
				if part == pattern {
					return true
				}
			}
			continue
		}

		// Glob patterns describe files. A directory whose name happens
		// to match (say, a package named x.log) is still traversed.
		if isDir {
			continue
		}

		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}

	return false
}
