// Package scm exports files and directories from source control into a
// local directory. Two systems are supported: "file" reads the local
// filesystem and "git" fetches a single revision of a repository.
package scm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/shell"
)

// ErrNotFound is wrapped when the exported file or directory is missing.
var ErrNotFound = errors.New("no such file in scm")

// Exporter copies the content an ScmSpec points at.
type Exporter struct {
	Runner shell.Runner
	Log    logrus.FieldLogger
	// LogFile receives the output of the git commands.
	LogFile string
	// Workdir holds temporary checkouts. The system temp dir is used when
	// empty.
	Workdir string
}

func NewExporter(runner shell.Runner, log logrus.FieldLogger) *Exporter {
	if runner == nil {
		runner = shell.ExecRunner{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Exporter{Runner: runner, Log: log}
}

// Export places what spec points at into dest (below spec.Target when
// set). It returns the exported files relative to dest, sorted.
func (e *Exporter) Export(ctx context.Context, spec config.ScmSpec, dest string) ([]string, error) {
	switch spec.Scm {
	case "", "file":
		return e.copy(spec.Repo, spec, dest)
	case "git":
		if spec.Repo == "" {
			return nil, errors.New("git scm needs a repo")
		}
		checkout, err := os.MkdirTemp(e.Workdir, "scm-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(checkout)
		if err := e.fetchGit(ctx, spec, checkout); err != nil {
			return nil, err
		}
		return e.copy(checkout, spec, dest)
	}
	return nil, fmt.Errorf("unsupported scm %q", spec.Scm)
}

// fetchGit checks out a single revision; a branch may also be a commit
// hash, which git clone --branch does not accept.
func (e *Exporter) fetchGit(ctx context.Context, spec config.ScmSpec, dir string) error {
	branch := spec.Branch
	if branch == "" {
		branch = "HEAD"
	}
	e.Log.Infof("Exporting %s from %s (%s)", spec.File+spec.Dir, spec.Repo, branch)
	for _, argv := range [][]string{
		{"git", "init", "--quiet"},
		{"git", "fetch", "--depth=1", spec.Repo, branch},
		{"git", "checkout", "--quiet", "FETCH_HEAD"},
	} {
		if _, err := e.Runner.Run(ctx, shell.Command{Argv: argv, Dir: dir, LogFile: e.LogFile, ShowCmd: true}); err != nil {
			return fmt.Errorf("cannot export from %s: %w", spec.Repo, err)
		}
	}
	return nil
}

func (e *Exporter) copy(root string, spec config.ScmSpec, dest string) ([]string, error) {
	target := filepath.Join(dest, spec.Target)
	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, err
	}
	var out []string
	switch {
	case spec.Dir != "":
		src := resolve(root, spec.Dir)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: directory %s", ErrNotFound, src)
		}
		if err := linker.CopyAll(src, target); err != nil {
			return nil, err
		}
		err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			out = append(out, filepath.Join(spec.Target, rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	case spec.File != "":
		matches, err := filepath.Glob(resolve(root, spec.File))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, resolve(root, spec.File))
		}
		for _, m := range matches {
			dst := filepath.Join(target, filepath.Base(m))
			os.Remove(dst)
			if err := linker.CopyFile(m, dst); err != nil {
				return nil, err
			}
			out = append(out, filepath.Join(spec.Target, filepath.Base(m)))
		}
	default:
		return nil, errors.New("scm spec needs a file or a dir")
	}
	sort.Strings(out)
	return out, nil
}

func resolve(root, path string) string {
	if root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
