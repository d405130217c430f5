// Package linker places files into the compose tree with the configured
// link type and keeps track of what it created.
package linker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	Hardlink       = "hardlink"
	Copy           = "copy"
	HardlinkOrCopy = "hardlink-or-copy"
	Symlink        = "symlink"
	AbspathSymlink = "abspath-symlink"
)

// Linker links or copies files. Every file it creates is remembered until
// Rollback or Reset, so a half-done reuse can be undone.
type Linker struct {
	LinkType string
	Log      logrus.FieldLogger

	mu      sync.Mutex
	created []string
}

func New(linkType string, log logrus.FieldLogger) *Linker {
	if linkType == "" {
		linkType = HardlinkOrCopy
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Linker{LinkType: linkType, Log: log}
}

func (l *Linker) record(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, path)
}

// Link places src at dst. An existing dst pointing to the same file is left
// alone; any other existing dst is an error.
func (l *Linker) Link(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if same, err := sameFile(src, dst); err != nil {
		return err
	} else if same {
		return nil
	}

	var err error
	switch l.LinkType {
	case Hardlink:
		err = os.Link(src, dst)
	case Copy:
		err = CopyFile(src, dst)
	case HardlinkOrCopy:
		err = os.Link(src, dst)
		var linkErr *os.LinkError
		if err != nil && errors.As(err, &linkErr) && !errors.Is(err, os.ErrExist) {
			l.Log.Debugf("Cannot hardlink %s (%v), copying", src, err)
			err = CopyFile(src, dst)
		}
	case Symlink:
		var rel string
		rel, err = filepath.Rel(filepath.Dir(dst), src)
		if err == nil {
			err = os.Symlink(rel, dst)
		}
	case AbspathSymlink:
		err = os.Symlink(src, dst)
	default:
		return fmt.Errorf("unknown link type %q", l.LinkType)
	}
	if err != nil {
		return err
	}
	l.record(dst)
	return nil
}

// LinkTree links every regular file below src into the same relative
// place under dst. Symlinks are recreated as they are, broken or not.
func (l *Linker) LinkTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(dest, target); err != nil {
				return err
			}
			l.record(target)
			return nil
		default:
			return l.Link(path, target)
		}
	})
}

// Rollback removes every file created since the last Reset, newest first.
func (l *Linker) Rollback() error {
	l.mu.Lock()
	created := l.created
	l.created = nil
	l.mu.Unlock()

	var errs []error
	for i := len(created) - 1; i >= 0; i-- {
		if err := os.Remove(created[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset forgets the created files; they are kept.
func (l *Linker) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = nil
}

// Created lists the files created since the last Reset.
func (l *Linker) Created() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.created...)
}

func sameFile(src, dst string) (bool, error) {
	dstInfo, err := os.Lstat(dst)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if dstInfo.Mode()&os.ModeSymlink != 0 {
		if resolved, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, resolved) {
			return true, nil
		}
	} else if os.SameFile(srcInfo, dstInfo) {
		return true, nil
	}
	return false, fmt.Errorf("%s already exists and is not a link to %s", dst, src)
}

// CopyFile copies the content and the permission bits of src.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
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

// CopyAll copies the tree at src into dst, preserving symlinks (also
// broken ones) and permission bits.
func CopyAll(src, dst string) error {
	return New(Copy, nil).LinkTree(src, dst)
}
