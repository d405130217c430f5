package createiso

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/metadata"
)

// Disc is the content of one medium. Files keeps the order they were
// added in, sticky files first.
type Disc struct {
	Size  uint64
	Files []string
}

// MediaSplitter distributes files over media of a fixed capacity. Sticky
// files are put on every medium. A zero capacity means a single medium of
// any size.
type MediaSplitter struct {
	Capacity uint64
	Log      logrus.FieldLogger

	files  []string
	sizes  map[string]uint64
	sticky map[string]bool
}

func NewMediaSplitter(capacity uint64, log logrus.FieldLogger) *MediaSplitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MediaSplitter{
		Capacity: capacity,
		Log:      log,
		sizes:    map[string]uint64{},
		sticky:   map[string]bool{},
	}
}

func (s *MediaSplitter) AddFile(name string, size uint64, sticky bool) error {
	if old, ok := s.sizes[name]; ok {
		if old != size {
			return fmt.Errorf("file %s added with different sizes: %d and %d", name, old, size)
		}
		return nil
	}
	s.files = append(s.files, name)
	s.sizes[name] = size
	if sticky {
		s.sticky[name] = true
	}
	return nil
}

// TotalSize is the size of all files on a single medium.
func (s *MediaSplitter) TotalSize() uint64 {
	var total uint64
	for _, size := range s.sizes {
		total += size
	}
	return total
}

// Split assigns the files to media in the order they were added. A file
// that does not fit on the current medium opens a new one.
func (s *MediaSplitter) Split() []Disc {
	var sticky, rest []string
	var stickySize uint64
	for _, name := range s.files {
		if s.sticky[name] {
			sticky = append(sticky, name)
			stickySize += s.sizes[name]
		} else {
			rest = append(rest, name)
		}
	}

	var discs []Disc
	for _, name := range rest {
		size := s.sizes[name]
		if len(discs) == 0 || (s.Capacity > 0 && discs[len(discs)-1].Size+size > s.Capacity) {
			discs = append(discs, Disc{Size: stickySize, Files: append([]string(nil), sticky...)})
		}
		d := &discs[len(discs)-1]
		d.Files = append(d.Files, name)
		d.Size += size
	}
	if len(discs) == 0 {
		discs = append(discs, Disc{Size: stickySize, Files: sticky})
	}
	for i, d := range discs {
		if s.Capacity > 0 && d.Size > s.Capacity {
			s.Log.Warnf("Disc %d is %d bytes, over the media size of %d bytes", i+1, d.Size, s.Capacity)
		}
	}
	return discs
}

// extraFiles returns the tree-relative paths of the files copied into the
// tree from extra_files.
func extraFiles(dir string) (map[string]bool, error) {
	files := map[string]bool{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[rel] = true
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return files, nil
	}
	return files, err
}

// bootISO returns the tree-relative path of boot.iso as announced by the
// .treeinfo of tree.
func bootISO(tree, arch string) string {
	ti, err := metadata.LoadTreeInfo(filepath.Join(tree, ".treeinfo"))
	if err != nil {
		return "images/boot.iso"
	}
	if p := ti.Images[arch]["boot.iso"]; p != "" {
		return p
	}
	return "images/boot.iso"
}

// splitTree divides the published tree of the variant over discs. Files
// other than packages come first so metadata ends up on the first disc.
// Bootable media are never split.
func splitTree(c *compose.Compose, arch string, v *compose.Variant, noSplit bool, log logrus.FieldLogger) ([]Disc, error) {
	tree := c.Paths.OSTree(arch, v.UID)
	packagesDir := c.Paths.Packages(arch, v.UID)
	repodata := filepath.Join(c.Paths.Repository(arch, v.UID), "repodata")
	ignored := filepath.Join(tree, bootISO(tree, arch))
	sticky, err := extraFiles(c.Paths.ExtraFilesDir(arch, v.UID))
	if err != nil {
		return nil, err
	}

	type entry struct {
		path   string
		size   uint64
		sticky bool
	}
	var files, packages []entry
	err = filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == repodata {
				return filepath.SkipDir
			}
			return nil
		}
		if path == ignored {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tree, path)
		if err != nil {
			return err
		}
		e := entry{path: path, size: uint64(info.Size()), sticky: sticky[rel]}
		if strings.HasPrefix(path, packagesDir+"/") {
			packages = append(packages, e)
		} else {
			files = append(files, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conf := c.Conf
	capacity := uint64(conf.IsoSize)
	if capacity > uint64(conf.SplitIsoReserve) {
		capacity -= uint64(conf.SplitIsoReserve)
	}
	splitter := NewMediaSplitter(capacity, log)
	if noSplit {
		splitter.Capacity = 0
	}
	for _, e := range append(files, packages...) {
		if err := splitter.AddFile(e.path, e.size, e.sticky); err != nil {
			return nil, err
		}
	}
	if noSplit && splitter.TotalSize() > uint64(conf.IsoSize) {
		log.Warnf("ISO for %s.%s does not fit on a single medium (%d bytes over %d)", v.UID, arch, splitter.TotalSize(), uint64(conf.IsoSize))
	}
	return splitter.Split(), nil
}

// rpmsOnDisc returns the packages of a disc relative to tree, sorted.
func rpmsOnDisc(d Disc, tree, packagesDir string) []string {
	var out []string
	for _, f := range d.Files {
		if !strings.HasSuffix(f, ".rpm") || !strings.HasPrefix(f, packagesDir+"/") {
			continue
		}
		rel, err := filepath.Rel(tree, f)
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}
