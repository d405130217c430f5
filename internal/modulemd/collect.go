package modulemd

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CollectDefaults adds the defaults found in dir for the named modules to
// idx. A nil names set loads every module.
func CollectDefaults(dir string, names map[string]bool, idx *Index) error {
	docs, err := readDir(dir)
	if err != nil {
		return err
	}
	for _, d := range docs {
		for _, def := range d.Defaults() {
			if names == nil || names[def.Module] {
				idx.AddDefaults(def)
			}
		}
	}
	return nil
}

// CollectObsoletes adds the obsoletes found in dir for the named modules to
// idx.
func CollectObsoletes(dir string, names map[string]bool, idx *Index) error {
	docs, err := readDir(dir)
	if err != nil {
		return err
	}
	for _, d := range docs {
		for _, o := range d.Obsoletes() {
			if names == nil || names[o.Module] {
				idx.AddObsoletes(o)
			}
		}
	}
	return nil
}

func readDir(dir string) ([]*Index, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	var out []*Index
	for _, f := range files {
		idx, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}
