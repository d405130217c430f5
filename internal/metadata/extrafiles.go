package metadata

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ExtraFile is one file copied into a tree from an SCM. File is relative
// to the tree root.
type ExtraFile struct {
	File      string            `json:"file"`
	Size      int64             `json:"size"`
	Checksums map[string]string `json:"checksums"`
}

// ExtraFilesManifest is extra_files.json: variant -> arch -> files.
type ExtraFilesManifest struct {
	mu    sync.Mutex
	files map[string]map[string][]ExtraFile
}

func NewExtraFilesManifest() *ExtraFilesManifest {
	return &ExtraFilesManifest{files: map[string]map[string][]ExtraFile{}}
}

// Add records root/rel with its size and checksums.
func (m *ExtraFilesManifest) Add(variant, arch, root, rel string, algos []string) error {
	path := filepath.Join(root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	sums, err := MultiChecksum(path, algos)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[variant] == nil {
		m.files[variant] = map[string][]ExtraFile{}
	}
	m.files[variant][arch] = append(m.files[variant][arch], ExtraFile{File: rel, Size: info.Size(), Checksums: sums})
	return nil
}

// Files returns the files recorded for variant and arch sorted by name.
func (m *ExtraFilesManifest) Files(variant, arch string) []ExtraFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ExtraFile(nil), m.files[variant][arch]...)
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func (m *ExtraFilesManifest) Write(path string, compose ComposeHeader) error {
	m.mu.Lock()
	files := map[string]map[string][]ExtraFile{}
	for variant, byArch := range m.files {
		files[variant] = map[string][]ExtraFile{}
		for arch, list := range byArch {
			sorted := append([]ExtraFile(nil), list...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].File < sorted[j].File })
			files[variant][arch] = sorted
		}
	}
	m.mu.Unlock()
	return writeDocument(path, "productmd.extra_files", "1.1", map[string]interface{}{
		"compose":     compose,
		"extra_files": files,
	})
}
