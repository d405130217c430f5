package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Image is one deliverable registered in the manifest. Path is relative to
// the compose/ directory.
type Image struct {
	Path               string            `json:"path"`
	Arch               string            `json:"arch"`
	Type               string            `json:"type"`
	Format             string            `json:"format"`
	DiscNumber         int               `json:"disc_number"`
	DiscCount          int               `json:"disc_count"`
	Size               int64             `json:"size"`
	Mtime              int64             `json:"mtime"`
	Bootable           bool              `json:"bootable"`
	ImplantMD5         string            `json:"implant_md5,omitempty"`
	VolumeID           string            `json:"volume_id,omitempty"`
	Subvariant         string            `json:"subvariant"`
	AdditionalVariants []string          `json:"additional_variants,omitempty"`
	CanFail            bool              `json:"-"`
	Deliverable        string            `json:"-"`
	Checksums          map[string]string `json:"checksums,omitempty"`
}

// ImageManifest collects the images of a compose. It is shared between
// workers and every mutator takes the lock.
type ImageManifest struct {
	mu     sync.Mutex
	images map[string]map[string][]Image
}

func NewImageManifest() *ImageManifest {
	return &ImageManifest{images: map[string]map[string][]Image{}}
}

// Add registers img for the variant and arch. Registering the same path
// twice for the same key is an error.
func (m *ImageManifest) Add(variant, arch string, img Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byArch, ok := m.images[variant]
	if !ok {
		byArch = map[string][]Image{}
		m.images[variant] = byArch
	}
	for _, existing := range byArch[arch] {
		if existing.Path == img.Path {
			return fmt.Errorf("image %s already registered for %s.%s", img.Path, variant, arch)
		}
	}
	byArch[arch] = append(byArch[arch], img)
	return nil
}

// Images returns a copy of the images registered for variant and arch.
func (m *ImageManifest) Images(variant, arch string) []Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Image(nil), m.images[variant][arch]...)
}

// Update replaces the image with the same path.
func (m *ImageManifest) Update(variant, arch string, img Image) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.images[variant][arch]
	for i := range list {
		if list[i].Path == img.Path {
			list[i] = img
			return true
		}
	}
	return false
}

// All returns every image ordered by variant, arch and path.
func (m *ImageManifest) All() []VariantImage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []VariantImage
	for variant, byArch := range m.images {
		for arch, images := range byArch {
			for _, img := range images {
				out = append(out, VariantImage{Variant: variant, Arch: arch, Image: img})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Variant != out[j].Variant {
			return out[i].Variant < out[j].Variant
		}
		if out[i].Arch != out[j].Arch {
			return out[i].Arch < out[j].Arch
		}
		return out[i].Image.Path < out[j].Image.Path
	})
	return out
}

type VariantImage struct {
	Variant string
	Arch    string
	Image   Image
}

// ComposeHeader identifies the compose in every metadata file.
type ComposeHeader struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Type   string `json:"type"`
	Respin int    `json:"respin"`
	Label  string `json:"label,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

type header struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

type document struct {
	Header  header      `json:"header"`
	Payload interface{} `json:"payload"`
}

// WriteImages writes images.json.
func (m *ImageManifest) WriteImages(path string, compose ComposeHeader) error {
	images := map[string]map[string][]Image{}
	for _, vi := range m.All() {
		if images[vi.Variant] == nil {
			images[vi.Variant] = map[string][]Image{}
		}
		images[vi.Variant][vi.Arch] = append(images[vi.Variant][vi.Arch], vi.Image)
	}
	return writeDocument(path, "productmd.images", "1.2", map[string]interface{}{
		"compose": compose,
		"images":  images,
	})
}

func writeDocument(path, kind, version string, payload interface{}) error {
	data, err := json.MarshalIndent(document{
		Header:  header{Type: kind, Version: version},
		Payload: payload,
	}, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
