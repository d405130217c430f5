package metadata

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const treeInfoVersion = "1.2"

type Release struct {
	Name      string
	Short     string
	Version   string
	IsLayered bool
}

// TreeVariant is one variant reachable in a tree. Paths are relative to
// the tree root.
type TreeVariant struct {
	ID         string
	UID        string
	Name       string
	Type       string
	Parent     string
	Packages   string
	Repository string
}

type Media struct {
	DiscNum    int
	TotalDiscs int
}

// TreeInfo is the .treeinfo file of an installable tree.
type TreeInfo struct {
	Release        Release
	BaseProduct    *Release
	Arch           string
	BuildTimestamp int64
	Platforms      []string
	Variants       []TreeVariant
	// platform -> image kind -> path
	Images    map[string]map[string]string
	MainImage string
	Checksums map[string]string
	Media     *Media
}

func NewTreeInfo() *TreeInfo {
	return &TreeInfo{Images: map[string]map[string]string{}, Checksums: map[string]string{}}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func loadRelease(sec *ini.Section) Release {
	return Release{
		Name:      sec.Key("name").String(),
		Short:     sec.Key("short").String(),
		Version:   sec.Key("version").String(),
		IsLayered: sec.Key("is_layered").MustBool(false),
	}
}

// LoadTreeInfo parses a .treeinfo file. Files written by lorax only carry
// the tree, images and stage2 sections.
func LoadTreeInfo(path string) (*TreeInfo, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", path, err)
	}
	t := NewTreeInfo()
	if f.HasSection("release") {
		t.Release = loadRelease(f.Section("release"))
	} else if f.HasSection("general") {
		g := f.Section("general")
		t.Release = Release{Name: g.Key("family").String(), Version: g.Key("version").String()}
	}
	if f.HasSection("base_product") {
		base := loadRelease(f.Section("base_product"))
		t.BaseProduct = &base
	}
	tree := f.Section("tree")
	t.Arch = tree.Key("arch").String()
	if t.Arch == "" {
		t.Arch = f.Section("general").Key("arch").String()
	}
	t.BuildTimestamp = tree.Key("build_timestamp").MustInt64(0)
	t.Platforms = splitList(tree.Key("platforms").String())

	for _, uid := range splitList(tree.Key("variants").String()) {
		sec := f.Section("variant-" + uid)
		t.Variants = append(t.Variants, TreeVariant{
			ID:         sec.Key("id").String(),
			UID:        sec.Key("uid").MustString(uid),
			Name:       sec.Key("name").String(),
			Type:       sec.Key("type").String(),
			Parent:     sec.Key("parent").String(),
			Packages:   sec.Key("packages").String(),
			Repository: sec.Key("repository").String(),
		})
	}
	for _, sec := range f.Sections() {
		platform, ok := strings.CutPrefix(sec.Name(), "images-")
		if !ok {
			continue
		}
		t.Images[platform] = map[string]string{}
		for _, k := range sec.Keys() {
			t.Images[platform][k.Name()] = k.String()
		}
	}
	t.MainImage = f.Section("stage2").Key("mainimage").String()
	for _, k := range f.Section("checksums").Keys() {
		t.Checksums[k.Name()] = k.String()
	}
	if f.HasSection("media") {
		m := f.Section("media")
		t.Media = &Media{DiscNum: m.Key("discnum").MustInt(1), TotalDiscs: m.Key("totaldiscs").MustInt(1)}
	}
	return t, nil
}

func setRelease(sec *ini.Section, r Release) {
	sec.Key("name").SetValue(r.Name)
	sec.Key("short").SetValue(r.Short)
	sec.Key("version").SetValue(r.Version)
	sec.Key("is_layered").SetValue(strconv.FormatBool(r.IsLayered))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Write stores the tree info. A [general] section is added for installers
// that only read the pre-productmd format.
func (t *TreeInfo) Write(path string) error {
	f := ini.Empty()
	header := f.Section("header")
	header.Key("type").SetValue("productmd.treeinfo")
	header.Key("version").SetValue(treeInfoVersion)
	setRelease(f.Section("release"), t.Release)
	if t.BaseProduct != nil {
		setRelease(f.Section("base_product"), *t.BaseProduct)
	}

	platforms := append([]string(nil), t.Platforms...)
	sort.Strings(platforms)
	uids := make([]string, 0, len(t.Variants))
	for _, v := range t.Variants {
		uids = append(uids, v.UID)
	}
	tree := f.Section("tree")
	tree.Key("arch").SetValue(t.Arch)
	tree.Key("build_timestamp").SetValue(strconv.FormatInt(t.BuildTimestamp, 10))
	tree.Key("platforms").SetValue(strings.Join(platforms, ","))
	tree.Key("variants").SetValue(strings.Join(uids, ","))

	for _, v := range t.Variants {
		sec := f.Section("variant-" + v.UID)
		sec.Key("id").SetValue(v.ID)
		sec.Key("name").SetValue(v.Name)
		sec.Key("type").SetValue(v.Type)
		sec.Key("uid").SetValue(v.UID)
		if v.Parent != "" {
			sec.Key("parent").SetValue(v.Parent)
		}
		if v.Packages != "" {
			sec.Key("packages").SetValue(v.Packages)
		}
		if v.Repository != "" {
			sec.Key("repository").SetValue(v.Repository)
		}
	}

	if t.MainImage != "" {
		f.Section("stage2").Key("mainimage").SetValue(t.MainImage)
	}
	for _, platform := range sortedKeys(platformKeys(t.Images)) {
		sec := f.Section("images-" + platform)
		for _, kind := range sortedKeys(t.Images[platform]) {
			sec.Key(kind).SetValue(t.Images[platform][kind])
		}
	}
	if len(t.Checksums) > 0 {
		sec := f.Section("checksums")
		for _, p := range sortedKeys(t.Checksums) {
			sec.Key(p).SetValue(t.Checksums[p])
		}
	}
	if t.Media != nil {
		sec := f.Section("media")
		sec.Key("discnum").SetValue(strconv.Itoa(t.Media.DiscNum))
		sec.Key("totaldiscs").SetValue(strconv.Itoa(t.Media.TotalDiscs))
	}

	general := f.Section("general")
	general.Key("family").SetValue(t.Release.Name)
	general.Key("version").SetValue(t.Release.Version)
	general.Key("name").SetValue(strings.TrimSpace(t.Release.Name + " " + t.Release.Version))
	general.Key("arch").SetValue(t.Arch)
	general.Key("platforms").SetValue(strings.Join(platforms, ","))
	general.Key("timestamp").SetValue(strconv.FormatInt(t.BuildTimestamp, 10))
	if len(t.Variants) > 0 {
		general.Key("variant").SetValue(t.Variants[0].UID)
		general.Key("packagedir").SetValue(t.Variants[0].Packages)
		general.Key("repository").SetValue(t.Variants[0].Repository)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// a hardlinked .treeinfo from another tree must not change with this one
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return f.SaveTo(path)
}

func platformKeys(images map[string]map[string]string) map[string]string {
	out := make(map[string]string, len(images))
	for k := range images {
		out[k] = ""
	}
	return out
}

// RemoveImage drops every image reference to path, and its checksum.
func (t *TreeInfo) RemoveImage(path string) {
	for platform, images := range t.Images {
		for kind, p := range images {
			if p == path {
				delete(images, kind)
			}
		}
		if len(images) == 0 {
			delete(t.Images, platform)
		}
	}
	delete(t.Checksums, path)
}

// AddChecksum records the sha256 of root/rel.
func (t *TreeInfo) AddChecksum(root, rel string) error {
	sum, err := FileChecksum(filepath.Join(root, rel), "sha256")
	if err != nil {
		return err
	}
	t.Checksums[rel] = "sha256:" + sum
	return nil
}

// UpdateChecksums recomputes the checksum of every referenced image that
// exists under root.
func (t *TreeInfo) UpdateChecksums(root string) error {
	paths := map[string]bool{}
	for _, images := range t.Images {
		for _, p := range images {
			paths[p] = true
		}
	}
	for p := range t.Checksums {
		paths[p] = true
	}
	for p := range paths {
		if _, err := os.Stat(filepath.Join(root, p)); os.IsNotExist(err) {
			delete(t.Checksums, p)
			continue
		}
		if err := t.AddChecksum(root, p); err != nil {
			return err
		}
	}
	return nil
}

// FileChecksum returns the hex digest of a file.
func FileChecksum(path, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
