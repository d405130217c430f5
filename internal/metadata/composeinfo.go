package metadata

import (
	"sort"
	"sync"
)

type ReleaseInfo struct {
	Name      string `json:"name"`
	Short     string `json:"short"`
	Version   string `json:"version"`
	Type      string `json:"type"`
	IsLayered bool   `json:"is_layered"`
}

// VariantPaths maps a kind of tree (os_tree, packages, isos...) to
// arch -> path relative to compose/.
type VariantPaths map[string]map[string]string

type VariantInfo struct {
	ID     string       `json:"id"`
	UID    string       `json:"uid"`
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Arches []string     `json:"arches"`
	Paths  VariantPaths `json:"paths"`
	Parent string       `json:"parent,omitempty"`
}

// ComposeInfo is composeinfo.json, the description of every variant and
// where its trees live.
type ComposeInfo struct {
	Compose     ComposeHeader
	Release     ReleaseInfo
	BaseProduct *ReleaseInfo
	Variants    []VariantInfo
}

func (ci *ComposeInfo) Write(path string) error {
	variants := make(map[string]VariantInfo, len(ci.Variants))
	for _, v := range ci.Variants {
		arches := append([]string(nil), v.Arches...)
		sort.Strings(arches)
		v.Arches = arches
		if v.Paths == nil {
			v.Paths = VariantPaths{}
		}
		variants[v.UID] = v
	}
	payload := map[string]interface{}{
		"compose":  ci.Compose,
		"release":  ci.Release,
		"variants": variants,
	}
	if ci.BaseProduct != nil {
		payload["base_product"] = ci.BaseProduct
	}
	return writeDocument(path, "productmd.composeinfo", "1.2", payload)
}

// RPMEntry is one binary or source package in rpms.json.
type RPMEntry struct {
	Path     string `json:"path"`
	Sigkey   string `json:"sigkey"`
	Category string `json:"category"`
}

// RPMManifest collects the packages of every variant and arch, keyed by
// source NEVRA and then package NEVRA.
type RPMManifest struct {
	mu   sync.Mutex
	rpms map[string]map[string]map[string]map[string]RPMEntry
}

func NewRPMManifest() *RPMManifest {
	return &RPMManifest{rpms: map[string]map[string]map[string]map[string]RPMEntry{}}
}

func (m *RPMManifest) Add(variant, arch, srpmNEVRA, rpmNEVRA string, entry RPMEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byArch, ok := m.rpms[variant]
	if !ok {
		byArch = map[string]map[string]map[string]RPMEntry{}
		m.rpms[variant] = byArch
	}
	bySrpm, ok := byArch[arch]
	if !ok {
		bySrpm = map[string]map[string]RPMEntry{}
		byArch[arch] = bySrpm
	}
	entries, ok := bySrpm[srpmNEVRA]
	if !ok {
		entries = map[string]RPMEntry{}
		bySrpm[srpmNEVRA] = entries
	}
	entries[rpmNEVRA] = entry
}

// Count returns the number of packages for variant and arch.
func (m *RPMManifest) Count(variant, arch string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entries := range m.rpms[variant][arch] {
		n += len(entries)
	}
	return n
}

func (m *RPMManifest) Write(path string, compose ComposeHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeDocument(path, "productmd.rpms", "1.2", map[string]interface{}{
		"compose": compose,
		"rpms":    m.rpms,
	})
}

// ModuleEntry is one module stream shipped in a variant.
type ModuleEntry struct {
	Name    string   `json:"name"`
	Stream  string   `json:"stream"`
	Version string   `json:"version"`
	Context string   `json:"context"`
	Arch    string   `json:"arch"`
	RPMs    []string `json:"rpms"`
	KojiTag string   `json:"koji_tag,omitempty"`
}

// ModuleManifest is modules.json: variant -> arch -> NSVCA -> entry.
type ModuleManifest struct {
	mu      sync.Mutex
	modules map[string]map[string]map[string]ModuleEntry
}

func NewModuleManifest() *ModuleManifest {
	return &ModuleManifest{modules: map[string]map[string]map[string]ModuleEntry{}}
}

func (m *ModuleManifest) Add(variant, arch, nsvca string, entry ModuleEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modules[variant] == nil {
		m.modules[variant] = map[string]map[string]ModuleEntry{}
	}
	if m.modules[variant][arch] == nil {
		m.modules[variant][arch] = map[string]ModuleEntry{}
	}
	rpms := append([]string{}, entry.RPMs...)
	sort.Strings(rpms)
	entry.RPMs = rpms
	m.modules[variant][arch][nsvca] = entry
}

func (m *ModuleManifest) Write(path string, compose ComposeHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeDocument(path, "productmd.modules", "1.1", map[string]interface{}{
		"compose": compose,
		"modules": m.modules,
	})
}
