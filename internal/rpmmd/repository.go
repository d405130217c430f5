package rpmmd

import (
	"sort"
)

// RepoConfig is a repository passed to a dependency solver or to an
// external tool.
type RepoConfig struct {
	Id        string `json:"id"`
	Name      string `json:"name,omitempty"`
	BaseURL   string `json:"baseurl"`
	Lookaside bool   `json:"lookaside,omitempty"`
}

type PackageList []*Package

// Sort orders the list by name, then arch, then descending EVR.
func (packages PackageList) Sort() {
	sort.SliceStable(packages, func(i, j int) bool {
		a, b := packages[i], packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Arch != b.Arch {
			return a.Arch < b.Arch
		}
		return Compare(a, b) > 0
	})
}

// Search returns the index of the first package with the given name and
// the number of packages with that name. The list must be sorted.
func (packages PackageList) Search(name string) (int, int) {
	first := sort.Search(len(packages), func(i int) bool {
		return packages[i].Name >= name
	})

	if first == len(packages) || packages[first].Name != name {
		return first, 0
	}

	last := first + 1
	for last < len(packages) && packages[last].Name == name {
		last++
	}

	return first, last - first
}

// Latest keeps only the highest EVR per (name, arch).
func (packages PackageList) Latest() PackageList {
	best := map[[2]string]*Package{}
	var order [][2]string
	for _, p := range packages {
		key := [2]string{p.Name, p.Arch}
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = p
			continue
		}
		if Compare(p, cur) > 0 {
			best[key] = p
		}
	}
	out := make(PackageList, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// Paths returns the file path of every package.
func (packages PackageList) Paths() []string {
	out := make([]string, 0, len(packages))
	for _, p := range packages {
		out = append(out, p.Path)
	}
	return out
}
