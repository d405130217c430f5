// Package comps reads and writes the package group XML that ties groups
// and environments to package names.
package comps

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type PackageReq struct {
	Type     string `xml:"type,attr,omitempty"`
	Requires string `xml:"requires,attr,omitempty"`
	Arch     string `xml:"arch,attr,omitempty"`
	Basearch string `xml:"basearchonly,attr,omitempty"`
	Name     string `xml:",chardata"`
}

type Group struct {
	ID          string       `xml:"id"`
	Name        string       `xml:"name"`
	Description string       `xml:"description,omitempty"`
	Default     bool         `xml:"default"`
	UserVisible bool         `xml:"uservisible"`
	Arch        string       `xml:"arch,attr,omitempty"`
	Packages    []PackageReq `xml:"packagelist>packagereq"`
}

type GroupID struct {
	Arch string `xml:"arch,attr,omitempty"`
	ID   string `xml:",chardata"`
}

type Environment struct {
	ID           string    `xml:"id"`
	Name         string    `xml:"name"`
	Description  string    `xml:"description,omitempty"`
	DisplayOrder int       `xml:"display_order,omitempty"`
	Arch         string    `xml:"arch,attr,omitempty"`
	Groups       []GroupID `xml:"grouplist>groupid"`
	Options      []GroupID `xml:"optionlist>groupid"`
}

type Category struct {
	ID           string    `xml:"id"`
	Name         string    `xml:"name"`
	Description  string    `xml:"description,omitempty"`
	DisplayOrder int       `xml:"display_order,omitempty"`
	Groups       []GroupID `xml:"grouplist>groupid"`
}

// Langpack maps a package name to the pattern its language subpackages
// follow, with %s standing for the language code.
type Langpack struct {
	Name    string `xml:"name,attr"`
	Install string `xml:"install,attr"`
}

type Comps struct {
	XMLName      xml.Name      `xml:"comps"`
	Groups       []Group       `xml:"group"`
	Environments []Environment `xml:"environment"`
	Categories   []Category    `xml:"category"`
	Langpacks    []Langpack    `xml:"langpacks>match"`
}

func Read(r io.Reader) (*Comps, error) {
	var c Comps
	if err := xml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("cannot parse comps: %w", err)
	}
	return &c, nil
}

func ReadFile(path string) (*Comps, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Group looks up a group by id.
func (c *Comps) Group(id string) (*Group, bool) {
	for i := range c.Groups {
		if c.Groups[i].ID == id {
			return &c.Groups[i], true
		}
	}
	return nil, false
}

func archMatches(attr, arch string) bool {
	if attr == "" || arch == "" {
		return true
	}
	for _, a := range strings.Fields(strings.ReplaceAll(attr, ",", " ")) {
		if a == arch {
			return true
		}
	}
	return false
}

// Package is a package pulled in through a group.
type Package struct {
	Name  string
	Group string
	// set for conditional entries: install Name only if Requires is
	// already selected
	Requires string
}

// Packages resolves the mandatory and default packages of the listed
// groups for arch. Optional packages are included when optional is set.
// Unknown groups are an error.
func (c *Comps) Packages(groups []string, arch string, optional bool) ([]Package, error) {
	var out []Package
	for _, id := range groups {
		g, ok := c.Group(id)
		if !ok {
			return nil, fmt.Errorf("group %q is not defined in comps", id)
		}
		for _, req := range g.Packages {
			if !archMatches(req.Arch, arch) {
				continue
			}
			switch req.Type {
			case "", "mandatory", "default":
				out = append(out, Package{Name: req.Name, Group: id})
			case "optional":
				if optional {
					out = append(out, Package{Name: req.Name, Group: id})
				}
			case "conditional":
				out = append(out, Package{Name: req.Name, Group: id, Requires: req.Requires})
			}
		}
	}
	return out, nil
}

// LangpackPatterns returns the langpack mapping as name -> pattern.
func (c *Comps) LangpackPatterns() map[string]string {
	out := make(map[string]string, len(c.Langpacks))
	for _, l := range c.Langpacks {
		out[l.Name] = l.Install
	}
	return out
}

// Filter returns a copy that contains only what applies to arch. With
// keep non-empty, groups not listed are dropped and environments and
// categories only reference the kept groups.
func (c *Comps) Filter(arch string, keep []string) *Comps {
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	out := &Comps{Langpacks: append([]Langpack(nil), c.Langpacks...)}
	kept := map[string]bool{}
	for _, g := range c.Groups {
		if !archMatches(g.Arch, arch) {
			continue
		}
		if len(keepSet) > 0 && !keepSet[g.ID] {
			continue
		}
		ng := g
		ng.Arch = ""
		ng.Packages = nil
		for _, p := range g.Packages {
			if archMatches(p.Arch, arch) {
				p.Arch = ""
				ng.Packages = append(ng.Packages, p)
			}
		}
		out.Groups = append(out.Groups, ng)
		kept[g.ID] = true
	}
	filterIDs := func(ids []GroupID) []GroupID {
		var res []GroupID
		for _, id := range ids {
			if kept[id.ID] && archMatches(id.Arch, arch) {
				res = append(res, GroupID{ID: id.ID})
			}
		}
		return res
	}
	for _, e := range c.Environments {
		if !archMatches(e.Arch, arch) {
			continue
		}
		ne := e
		ne.Arch = ""
		ne.Groups = filterIDs(e.Groups)
		ne.Options = filterIDs(e.Options)
		if len(ne.Groups) > 0 || len(keepSet) == 0 {
			out.Environments = append(out.Environments, ne)
		}
	}
	for _, cat := range c.Categories {
		nc := cat
		nc.Groups = filterIDs(cat.Groups)
		if len(nc.Groups) > 0 {
			out.Categories = append(out.Categories, nc)
		}
	}
	sort.SliceStable(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	return out
}

const header = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE comps PUBLIC "-//Red Hat, Inc.//DTD Comps info//EN" "comps.dtd">
`

func (c *Comps) Write(w io.Writer) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(c); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (c *Comps) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
