package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/osbuild/pungi/internal/comps"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/gather"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/rpmmd"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/wrappers"
)

func metadataFile(c *compose.Compose, name string) string {
	return filepath.Join(c.Paths.MetadataDir(), name)
}

// initCompose writes the first composeinfo.json and the comps files the
// later phases read.
func (p *Pipeline) initCompose(ctx context.Context) error {
	if err := p.writeComposeInfo(); err != nil {
		return err
	}
	c := p.Compose
	if c.Conf.CompsFile == "" {
		return nil
	}
	src, err := comps.ReadFile(c.Conf.CompsFile)
	if err != nil {
		return err
	}
	for _, arch := range c.Arches() {
		if err := src.Filter(arch, nil).WriteFile(c.Paths.Comps(arch, "")); err != nil {
			return err
		}
		for _, v := range c.GetVariants(arch) {
			groups := v.Groups
			if v.Type == compose.VariantTypeOptional {
				if parent := c.ParentOf(v); parent != nil {
					groups = append(append([]string{}, parent.Groups...), groups...)
				}
			}
			if len(groups) == 0 {
				continue
			}
			path := c.Paths.Comps(arch, v.UID)
			if err := src.Filter(arch, groups).WriteFile(path); err != nil {
				return err
			}
			if c.Conf.Bootable && v.Type == compose.VariantTypeVariant {
				if err := p.compsRepo(ctx, arch, v, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// compsRepo turns the variant comps into an empty repository lorax can
// take the groups from.
func (p *Pipeline) compsRepo(ctx context.Context, arch string, v *compose.Variant, compsFile string) error {
	c := p.Compose
	dir := c.Paths.CompsRepo(arch, v.UID)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tool := wrappers.Createrepo{UseC: c.Conf.CreaterepoC}
	argv := tool.CreaterepoArgv(wrappers.CreaterepoOptions{
		Directory: dir,
		Groupfile: compsFile,
		Checksum:  c.Conf.CreaterepoChecksum,
	})
	_, err := p.Runner.Run(ctx, shell.Command{
		Argv:    argv,
		LogFile: c.Paths.LogFile(arch, "comps_repo-"+v.UID),
		ShowCmd: true,
	})
	if err != nil {
		return fmt.Errorf("cannot create comps repo for %s.%s: %w", v.UID, arch, err)
	}
	return nil
}

func releaseInfo(name, short, version, typ string, layered bool) metadata.ReleaseInfo {
	return metadata.ReleaseInfo{Name: name, Short: short, Version: version, Type: typ, IsLayered: layered}
}

// writeComposeInfo describes every variant and the trees it has so far.
func (p *Pipeline) writeComposeInfo() error {
	c := p.Compose
	conf := c.Conf
	header := c.MetadataHeader()
	header.RunID = c.RunID
	ci := metadata.ComposeInfo{
		Compose: header,
		Release: releaseInfo(conf.ReleaseName, conf.ReleaseShort, conf.ReleaseVersion, conf.ReleaseType, conf.IsLayered()),
	}
	if conf.IsLayered() {
		base := releaseInfo(conf.BaseProductName, conf.BaseProductShort, conf.BaseProductVersion, conf.BaseProductType, false)
		ci.BaseProduct = &base
	}
	for _, v := range c.GetVariants("") {
		info := metadata.VariantInfo{
			ID:     v.ID,
			UID:    v.UID,
			Name:   v.Name,
			Type:   v.Type,
			Arches: v.Arches,
			Parent: v.Parent,
			Paths:  metadata.VariantPaths{},
		}
		for _, arch := range v.Arches {
			p.variantPaths(info.Paths, v, arch)
		}
		ci.Variants = append(ci.Variants, info)
	}
	return ci.Write(metadataFile(c, "composeinfo.json"))
}

// variantPaths records the directories that exist for the variant on arch.
// Source trees are listed under the binary arch.
func (p *Pipeline) variantPaths(paths metadata.VariantPaths, v *compose.Variant, arch string) {
	c := p.Compose
	candidates := []struct {
		kind string
		path string
	}{
		{"os_tree", c.Paths.OSTree(arch, v.UID)},
		{"packages", c.Paths.Packages(arch, v.UID)},
		{"repository", c.Paths.Repository(arch, v.UID)},
		{"isos", c.Paths.IsoDir(arch, v.UID)},
		{"jigdos", c.Paths.JigdoDir(arch, v.UID)},
		{"debug_tree", c.Paths.DebugTree(arch, v.UID)},
		{"debug_packages", c.Paths.DebugPackages(arch, v.UID)},
		{"debug_repository", c.Paths.DebugTree(arch, v.UID)},
		{"source_tree", c.Paths.OSTree("src", v.UID)},
		{"source_packages", c.Paths.Packages("src", v.UID)},
		{"source_repository", c.Paths.Repository("src", v.UID)},
		{"source_isos", c.Paths.IsoDir("src", v.UID)},
		{"source_jigdos", c.Paths.JigdoDir("src", v.UID)},
	}
	for _, cand := range candidates {
		if _, err := os.Stat(cand.path); err != nil {
			continue
		}
		rel, err := filepath.Rel(c.Paths.ComposeTopdir(), cand.path)
		if err != nil {
			continue
		}
		if paths[cand.kind] == nil {
			paths[cand.kind] = map[string]string{}
		}
		paths[cand.kind][arch] = rel
	}
}

var rpmCategories = map[gather.Kind]string{
	gather.KindRPM:       "binary",
	gather.KindSRPM:      "source",
	gather.KindDebuginfo: "debug",
}

// entryNEVRAs returns the NEVRA of the package and of its source package.
func entryNEVRAs(e gather.Entry) (string, string, error) {
	pkg := e.Package
	if pkg == nil {
		n, err := rpmmd.ParseNEVRA(e.Filename())
		if err != nil {
			return "", "", err
		}
		pkg = &rpmmd.Package{Name: n.Name, Epoch: n.Epoch, Version: n.Version, Release: n.Release, Arch: n.Arch}
	}
	if pkg.IsSource() || pkg.SourceRPM == "" {
		return pkg.NEVRA(), pkg.NEVRA(), nil
	}
	src, err := rpmmd.ParseNEVRA(pkg.SourceNVRA())
	if err != nil {
		return "", "", err
	}
	srpm := fmt.Sprintf("%s-%d:%s-%s.%s", src.Name, pkg.Epoch, src.Version, src.Release, src.Arch)
	return srpm, pkg.NEVRA(), nil
}

// writeRPMs writes rpms.json from the gather results. Source packages are
// listed under every arch that shipped one of their binaries.
func (p *Pipeline) writeRPMs() error {
	c := p.Compose
	manifest := metadata.NewRPMManifest()
	for arch, byVariant := range p.Gather {
		for uid, res := range byVariant {
			for _, kind := range gather.Kinds {
				for _, e := range res.Entries(kind) {
					srpm, nevra, err := entryNEVRAs(e)
					if err != nil {
						return fmt.Errorf("%s.%s: %w", uid, arch, err)
					}
					path, err := filepath.Rel(c.Paths.ComposeTopdir(), gather.PackagePath(c, arch, uid, kind, e.Filename()))
					if err != nil {
						return err
					}
					sigkey := ""
					if e.Package != nil {
						sigkey = e.Package.Sigkey
					}
					manifest.Add(uid, arch, srpm, nevra, metadata.RPMEntry{Path: path, Sigkey: sigkey, Category: rpmCategories[kind]})
				}
			}
		}
	}
	return manifest.Write(metadataFile(c, "rpms.json"), c.MetadataHeader())
}

// writeModules writes modules.json when any variant ships modules.
func (p *Pipeline) writeModules() error {
	c := p.Compose
	manifest := metadata.NewModuleManifest()
	found := false
	for _, v := range c.GetVariants("") {
		for _, arch := range v.Arches {
			for nsvc, s := range v.ArchModules(arch) {
				found = true
				manifest.Add(v.UID, arch, s.NSVCA(), metadata.ModuleEntry{
					Name:    s.Name,
					Stream:  s.Stream,
					Version: strconv.FormatUint(s.Version, 10),
					Context: s.Context,
					Arch:    s.Arch,
					RPMs:    s.Artifacts,
					KojiTag: v.ModuleKojiTag(nsvc),
				})
			}
		}
	}
	if !found {
		return nil
	}
	return manifest.Write(metadataFile(c, "modules.json"), c.MetadataHeader())
}
