package phases

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/threadpool"
)

type tree struct {
	Variant *compose.Variant
	Arch    string
}

func (t tree) String() string {
	return t.Variant.UID + "." + t.Arch
}

// trees lists every variant and arch with its own tree, sources included.
// Addons are described by the tree of their parent.
func (p *Pipeline) trees(withAddons bool) []tree {
	c := p.Compose
	var out []tree
	for _, arch := range append(c.Arches(), "src") {
		for _, v := range c.GetVariants(arch) {
			if v.Type == compose.VariantTypeAddon && !withAddons {
				continue
			}
			out = append(out, tree{Variant: v, Arch: arch})
		}
	}
	return out
}

// treeMetadata writes .treeinfo, .discinfo and media.repo into every tree.
func (p *Pipeline) treeMetadata(ctx context.Context) error {
	c := p.Compose
	log := c.PhaseLog("tree_metadata")
	timestamp := time.Now()
	pool := threadpool.New("tree_metadata", threadpool.DefaultWorkers(c.Conf.MaxWorkers), log,
		func(ctx context.Context, t tree, num int) error {
			return p.writeTreeMetadata(t, timestamp)
		})
	for _, t := range p.trees(false) {
		pool.QueuePut(t)
	}
	return pool.Run(ctx)
}

func (p *Pipeline) writeTreeMetadata(t tree, timestamp time.Time) error {
	c := p.Compose
	conf := c.Conf
	root := c.Paths.OSTree(t.Arch, t.Variant.UID)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	ti := metadata.NewTreeInfo()
	ti.Release = metadata.Release{Name: conf.ReleaseName, Short: conf.ReleaseShort, Version: conf.ReleaseVersion, IsLayered: conf.IsLayered()}
	if conf.IsLayered() {
		ti.BaseProduct = &metadata.Release{Name: conf.BaseProductName, Short: conf.BaseProductShort, Version: conf.BaseProductVersion}
	}
	if t.Variant.Type == compose.VariantTypeLayeredProduct {
		base := ti.Release
		base.IsLayered = false
		ti.BaseProduct = &base
		ti.Release = metadata.Release{Name: t.Variant.ReleaseName, Short: t.Variant.ReleaseShort, Version: t.Variant.ReleaseVersion, IsLayered: true}
	}
	ti.Arch = t.Arch
	ti.BuildTimestamp = timestamp.Unix()

	// the installer tree written by buildinstall
	if lorax, err := metadata.LoadTreeInfo(filepath.Join(root, ".treeinfo")); err == nil {
		ti.Platforms = lorax.Platforms
		ti.Images = lorax.Images
		ti.MainImage = lorax.MainImage
	}

	variants := []*compose.Variant{t.Variant}
	variants = append(variants, c.ChildrenOf(t.Variant, compose.VariantTypeAddon)...)
	for _, v := range variants {
		vroot := c.Paths.OSTree(t.Arch, v.UID)
		if _, err := os.Stat(vroot); err != nil {
			continue
		}
		rel, err := filepath.Rel(root, vroot)
		if err != nil {
			return err
		}
		tv := metadata.TreeVariant{
			ID:         v.ID,
			UID:        v.UID,
			Name:       v.Name,
			Type:       v.Type,
			Packages:   filepath.Join(rel, "Packages"),
			Repository: rel,
		}
		if v != t.Variant {
			tv.Parent = t.Variant.UID
		}
		ti.Variants = append(ti.Variants, tv)
		repomd := filepath.Join(rel, "repodata", "repomd.xml")
		if _, err := os.Stat(filepath.Join(root, repomd)); err == nil {
			if err := ti.AddChecksum(root, repomd); err != nil {
				return err
			}
		}
	}
	if err := ti.UpdateChecksums(root); err != nil {
		return err
	}
	if err := ti.Write(filepath.Join(root, ".treeinfo")); err != nil {
		return err
	}

	desc, err := c.Description(t.Variant, t.Arch)
	if err != nil {
		return err
	}
	ts := float64(timestamp.Unix())
	di := metadata.DiscInfo{Timestamp: ts, Description: desc, Arch: t.Arch}
	if err := di.Write(filepath.Join(root, ".discinfo")); err != nil {
		return err
	}
	return metadata.WriteMediaRepo(filepath.Join(root, "media.repo"), desc, ts)
}
