package extraiso

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/createiso"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/wrappers"
)

// variantsOnMedium lists the primary variant first, then the included
// ones.
func (p *Phase) variantsOnMedium(j job) ([]*compose.Variant, error) {
	out := []*compose.Variant{j.Variant}
	for _, uid := range j.Config.IncludeVariants {
		v := p.Compose.Variant(uid)
		if v == nil {
			return nil, fmt.Errorf("extra ISO for %s includes unknown variant %s", j.Variant.UID, uid)
		}
		if v.UID != j.Variant.UID {
			out = append(out, v)
		}
	}
	return out, nil
}

// graftPoints puts the packages and repodata of every variant below a
// directory named after it. The ISO specific extra files and metadata go
// to the top level.
func (p *Phase) graftPoints(j job, isoDir, extraDir string) (map[string]string, error) {
	c := p.Compose
	files := map[string]string{}
	if j.Bootable {
		biDir := c.Paths.BuildinstallDir(j.Arch, "")
		if c.Conf.BuildinstallMethod == "lorax" {
			biDir = c.Paths.BuildinstallDir(j.Arch, j.Variant.UID)
		}
		if err := createiso.CopyBootImages(biDir, isoDir); err != nil {
			return nil, err
		}
		boot, err := wrappers.GraftPoints(biDir, isoDir)
		if err != nil {
			return nil, err
		}
		delete(boot, "buildinstall.metadata")
		for k, v := range boot {
			files[k] = v
		}
		efiboot := filepath.Join(c.Paths.OSTree(j.Arch, j.Variant.UID), "images", "efiboot.img")
		if _, err := os.Stat(efiboot); err == nil {
			files["images/efiboot.img"] = efiboot
		}
	}

	variants, err := p.variantsOnMedium(j)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		dirs := map[string]string{
			"Packages": c.Paths.Packages(j.Arch, v.UID),
			"repodata": filepath.Join(c.Paths.Repository(j.Arch, v.UID), "repodata"),
		}
		if j.Config.InheritExtraFiles {
			dirs[""] = c.Paths.ExtraFilesDir(j.Arch, v.UID)
		}
		for prefix, dir := range dirs {
			if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
				continue
			}
			points, err := wrappers.GraftPoints(dir)
			if err != nil {
				return nil, err
			}
			for k, path := range points {
				files[filepath.Join(v.UID, prefix, k)] = path
			}
		}
	}

	extra, err := wrappers.GraftPoints(extraDir)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		files[k] = v
	}
	return files, nil
}

// prepareExtraFiles fills the ISO specific extra files directory: the
// configured extra files first, then the media metadata unless an extra
// file already provides it.
func (p *Phase) prepareExtraFiles(ctx context.Context, j job, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	provided := map[string]bool{}
	for _, spec := range j.Config.ExtraFiles {
		if p.Exporter == nil {
			return errors.New("extra ISO extra_files need an scm exporter")
		}
		files, err := p.Exporter.Export(ctx, spec, dir)
		if err != nil {
			return fmt.Errorf("cannot export extra files for %s.%s: %w", j.Variant.UID, j.Arch, err)
		}
		for _, f := range files {
			provided[f] = true
		}
	}

	variants, err := p.variantsOnMedium(j)
	if err != nil {
		return err
	}
	if !provided[".treeinfo"] {
		if err := p.tweakTreeInfo(j, variants, filepath.Join(dir, ".treeinfo")); err != nil {
			return err
		}
	}
	desc, err := p.Compose.Description(j.Variant, j.Arch)
	if err != nil {
		return err
	}
	timestamp := float64(time.Now().Unix())
	if di, err := metadata.LoadDiscInfo(filepath.Join(p.Compose.Paths.OSTree(j.Arch, j.Variant.UID), ".discinfo")); err == nil {
		timestamp = di.Timestamp
	}
	if !provided[".discinfo"] {
		di := metadata.DiscInfo{Timestamp: timestamp, Description: desc, Arch: j.Arch, DiscNumbers: []int{1}}
		if err := di.Write(filepath.Join(dir, ".discinfo")); err != nil {
			return err
		}
	}
	if !provided["media.repo"] {
		if err := metadata.WriteMediaRepo(filepath.Join(dir, "media.repo"), desc, timestamp); err != nil {
			return err
		}
	}
	return nil
}

// tweakTreeInfo starts from the .treeinfo of the primary tree and points
// every variant at its own directory on the medium.
func (p *Phase) tweakTreeInfo(j job, variants []*compose.Variant, dest string) error {
	c := p.Compose
	tree := c.Paths.OSTree(j.Arch, j.Variant.UID)
	ti, err := metadata.LoadTreeInfo(filepath.Join(tree, ".treeinfo"))
	if err != nil {
		if _, serr := os.Stat(filepath.Join(tree, ".treeinfo")); serr == nil {
			return err
		}
		ti = metadata.NewTreeInfo()
		ti.Release = metadata.Release{Name: c.Conf.ReleaseName, Short: c.Conf.ReleaseShort, Version: c.Conf.ReleaseVersion}
		ti.Arch = j.Arch
		ti.BuildTimestamp = time.Now().Unix()
	}
	for _, images := range ti.Images {
		if path, ok := images["boot.iso"]; ok {
			ti.RemoveImage(path)
		}
	}
	ti.Media = &metadata.Media{DiscNum: 1, TotalDiscs: 1}

	known := map[string]bool{}
	for _, tv := range ti.Variants {
		known[tv.UID] = true
	}
	for _, v := range variants {
		if !known[v.UID] {
			ti.Variants = append(ti.Variants, metadata.TreeVariant{ID: v.ID, UID: v.UID, Name: v.Name, Type: v.Type})
		}
	}
	delete(ti.Checksums, "repodata/repomd.xml")
	for i := range ti.Variants {
		tv := &ti.Variants[i]
		tv.Packages = filepath.Join(tv.UID, "Packages")
		tv.Repository = tv.UID
		repomd := filepath.Join(c.Paths.Repository(j.Arch, tv.UID), "repodata", "repomd.xml")
		if _, err := os.Stat(repomd); err != nil {
			continue
		}
		sum, err := metadata.FileChecksum(repomd, "sha256")
		if err != nil {
			return err
		}
		ti.Checksums[filepath.Join(tv.UID, "repodata", "repomd.xml")] = "sha256:" + sum
	}
	return ti.Write(dest)
}
