package createiso

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/wrappers"
)

// GraftPointExcludes are never put on a medium.
var GraftPointExcludes = []string{"*/lost+found", "*/boot.iso"}

// bootImages are modified in place by mkisofs, so the medium gets copies.
var bootImages = []string{"isolinux/isolinux.bin", "images/boot.img"}

// isoDisc identifies one medium of a variant tree.
type isoDisc struct {
	Arch      string
	VariantID string
	Filename  string
	DiscNum   int
	DiscCount int
	Disc      Disc
}

// prepare stages the files that differ between the tree and the medium:
// .treeinfo and .discinfo with the disc number, copies of the boot images
// and, on split media, repodata covering only the packages of the disc.
// It returns the graft points file describing the content of the medium.
func (p *Phase) prepare(ctx context.Context, d isoDisc) (string, error) {
	c := p.Compose
	tree := c.Paths.OSTree(d.Arch, d.VariantID)
	isoDir := c.Paths.IsoWorkDir(d.Arch, d.Filename)
	if err := os.RemoveAll(isoDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(isoDir, 0755); err != nil {
		return "", err
	}

	var ti *metadata.TreeInfo
	if _, err := os.Stat(filepath.Join(tree, ".treeinfo")); err == nil {
		ti, err = metadata.LoadTreeInfo(filepath.Join(tree, ".treeinfo"))
		if err != nil {
			return "", err
		}
		ti.Media = &metadata.Media{DiscNum: d.DiscNum, TotalDiscs: max(d.DiscCount, 1)}
		for _, images := range ti.Images {
			if path, ok := images["boot.iso"]; ok {
				ti.RemoveImage(path)
			}
		}
	}

	if err := CopyBootImages(tree, isoDir); err != nil {
		return "", err
	}

	if d.DiscCount > 1 {
		if ti != nil {
			delete(ti.Checksums, "repodata/repomd.xml")
		}
		rpms := rpmsOnDisc(d.Disc, tree, c.Paths.Packages(d.Arch, d.VariantID))
		if len(rpms) > 0 {
			if err := p.discRepodata(ctx, d, tree, isoDir, rpms); err != nil {
				return "", err
			}
			if ti != nil {
				if err := ti.AddChecksum(isoDir, "repodata/repomd.xml"); err != nil {
					return "", err
				}
			}
		}
	}

	if ti != nil {
		if err := ti.Write(filepath.Join(isoDir, ".treeinfo")); err != nil {
			return "", err
		}
	}
	if di, err := metadata.LoadDiscInfo(filepath.Join(tree, ".discinfo")); err == nil {
		di.DiscNumbers = []int{d.DiscNum}
		if err := di.Write(filepath.Join(isoDir, ".discinfo")); err != nil {
			return "", err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	var points map[string]string
	if d.DiscCount <= 1 {
		var err error
		if points, err = wrappers.GraftPoints(tree, isoDir); err != nil {
			return "", err
		}
	} else {
		staged, err := wrappers.GraftPoints(isoDir)
		if err != nil {
			return "", err
		}
		points = graftPointsFromList(tree, d.Disc.Files)
		for k, v := range staged {
			points[k] = v
		}
	}

	if c.Conf.CreateisoBreakHardlinks {
		staging := c.Paths.IsoStagingDir(d.Arch, d.VariantID, d.Filename)
		p.Log.Debugf("Breaking hardlinks for ISO %s", d.Filename)
		copied, err := breakHardlinks(points, staging)
		if err != nil {
			return "", err
		}
		if copied > 0 {
			_, err := p.Runner.Run(ctx, shell.Command{
				Argv:    []string{"hardlink", "-c", "-vv", staging},
				LogFile: c.Paths.LogFile(d.Arch, "createiso-hardlink-"+d.Filename),
				ShowCmd: true,
			})
			if err != nil {
				return "", fmt.Errorf("cannot deduplicate %s: %w", staging, err)
			}
		}
	}

	gp := isoDir + "-graft-points"
	if err := wrappers.WriteGraftPoints(gp, points, GraftPointExcludes); err != nil {
		return "", err
	}
	return gp, nil
}

// discRepodata updates a copy of the tree repodata to list only rpms.
func (p *Phase) discRepodata(ctx context.Context, d isoDisc, tree, isoDir string, rpms []string) error {
	conf := p.Compose.Conf
	if err := linker.CopyAll(filepath.Join(tree, "repodata"), filepath.Join(isoDir, "repodata")); err != nil {
		return err
	}
	fileList := isoDir + "-file-list"
	if err := os.WriteFile(fileList, []byte(strings.Join(rpms, "\n")), 0644); err != nil {
		return err
	}
	argv := wrappers.Createrepo{UseC: conf.CreaterepoC}.CreaterepoArgv(wrappers.CreaterepoOptions{
		Directory: tree,
		OutputDir: isoDir,
		Pkglist:   fileList,
		Update:    true,
		SkipStat:  true,
		Checksum:  conf.CreaterepoChecksum,
		Workers:   conf.CreaterepoNumWorkers,
	})
	_, err := p.Runner.Run(ctx, shell.Command{
		Argv:    argv,
		LogFile: p.Compose.Paths.LogFile(d.Arch, "createiso-createrepo-"+d.Filename),
		ShowCmd: true,
	})
	if err != nil {
		return fmt.Errorf("cannot create repodata for %s: %w", d.Filename, err)
	}
	return nil
}

// CopyBootImages copies the boot images of tree into dst. Missing images
// are skipped.
func CopyBootImages(tree, dst string) error {
	for _, img := range bootImages {
		src := filepath.Join(tree, img)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return err
		}
		target := filepath.Join(dst, img)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := linker.CopyFile(src, target); err != nil {
			return err
		}
	}
	return nil
}

// graftPointsFromList maps absolute paths below root to their location on
// the medium.
func graftPointsFromList(root string, files []string) map[string]string {
	points := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		points[rel] = f
	}
	return points
}

// breakHardlinks copies every regular file with more than one link into
// staging and points the graft point at the copy. It returns the number of
// copied files.
func breakHardlinks(points map[string]string, staging string) (int, error) {
	copied := 0
	for isoPath, src := range points {
		var st unix.Stat_t
		if err := unix.Stat(src, &st); err != nil {
			return copied, fmt.Errorf("cannot stat %s: %w", src, err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFREG || st.Nlink <= 1 {
			continue
		}
		dst := filepath.Join(staging, strings.TrimPrefix(src, "/"))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return copied, err
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return copied, err
		}
		if err := linker.CopyFile(src, dst); err != nil {
			return copied, err
		}
		points[isoPath] = dst
		copied++
	}
	return copied, nil
}
