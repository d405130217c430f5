package buildinstall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/shell"
)

// bootConfigs are the boot loader configurations referring to the volume
// label, relative to the tree root.
var bootConfigs = []string{
	"isolinux/isolinux.cfg",
	"etc/yaboot.conf",
	"ppc/ppc64/yaboot.conf",
	"EFI/BOOT/BOOTX64.conf",
	"EFI/BOOT/grub.cfg",
}

var (
	cdlabelRegexp = regexp.MustCompile(`:CDLABEL=[^ \n]*`)
	labelRegexp   = regexp.MustCompile(`:LABEL=[^ \n]*`)
	searchRegexp  = regexp.MustCompile(`(search .* -l) '[^'\n]*'`)
)

// tweakConfig rewrites the volume label references of one boot config.
// Yaboot parses escapes once more, so its label is escaped twice.
func tweakConfig(data, config, volid string, kickstart bool) string {
	escaped := strings.ReplaceAll(volid, " ", `\x20`)
	if strings.Contains(config, "yaboot") {
		escaped = strings.ReplaceAll(escaped, `\`, `\\`)
	}
	ks := ""
	if kickstart {
		ks = fmt.Sprintf(" inst.ks=hd:LABEL=%s:/ks.cfg", escaped)
	}
	data = cdlabelRegexp.ReplaceAllLiteralString(data, ":CDLABEL="+escaped+ks)
	data = labelRegexp.ReplaceAllLiteralString(data, ":LABEL="+escaped+ks)
	return searchRegexp.ReplaceAllString(data, "${1} '"+strings.ReplaceAll(volid, "$", "$$")+"'")
}

// tweakConfigs rewrites every boot config present under root and returns
// the ones found.
func tweakConfigs(root, volid string, kickstart bool) ([]string, error) {
	var found []string
	for _, config := range bootConfigs {
		path := filepath.Join(root, config)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		found = append(found, config)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		// a new file breaks hardlinks to the lorax output
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(tweakConfig(string(data), config, volid, kickstart)), info.Mode().Perm()); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// tweak copies the installer tree at src into dst with the boot configs
// pointing at volid, also inside images/efiboot.img.
func (p *Phase) tweak(ctx context.Context, src, dst, tmpRoot, volid, logFile string) error {
	if err := os.MkdirAll(tmpRoot, 0755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(tmpRoot, "tweak_buildinstall_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	tree := filepath.Join(tmp, "tree")
	if err := linker.CopyAll(src, tree); err != nil {
		return err
	}
	// reuse bookkeeping does not belong into the published tree
	if err := os.Remove(filepath.Join(tree, metadataFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if p.kickstart != "" {
		if err := linker.CopyFile(p.kickstart, filepath.Join(tree, "ks.cfg")); err != nil {
			return err
		}
	}
	found, err := tweakConfigs(tree, volid, p.kickstart != "")
	if err != nil {
		return err
	}

	efiboot := filepath.Join(tree, "images", "efiboot.img")
	if _, err := os.Stat(efiboot); err == nil && len(found) > 0 {
		err := p.Mounter.Mount(ctx, efiboot, logFile, func(dir string) error {
			for _, config := range found {
				if _, err := os.Stat(filepath.Join(dir, config)); err != nil {
					continue
				}
				// the mount point belongs to root, cp runs with the same rights as mount
				cmd := shell.Command{
					Argv:    []string{"cp", "-v", "--remove-destination", filepath.Join(tree, config), filepath.Join(dir, config)},
					LogFile: logFile,
					ShowCmd: true,
				}
				if _, err := p.Runner.Run(ctx, cmd); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := makeWorldReadable(tree); err != nil {
		return err
	}
	return copyReplacing(tree, dst)
}

// makeWorldReadable is chmod -R a+rX.
func makeWorldReadable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm() | 0444
		if d.IsDir() || mode&0111 != 0 {
			mode |= 0111
		}
		return os.Chmod(path, mode)
	})
}

// copyReplacing copies the tree at src over dst, replacing files that
// already exist.
func copyReplacing(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return linker.CopyFile(path, target)
	})
}
