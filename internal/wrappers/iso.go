package wrappers

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/kdomanski/iso9660"

	"github.com/osbuild/pungi/internal/shell"
)

// MkisofsOptions describes a single genisoimage or xorrisofs run.
type MkisofsOptions struct {
	Output       string
	Paths        []string
	AppID        string
	VolID        string
	VolSet       string
	Exclude      []string
	BootArgs     []string
	InputCharset string
	GraftPoints  string
	UseXorrisofs bool
	IsoLevel     int
}

func MkisofsArgv(opts MkisofsOptions) []string {
	argv := []string{"/usr/bin/genisoimage"}
	if opts.UseXorrisofs {
		argv[0] = "/usr/bin/xorrisofs"
	}
	if opts.IsoLevel > 0 {
		argv = append(argv, "-iso-level", fmt.Sprintf("%d", opts.IsoLevel))
	}
	if opts.AppID != "" {
		argv = append(argv, "-appid", opts.AppID)
	}
	argv = append(argv, "-untranslated-filenames")
	if opts.VolID != "" {
		argv = append(argv, "-volid", opts.VolID)
	}
	argv = append(argv, "-J", "-joliet-long")
	if opts.VolSet != "" {
		argv = append(argv, "-volset", opts.VolSet)
	}
	argv = append(argv, "-rational-rock")
	if !opts.UseXorrisofs {
		argv = append(argv, "-translation-table")
	}
	if opts.InputCharset != "" {
		argv = append(argv, "-input-charset", opts.InputCharset)
	}
	for _, x := range opts.Exclude {
		argv = append(argv, "-x", x)
	}
	argv = append(argv, opts.BootArgs...)
	argv = append(argv, "-o", opts.Output)
	if opts.GraftPoints != "" {
		return append(argv, "-graft-points", "-path-list", opts.GraftPoints)
	}
	return append(argv, opts.Paths...)
}

// BootOptions returns the El Torito arguments for arch. createfrom is the
// tree the ppc mapping file is read from.
func BootOptions(arch, createfrom string, efi, hfsCompat bool) []string {
	switch arch {
	case "ppc", "ppc64", "ppc64le":
		if hfsCompat {
			return []string{
				"-part", "-hfs", "-r", "-l", "-sysid", "PPC", "-no-desktop", "-allow-multidot",
				"-chrp-boot", "-map", filepath.Join(createfrom, "mapping"), "-hfs-bless", "/ppc/mac",
			}
		}
		return []string{"-r", "-l", "-sysid", "PPC", "-chrp-boot"}
	case "s390", "s390x":
		return []string{"-eltorito-boot", "images/cdboot.img", "-no-emul-boot"}
	case "aarch64", "armhfp":
		return []string{"-eltorito-alt-boot", "-e", "images/efiboot.img", "-no-emul-boot"}
	}
	opts := []string{
		"-b", "isolinux/isolinux.bin",
		"-c", "isolinux/boot.cat",
		"-no-emul-boot",
		"-boot-load-size", "4",
		"-boot-info-table",
	}
	if efi {
		opts = append(opts, "-eltorito-alt-boot", "-e", "images/efiboot.img", "-no-emul-boot")
	}
	return opts
}

func IsohybridArgv(iso, arch string) []string {
	argv := []string{"/usr/bin/isohybrid"}
	if arch == "x86_64" {
		argv = append(argv, "--uefi")
	}
	return append(argv, iso)
}

func ImplantMD5Argv(iso string, supported bool) []string {
	argv := []string{"/usr/bin/implantisomd5"}
	if supported {
		argv = append(argv, "--supported-iso")
	}
	return append(argv, iso)
}

// ManifestCmd is a shell pipeline listing the files of iso into
// iso.manifest.
func ManifestCmd(iso string, xorriso bool) string {
	q := shell.Quote(iso)
	manifest := shell.Quote(iso + ".manifest")
	if xorriso {
		return fmt.Sprintf(`xorriso -dev %s --find | tail -n+2 | tr -d "'" | cut -c2- | sort >> %s`, q, manifest)
	}
	return fmt.Sprintf(`isoinfo -R -f -i %s | grep -v '/TRANS.TBL$' | sort >> %s`, q, manifest)
}

// GraftPoints maps paths inside an ISO to paths on the host. Roots are
// scanned in order and later roots override earlier ones. Empty directories
// are kept.
func GraftPoints(roots ...string) (map[string]string, error) {
	result := map[string]string{}
	for _, root := range roots {
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path == root {
					return nil
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					result[rel+"/"] = path + "/"
				}
				return nil
			}
			result[rel] = path
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// WriteGraftPoints writes one "iso_path=host_path" line per entry, sorted,
// leaving out entries matching any exclude glob.
func WriteGraftPoints(path string, points map[string]string, exclude []string) error {
	var globs []glob.Glob
	for _, e := range exclude {
		g, err := glob.Compile(e)
		if err != nil {
			return fmt.Errorf("invalid graft point exclude %q: %w", e, err)
		}
		globs = append(globs, g)
	}
	keys := make([]string, 0, len(points))
outer:
	for k := range points {
		for _, g := range globs {
			if g.Match(k) {
				continue outer
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, points[k])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadGraftPoints parses a file written by WriteGraftPoints.
func ReadGraftPoints(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	result := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		result[k] = v
	}
	return result, scanner.Err()
}

// GetVolumeID reads the volume label from the primary volume descriptor.
func GetVolumeID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	img, err := iso9660.OpenImage(f)
	if err != nil {
		return "", fmt.Errorf("cannot open %s as an ISO image: %w", path, err)
	}
	label, err := img.Label()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(label, " "), nil
}

const (
	pvdOffset      = 16 * 2048
	appDataOffset  = 883
	appDataLength  = 512
)

var implantedMD5Regexp = regexp.MustCompile(`ISO MD5SUM = ([0-9a-fA-F]{32})`)

// GetImplantedMD5 returns the checksum implantisomd5 stored in the
// application area of the primary volume descriptor, or "" if none was
// implanted.
func GetImplantedMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, appDataLength)
	if _, err := f.ReadAt(buf, pvdOffset+appDataOffset); err != nil && err != io.EOF {
		return "", fmt.Errorf("cannot read volume descriptor of %s: %w", path, err)
	}
	m := implantedMD5Regexp.FindSubmatch(buf)
	if m == nil {
		return "", nil
	}
	return strings.ToLower(string(m[1])), nil
}
