package gather

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/linker"
)

// packageDir is where a package of the given kind is placed. With hashed
// directories packages are spread into subdirectories named after the
// first letter of the file name.
func packageDir(c *compose.Compose, arch, variant string, kind Kind, filename string) string {
	var dir string
	switch kind {
	case KindSRPM:
		dir = c.Paths.Packages("src", variant)
	case KindDebuginfo:
		dir = c.Paths.DebugPackages(arch, variant)
	default:
		dir = c.Paths.Packages(arch, variant)
	}
	if c.Conf.HashedDirectories {
		dir = filepath.Join(dir, strings.ToLower(filename[:1]))
	}
	return dir
}

// PackagePath is where Link places a package file.
func PackagePath(c *compose.Compose, arch, variant string, kind Kind, filename string) string {
	return filepath.Join(packageDir(c, arch, variant, kind, filename), filename)
}

func writeList(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	sort.Strings(lines)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Link places the packages of a variant into the compose tree and writes
// the package lists createrepo runs on. results maps arch to the result of
// the variant. Source packages are shared by all arches of a variant.
func Link(c *compose.Compose, l *linker.Linker, v *compose.Variant, results map[string]*Result) error {
	arches := make([]string, 0, len(results))
	for arch := range results {
		arches = append(arches, arch)
	}
	sort.Strings(arches)

	var sources []string
	for _, arch := range arches {
		res := results[arch]
		for _, kind := range Kinds {
			var list []string
			for _, e := range res.Entries(kind) {
				dst := PackagePath(c, arch, v.UID, kind, e.Filename())
				if err := l.Link(e.Path, dst); err != nil {
					return err
				}
				treeArch := arch
				if kind == KindSRPM {
					treeArch = "src"
				}
				list = append(list, common.RelativePath(dst, c.Paths.TreeForKind(treeArch, v.UID, string(kind))))
			}
			if kind == KindSRPM {
				sources = append(sources, list...)
			}
			if err := writeList(c.Paths.PackageList(arch, v.UID, string(kind)), list); err != nil {
				return err
			}
		}
	}
	if len(arches) > 0 {
		return writeList(c.Paths.PackageList("src", v.UID, string(KindSRPM)), common.UniqueStrings(sortedCopy(sources)))
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
