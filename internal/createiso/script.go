package createiso

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/wrappers"
)

// CreateIsoOpts holds everything the build script of one ISO depends on.
// It is stored next to the log for reuse.
type CreateIsoOpts struct {
	BuildinstallMethod string `json:"buildinstall_method,omitempty"`
	BootISO            string `json:"boot_iso,omitempty"`
	Arch               string `json:"arch"`
	OutputDir          string `json:"output_dir"`
	JigdoDir           string `json:"jigdo_dir,omitempty"`
	IsoName            string `json:"iso_name"`
	VolID              string `json:"volid"`
	GraftPoints        string `json:"graft_points"`
	Supported          bool   `json:"supported"`
	OSTree             string `json:"os_tree,omitempty"`
	HfsCompat          bool   `json:"hfs_compat"`
	UseXorrisofs       bool   `json:"use_xorrisofs"`
	IsoLevel           int    `json:"iso_level,omitempty"`
	ScriptDir          string `json:"script_dir,omitempty"`
}

// findTemplate sets $TEMPLATE to the lorax template directory of the
// build root.
const findTemplate = `if ! TEMPLATE="$($(head -n1 $(which lorax) | cut -c3-) -c 'import pylorax; print(pylorax.find_templates())')"; then TEMPLATE=/usr/share/lorax; fi`

const templateVar = "$TEMPLATE"

// joinScript quotes argv for the script, leaving a leading $TEMPLATE
// expandable.
func joinScript(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if rest, ok := strings.CutPrefix(a, templateVar); ok {
			quoted[i] = `"` + templateVar + `"` + shell.Quote(rest)
			continue
		}
		quoted[i] = shell.Quote(a)
	}
	return strings.Join(quoted, " ")
}

func isPPC(arch string) bool {
	return arch == "ppc" || arch == "ppc64" || arch == "ppc64le"
}

// mkisofsArgv returns the command creating the image from the graft points.
func mkisofsArgv(opts CreateIsoOpts) []string {
	m := wrappers.MkisofsOptions{
		Output:       opts.IsoName,
		VolID:        opts.VolID,
		Exclude:      []string{"./lost+found"},
		GraftPoints:  opts.GraftPoints,
		UseXorrisofs: opts.UseXorrisofs,
		IsoLevel:     opts.IsoLevel,
		InputCharset: "utf-8",
	}
	if isPPC(opts.Arch) {
		m.InputCharset = ""
	}
	switch opts.BuildinstallMethod {
	case "lorax":
		m.BootArgs = wrappers.BootOptions(opts.Arch, templateVar+"/config_files/ppc", true, opts.HfsCompat)
	case "buildinstall":
		m.BootArgs = wrappers.BootOptions(opts.Arch, "/usr/lib/anaconda-runtime/boot", true, opts.HfsCompat)
	}
	return wrappers.MkisofsArgv(m)
}

// writeXorrisoCommands writes a xorriso command file that starts from
// boot.iso, keeping its boot records, and maps every graft point onto it.
func writeXorrisoCommands(opts CreateIsoOpts) (string, error) {
	points, err := wrappers.ReadGraftPoints(opts.GraftPoints)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(points))
	for k := range points {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := filepath.Join(opts.ScriptDir, "xorriso-"+opts.IsoName+".txt")
	var b strings.Builder
	fmt.Fprintf(&b, "-indev %s\n", opts.BootISO)
	fmt.Fprintf(&b, "-outdev %s\n", filepath.Join(opts.OutputDir, opts.IsoName))
	b.WriteString("-boot_image any replay\n")
	fmt.Fprintf(&b, "-volid %s\n", shell.Quote(opts.VolID))
	for _, k := range keys {
		fmt.Fprintf(&b, "-map %s %s\n", points[k], k)
	}
	b.WriteString("-chmod_r a+rX /\n")
	b.WriteString("-end\n")
	return path, os.WriteFile(path, []byte(b.String()), 0644)
}

// WriteScript emits the shell script building, checksumming and listing
// one ISO.
func WriteScript(opts CreateIsoOpts, w io.Writer) error {
	bw := bufio.NewWriter(w)
	emit := func(line string) {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	emit("#!/bin/bash")
	emit("set -ex")
	emit("cd " + shell.Quote(opts.OutputDir))

	bootable := opts.BuildinstallMethod != ""
	if opts.UseXorrisofs && bootable && opts.BootISO != "" {
		commands, err := writeXorrisoCommands(opts)
		if err != nil {
			return err
		}
		emit("xorriso -dialog on <" + shell.Quote(commands))
	} else {
		if opts.BuildinstallMethod == "lorax" {
			emit(findTemplate)
		}
		emit(joinScript(mkisofsArgv(opts)))
		if bootable && (opts.Arch == "x86_64" || opts.Arch == "i386") {
			emit(shell.Join(wrappers.IsohybridArgv(opts.IsoName, opts.Arch)))
		}
	}
	emit(shell.Join(wrappers.ImplantMD5Argv(opts.IsoName, opts.Supported)))
	emit(wrappers.ManifestCmd(opts.IsoName, opts.UseXorrisofs))
	if opts.JigdoDir != "" {
		sources := []wrappers.JigdoSource{{Path: opts.OSTree}}
		emit(shell.Join(wrappers.JigdoArgv(filepath.Join(opts.OutputDir, opts.IsoName), sources, opts.JigdoDir, true)))
	}
	return bw.Flush()
}

// RunrootPackages are the packages the build root needs for the script.
func RunrootPackages(opts CreateIsoOpts, jigdo bool) []string {
	packages := []string{"coreutils", "genisoimage", "isomd5sum"}
	if opts.UseXorrisofs {
		packages[1] = "xorriso"
	}
	if jigdo {
		packages = append(packages, "jigdo")
	}
	switch opts.BuildinstallMethod {
	case "lorax":
		packages = append(packages, "lorax", "which")
	case "buildinstall":
		packages = append(packages, "anaconda")
	}
	return packages
}
