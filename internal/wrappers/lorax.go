package wrappers

import (
	"fmt"
	"path/filepath"
	"strings"
)

type LoraxOptions struct {
	Product            string
	Version            string
	Release            string
	Sources            []string
	OutputDir          string
	Variant            string
	BugURL             string
	NoMacBoot          bool
	NoUpgrade          bool
	IsFinal            bool
	BuildArch          string
	VolID              string
	InstallPackages    []string
	AddTemplate        []string
	AddArchTemplate    []string
	AddTemplateVar     []string
	AddArchTemplateVar []string
	RootfsSize         int
	LogDir             string
	DracutArgs         []string
	SkipBranding       bool
	SquashfsOnly       bool
	ConfigurationFile  string
	// passed verbatim before the output directory
	ExtraArgs []string
}

func addArgs(argv []string, flag string, values []string) []string {
	for _, v := range values {
		argv = append(argv, flag+"="+v)
	}
	return argv
}

// LoraxArgv assembles the lorax invocation. Local source paths become
// file:// URLs.
func LoraxArgv(opts LoraxOptions) []string {
	argv := []string{
		"lorax",
		"--product=" + opts.Product,
		"--version=" + opts.Version,
		"--release=" + opts.Release,
	}
	for _, s := range opts.Sources {
		if !strings.Contains(s, "://") {
			abs, err := filepath.Abs(s)
			if err == nil {
				s = abs
			}
			s = "file://" + s
		}
		argv = append(argv, "--source="+s)
	}
	if opts.Variant != "" {
		argv = append(argv, "--variant="+opts.Variant)
	}
	if opts.BugURL != "" {
		argv = append(argv, "--bugurl="+opts.BugURL)
	}
	if opts.NoMacBoot {
		argv = append(argv, "--nomacboot")
	}
	if opts.NoUpgrade {
		argv = append(argv, "--noupgrade")
	}
	if opts.IsFinal {
		argv = append(argv, "--isfinal")
	}
	if opts.BuildArch != "" {
		argv = append(argv, "--buildarch="+opts.BuildArch)
	}
	if opts.VolID != "" {
		argv = append(argv, "--volid="+opts.VolID)
	}
	argv = addArgs(argv, "--installpkgs", opts.InstallPackages)
	argv = addArgs(argv, "--add-template", opts.AddTemplate)
	argv = addArgs(argv, "--add-arch-template", opts.AddArchTemplate)
	argv = addArgs(argv, "--add-template-var", opts.AddTemplateVar)
	argv = addArgs(argv, "--add-arch-template-var", opts.AddArchTemplateVar)
	if opts.RootfsSize > 0 {
		argv = append(argv, fmt.Sprintf("--rootfs-size=%d", opts.RootfsSize))
	}
	argv = addArgs(argv, "--dracut-arg", opts.DracutArgs)
	if opts.LogDir != "" {
		argv = append(argv, "--logfile="+filepath.Join(opts.LogDir, "lorax.log"))
	}
	if opts.SkipBranding {
		argv = append(argv, "--skip-branding")
	}
	if opts.SquashfsOnly {
		argv = append(argv, "--squashfs-only")
	}
	if opts.ConfigurationFile != "" {
		argv = append(argv, "--config="+opts.ConfigurationFile)
	}
	argv = append(argv, opts.ExtraArgs...)
	return append(argv, opts.OutputDir)
}

// BuildinstallArgv is the invocation of the anaconda buildinstall script
// that predates lorax. It takes a single repository.
func BuildinstallArgv(opts LoraxOptions) []string {
	argv := []string{
		"/usr/lib/anaconda-runtime/buildinstall",
		"--debug",
		"--version", opts.Version,
		"--release", opts.Release,
		"--product", opts.Product,
	}
	if opts.Variant != "" {
		argv = append(argv, "--variant", opts.Variant)
	}
	if opts.BugURL != "" {
		argv = append(argv, "--bugurl", opts.BugURL)
	}
	if opts.BuildArch != "" {
		argv = append(argv, "--buildarch", opts.BuildArch)
	}
	if opts.VolID != "" {
		argv = append(argv, "--volid", opts.VolID)
	}
	if opts.IsFinal {
		argv = append(argv, "--final")
	}
	argv = append(argv, "--output", opts.OutputDir)
	if len(opts.Sources) > 0 {
		argv = append(argv, opts.Sources[0])
	}
	return argv
}
