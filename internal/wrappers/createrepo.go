// Package wrappers builds command lines for the external tools a compose
// drives and reads back what those tools produce.
package wrappers

import (
	"fmt"
)

// CreaterepoOptions mirrors the createrepo_c command line. Zero values
// leave the corresponding option out.
type CreaterepoOptions struct {
	Directory         string
	OutputDir         string
	BaseURL           string
	Excludes          []string
	Pkglist           string
	Groupfile         string
	Cachedir          string
	Update            bool
	UpdateMDPath      string
	SkipStat          bool
	NoDatabase        bool
	Checksum          string
	SimpleMDFilenames bool
	Deltas            bool
	OldPackageDirs    []string
	NumDeltas         int
	Workers           int
	UseXZ             bool
	CompressType      string
	ExtraArgs         []string
}

// Createrepo wraps createrepo_c or the legacy python createrepo.
type Createrepo struct {
	UseC bool
}

func (c Createrepo) tool(name string) string {
	if c.UseC {
		return name + "_c"
	}
	return name
}

func (c Createrepo) CreaterepoArgv(opts CreaterepoOptions) []string {
	argv := []string{c.tool("createrepo")}
	if opts.BaseURL != "" {
		argv = append(argv, "--baseurl="+opts.BaseURL)
	}
	if opts.OutputDir != "" {
		argv = append(argv, "--outputdir="+opts.OutputDir)
	}
	for _, e := range opts.Excludes {
		argv = append(argv, "--excludes="+e)
	}
	if opts.Pkglist != "" {
		argv = append(argv, "--pkglist="+opts.Pkglist)
	}
	if opts.Groupfile != "" {
		argv = append(argv, "--groupfile="+opts.Groupfile)
	}
	if opts.Cachedir != "" {
		argv = append(argv, "--cachedir="+opts.Cachedir)
	}
	if opts.Update {
		argv = append(argv, "--update")
	}
	if opts.UpdateMDPath != "" {
		argv = append(argv, "--update-md-path="+opts.UpdateMDPath)
	}
	if opts.SkipStat {
		argv = append(argv, "--skip-stat")
	}
	if opts.NoDatabase {
		argv = append(argv, "--no-database")
	} else {
		argv = append(argv, "--database")
	}
	if opts.Checksum != "" {
		argv = append(argv, "--checksum="+opts.Checksum)
	}
	if opts.SimpleMDFilenames {
		argv = append(argv, "--simple-md-filenames")
	} else {
		argv = append(argv, "--unique-md-filenames")
	}
	if opts.Deltas {
		argv = append(argv, "--deltas")
		for _, d := range opts.OldPackageDirs {
			argv = append(argv, "--oldpackagedirs="+d)
		}
		if opts.NumDeltas > 0 {
			argv = append(argv, fmt.Sprintf("--num-deltas=%d", opts.NumDeltas))
		}
	}
	if opts.Workers > 0 {
		argv = append(argv, fmt.Sprintf("--workers=%d", opts.Workers))
	}
	if opts.UseXZ {
		argv = append(argv, "--xz")
	}
	if opts.CompressType != "" {
		argv = append(argv, "--compress-type="+opts.CompressType)
	}
	argv = append(argv, opts.ExtraArgs...)
	return append(argv, opts.Directory)
}

// MergerepoArgv merges several repositories into outputDir.
func (c Createrepo) MergerepoArgv(outputDir string, repos []string, noGroups bool) []string {
	argv := []string{c.tool("mergerepo"), "--outputdir=" + outputDir}
	for _, r := range repos {
		argv = append(argv, "--repo="+r)
	}
	argv = append(argv, "--database")
	if noGroups {
		argv = append(argv, "--nogroups")
	}
	return argv
}

// ModifyrepoArgv adds file to the repodata directory repoPath.
func (c Createrepo) ModifyrepoArgv(repoPath, file, mdtype, compressType string) []string {
	argv := []string{c.tool("modifyrepo")}
	if mdtype != "" {
		argv = append(argv, "--mdtype="+mdtype)
	}
	if compressType != "" {
		argv = append(argv, "--compress-type="+compressType)
	}
	return append(argv, file, repoPath)
}
