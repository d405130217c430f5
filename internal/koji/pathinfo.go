package koji

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathInfo computes file locations below the Koji top directory.
type PathInfo struct {
	Topdir string
}

// BuildDir is packages/N/V/R.
func (p PathInfo) BuildDir(name, version, release string) string {
	return filepath.Join(p.Topdir, "packages", name, version, release)
}

// RPM is the unsigned copy of an RPM.
func (p PathInfo) RPM(r RPM) string {
	return filepath.Join(p.BuildDir(r.Name, r.Version, r.Release), r.Arch, r.NVRA()+".rpm")
}

// SignedRPM is the copy signed with sigkey. Keys are stored lowercase.
func (p PathInfo) SignedRPM(r RPM, sigkey string) string {
	return filepath.Join(p.BuildDir(r.Name, r.Version, r.Release), "data", "signed", strings.ToLower(sigkey), r.Arch, r.NVRA()+".rpm")
}

// Typeinfo is where archives of a typed build (e.g. module) live.
func (p PathInfo) Typeinfo(b Build, btype string) string {
	return filepath.Join(p.BuildDir(b.Name, b.Version, b.Release), "files", btype)
}

// Work is the hub's work directory.
func (p PathInfo) Work() string {
	return filepath.Join(p.Topdir, "work")
}

// Task is the work directory of a task.
func (p PathInfo) Task(id int) string {
	return filepath.Join(p.Work(), "tasks", fmt.Sprintf("%d", id%10000), fmt.Sprintf("%d", id))
}
