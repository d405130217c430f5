package pkgset

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/rpmmd"
)

type fakeSession struct {
	mu sync.Mutex

	rpms        map[string][]koji.RPM
	builds      map[string][]koji.Build
	modules     map[string][]koji.Build
	archives    map[int][]koji.Archive
	inheritance map[string][]koji.Inheritance
	history     map[string]koji.History
	buildRPMs   map[int][]koji.RPM
	children    map[int][]koji.Task
	taskOutput  map[int][]string
	lastEvent   int

	calls map[string]int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		rpms:        map[string][]koji.RPM{},
		builds:      map[string][]koji.Build{},
		modules:     map[string][]koji.Build{},
		archives:    map[int][]koji.Archive{},
		inheritance: map[string][]koji.Inheritance{},
		history:     map[string]koji.History{},
		buildRPMs:   map[int][]koji.RPM{},
		children:    map[int][]koji.Task{},
		taskOutput:  map[int][]string{},
		lastEvent:   1000,
		calls:       map[string]int{},
	}
}

var _ koji.Session = &fakeSession{}

func (f *fakeSession) called(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeSession) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// tag adds a build with its RPMs to a tag.
func (f *fakeSession) tag(tag string, b koji.Build, rpms ...koji.RPM) {
	b.TagName = tag
	f.builds[tag] = append(f.builds[tag], b)
	for _, r := range rpms {
		r.BuildID = b.ID
		f.rpms[tag] = append(f.rpms[tag], r)
		f.buildRPMs[b.ID] = append(f.buildRPMs[b.ID], r)
	}
}

func (f *fakeSession) ListTaggedRPMs(tag string, event int, inherit, latest bool) ([]koji.RPM, []koji.Build, error) {
	f.called("ListTaggedRPMs")
	if _, ok := f.rpms[tag]; !ok {
		return nil, nil, fmt.Errorf("unknown tag %s", tag)
	}
	return f.rpms[tag], f.builds[tag], nil
}

func (f *fakeSession) ListTagged(tag string, event int, inherit bool, buildType string) ([]koji.Build, error) {
	f.called("ListTagged")
	return f.modules[tag], nil
}

func (f *fakeSession) ListArchives(buildID int, archiveType string) ([]koji.Archive, error) {
	f.called("ListArchives")
	return f.archives[buildID], nil
}

func (f *fakeSession) GetBuild(nvr string) (*koji.Build, error) {
	f.called("GetBuild")
	for _, l := range []map[string][]koji.Build{f.builds, f.modules} {
		for _, builds := range l {
			for _, b := range builds {
				if b.NVR == nvr {
					b := b
					return &b, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("no build %s", nvr)
}

func (f *fakeSession) GetTag(name string, event int) (*koji.Tag, error) {
	return &koji.Tag{Name: name}, nil
}

func (f *fakeSession) GetFullInheritance(tag string, event int) ([]koji.Inheritance, error) {
	f.called("GetFullInheritance")
	return f.inheritance[tag], nil
}

func (f *fakeSession) QueryHistory(tables []string, tag string, afterEvent, beforeEvent int) (koji.History, error) {
	f.called("QueryHistory")
	return f.history[tag], nil
}

func (f *fakeSession) ListBuildroots(taskID int) ([]int, error) {
	return nil, nil
}

func (f *fakeSession) ListRPMs(buildrootID int) ([]koji.RPM, error) {
	return nil, nil
}

func (f *fakeSession) ListBuildRPMs(buildID int) ([]koji.RPM, error) {
	f.called("ListBuildRPMs")
	return f.buildRPMs[buildID], nil
}

func (f *fakeSession) GetLastEvent() (*koji.Event, error) {
	return &koji.Event{ID: f.lastEvent, TS: 1700000000}, nil
}

func (f *fakeSession) GetEvent(id int) (*koji.Event, error) {
	if id > f.lastEvent {
		return nil, fmt.Errorf("no event %d", id)
	}
	return &koji.Event{ID: id, TS: 1600000000}, nil
}

func (f *fakeSession) GetTaskChildren(taskID int) ([]koji.Task, error) {
	return f.children[taskID], nil
}

func (f *fakeSession) ListTaskOutput(taskID int) ([]string, error) {
	return f.taskOutput[taskID], nil
}

func rpm(nvra string, id int) koji.RPM {
	n, err := rpmmd.ParseNEVRA(nvra)
	if err != nil {
		panic(err)
	}
	return koji.RPM{ID: id, Name: n.Name, Version: n.Version, Release: n.Release, Arch: n.Arch}
}

func build(id int, nvr string) koji.Build {
	parts := strings.Split(nvr, "-")
	return koji.Build{
		ID:      id,
		Name:    strings.Join(parts[:len(parts)-2], "-"),
		Version: parts[len(parts)-2],
		Release: parts[len(parts)-1],
		NVR:     nvr,
	}
}

// headers fakes reading RPM headers: the source RPM is derived from the
// file name unless the file is listed in extra.
func headers(extra map[string]*rpmmd.Package) HeaderReader {
	return func(path string) (*rpmmd.Package, error) {
		if p, ok := extra[path]; ok {
			cp := *p
			return &cp, nil
		}
		base := path[strings.LastIndex(path, "/")+1:]
		n, err := rpmmd.ParseNEVRA(strings.TrimSuffix(base, ".rpm"))
		if err != nil {
			return nil, err
		}
		p := &rpmmd.Package{Name: n.Name, Version: n.Version, Release: n.Release, Arch: n.Arch}
		if n.Arch != "src" {
			p.SourceRPM = fmt.Sprintf("%s-%s-%s.src.rpm", n.Name, n.Version, n.Release)
		}
		return p, nil
	}
}

// fileSystem fakes signed copies appearing over time: a path exists once
// it has been checked after visible times.
type fileSystem struct {
	mu      sync.Mutex
	visible map[string]int
	checks  map[string]int
	sleeps  []time.Duration
}

func newFileSystem() *fileSystem {
	return &fileSystem{visible: map[string]int{}, checks: map[string]int{}}
}

func (fs *fileSystem) add(path string, after int) {
	fs.visible[path] = after
}

func (fs *fileSystem) isFile(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.checks[path]++
	after, ok := fs.visible[path]
	return ok && fs.checks[path] > after
}

func (fs *fileSystem) sleep(d time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sleeps = append(fs.sleeps, d)
}

func (fs *fileSystem) totalChecks() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, c := range fs.checks {
		n += c
	}
	return n
}
