package pkgset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/rpmmd"
)

// KojiPackageSet is populated from the RPMs tagged into a Koji tag.
type KojiPackageSet struct {
	*PackageSet

	Session  koji.Session
	PathInfo koji.PathInfo

	// Packages restricts the set to these names when PopulateOnly is set.
	Packages     []string
	PopulateOnly bool
	ExtraBuilds  []string
	ExtraTasks   []int

	AllowInvalidSigkeys bool
	Retries             int
	Wait                time.Duration
	Workers             int

	IsFile func(path string) bool
	Sleep  func(time.Duration)
}

// NewKoji returns a package set reading from session. The zero sigkey
// list accepts unsigned packages only.
func NewKoji(set *PackageSet, session koji.Session, pathInfo koji.PathInfo) *KojiPackageSet {
	return &KojiPackageSet{
		PackageSet: set,
		Session:    session,
		PathInfo:   pathInfo,
		Workers:    8,
		IsFile:     isFile,
		Sleep:      time.Sleep,
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// InvalidSigkeyError lists every RPM without a copy signed by one of the
// allowed keys.
type InvalidSigkeyError struct {
	Sigkeys []string
	RPMs    []string
	err     error
}

func (e *InvalidSigkeyError) Error() string {
	keys := make([]string, len(e.Sigkeys))
	for i, k := range e.Sigkeys {
		if k == "" {
			k = "<unsigned>"
		}
		keys[i] = k
	}
	return fmt.Sprintf("RPM(s) not found for sigs [%s]: %v", strings.Join(keys, ", "), e.err)
}

func (e *InvalidSigkeyError) Unwrap() error {
	return e.err
}

// candidate is a tagged RPM on its way into the set.
type candidate struct {
	rpm     koji.RPM
	build   koji.Build
	path    string
	sigkey  string
	scratch bool
}

func (s *KojiPackageSet) sigkeys() (signed []string, unsigned bool) {
	if len(s.Sigkeys) == 0 {
		return nil, true
	}
	for _, k := range s.Sigkeys {
		if k == "" {
			unsigned = true
			continue
		}
		signed = append(signed, strings.ToLower(k))
	}
	return signed, unsigned
}

// resolve finds the file of one RPM. Signed copies are tried key by key;
// the whole round is repeated Retries times, Wait apart, because signing
// may lag behind tagging. The unsigned copy is only considered last.
func (s *KojiPackageSet) resolve(c *candidate) bool {
	signed, unsigned := s.sigkeys()
	if len(signed) > 0 {
		for attempt := 0; attempt <= s.Retries; attempt++ {
			for _, k := range signed {
				path := s.PathInfo.SignedRPM(c.rpm, k)
				if s.IsFile(path) {
					c.path, c.sigkey = path, k
					return true
				}
			}
			if attempt < s.Retries {
				s.Log.Debugf("No signed copy of %s yet, waiting %s", c.rpm.NVRA(), s.Wait)
				s.Sleep(s.Wait)
			}
		}
	}
	if unsigned {
		path := s.PathInfo.RPM(c.rpm)
		if s.IsFile(path) {
			c.path = path
			return true
		}
	}
	return false
}

func (s *KojiPackageSet) wantedArch(arch string) bool {
	return arch == "noarch" || arch == "src" || arch == "nosrc" || common.StringInSlice(s.Arches, arch)
}

// collect lists the RPMs of the tag, the extra builds and scratch tasks
// after the arch, modular and name filters.
func (s *KojiPackageSet) collect(tag string, event int, inherit bool, include map[string]bool) ([]*candidate, error) {
	var rpms []koji.RPM
	builds := map[int]koji.Build{}
	if tag != "" {
		tagged, taggedBuilds, err := s.Session.ListTaggedRPMs(tag, event, inherit, true)
		if err != nil {
			return nil, fmt.Errorf("cannot list RPMs in tag %s: %w", tag, err)
		}
		rpms = tagged
		for _, b := range taggedBuilds {
			builds[b.ID] = b
		}
	}

	for _, nvr := range s.ExtraBuilds {
		b, err := s.Session.GetBuild(nvr)
		if err != nil {
			return nil, err
		}
		extra, err := s.Session.ListBuildRPMs(b.ID)
		if err != nil {
			return nil, err
		}
		// the explicitly requested build replaces the tagged one
		for i := 0; i < len(rpms); {
			if tagged, ok := builds[rpms[i].BuildID]; ok && tagged.Name == b.Name && tagged.ID != b.ID {
				rpms = append(rpms[:i], rpms[i+1:]...)
				continue
			}
			i++
		}
		builds[b.ID] = *b
		rpms = append(rpms, extra...)
	}

	var out []*candidate
	seen := map[string]bool{}
	for _, r := range rpms {
		if seen[r.NEVRA()] || !s.wantedArch(r.Arch) {
			continue
		}
		if include != nil && rpmmd.IsModularRelease(r.Release) && !include[r.NEVRA()] {
			continue
		}
		if s.PopulateOnly && len(s.Packages) > 0 && !common.StringInSlice(s.Packages, r.Name) {
			continue
		}
		seen[r.NEVRA()] = true
		out = append(out, &candidate{rpm: r, build: builds[r.BuildID]})
	}

	scratch, err := s.scratchRPMs()
	if err != nil {
		return nil, err
	}
	for _, c := range scratch {
		if seen[c.rpm.NEVRA()] || !s.wantedArch(c.rpm.Arch) {
			continue
		}
		seen[c.rpm.NEVRA()] = true
		out = append(out, c)
	}
	return out, nil
}

// scratchRPMs lists the RPMs built by scratch tasks. They are never signed
// and live in the task work directories.
func (s *KojiPackageSet) scratchRPMs() ([]*candidate, error) {
	var out []*candidate
	for _, taskID := range s.ExtraTasks {
		children, err := s.Session.GetTaskChildren(taskID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.Method != "buildArch" {
				continue
			}
			files, err := s.Session.ListTaskOutput(child.ID)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if !strings.HasSuffix(f, ".rpm") {
					continue
				}
				n, err := rpmmd.ParseNEVRA(f)
				if err != nil {
					return nil, err
				}
				epoch := int(n.Epoch)
				out = append(out, &candidate{
					rpm: koji.RPM{
						Name:    n.Name,
						Version: n.Version,
						Release: n.Release,
						Epoch:   &epoch,
						Arch:    n.Arch,
					},
					path:    filepath.Join(s.PathInfo.Task(child.ID), f),
					scratch: true,
				})
			}
		}
	}
	return out, nil
}

// Populate fills the set from tag at event. include lists the NEVRAs of
// modular RPMs allowed in; a nil map lets every modular RPM through.
func (s *KojiPackageSet) Populate(ctx context.Context, tag string, event int, inherit bool, include map[string]bool) error {
	s.Log.Infof("Getting packages from tag %s (event %d, inherit %t)", tag, event, inherit)
	candidates, err := s.collect(tag, event, inherit, include)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var invalid []*candidate
	g, gctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if c.scratch || s.resolve(c) {
				return nil
			}
			mu.Lock()
			invalid = append(invalid, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(invalid) > 0 {
		sort.Slice(invalid, func(i, j int) bool { return invalid[i].rpm.NVRA() < invalid[j].rpm.NVRA() })
		if !s.AllowInvalidSigkeys {
			var result *multierror.Error
			names := make([]string, 0, len(invalid))
			for _, c := range invalid {
				names = append(names, c.rpm.NVRA())
				result = multierror.Append(result, fmt.Errorf("%s: no file found for any allowed sigkey", c.rpm.NVRA()))
			}
			return &InvalidSigkeyError{Sigkeys: s.Sigkeys, RPMs: names, err: result.ErrorOrNil()}
		}
		for _, c := range invalid {
			s.Log.Warnf("No signed copy of %s, keeping it without a file", c.rpm.NVRA())
		}
	}

	pkgs := make([]*rpmmd.Package, len(candidates))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := s.hydrate(c)
			if err != nil {
				return err
			}
			pkgs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	n := s.Add(pkgs...)
	s.Log.Infof("Found %d package(s) in tag %s", n, tag)
	return nil
}

// hydrate turns a candidate into a package, with the header data from the
// file cache when the file exists.
func (s *KojiPackageSet) hydrate(c *candidate) (*rpmmd.Package, error) {
	epoch := uint(0)
	if c.rpm.Epoch != nil {
		epoch = uint(*c.rpm.Epoch)
	}
	p := &rpmmd.Package{
		Name:      c.rpm.Name,
		Epoch:     epoch,
		Version:   c.rpm.Version,
		Release:   c.rpm.Release,
		Arch:      c.rpm.Arch,
		Path:      c.path,
		Sigkey:    c.sigkey,
		Size:      c.rpm.Size,
		IsModular: rpmmd.IsModularRelease(c.rpm.Release),
	}
	if c.path == "" {
		return p, nil
	}
	hdr, err := s.Cache.Add(c.path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", c.path, err)
	}
	p.SourceRPM = hdr.SourceRPM
	p.Provides = hdr.Provides
	p.Requires = hdr.Requires
	p.Files = hdr.Files
	p.ExcludeArch = hdr.ExcludeArch
	p.ExclusiveArch = hdr.ExclusiveArch
	if p.Size == 0 {
		p.Size = hdr.Size
	}
	return p, nil
}
