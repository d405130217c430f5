package pkgset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/modulemd"
)

// ModuleBuild is a Koji module build with its parsed identity.
type ModuleBuild struct {
	Build      koji.Build
	Name       string
	Stream     string
	Version    uint64
	Context    string
	ContentTag string
}

func (m ModuleBuild) NS() string {
	return m.Name + ":" + m.Stream
}

func (m ModuleBuild) NSVC() string {
	return fmt.Sprintf("%s:%s:%d:%s", m.Name, m.Stream, m.Version, m.Context)
}

// parseModuleBuild reads the module identity from the build's typeinfo,
// falling back to the N-V-R where the stream is the version with dashes
// replaced and the release is version.context.
func parseModuleBuild(b koji.Build) (ModuleBuild, error) {
	m := ModuleBuild{Build: b}
	info := b.ModuleInfo()
	if info != nil {
		m.Name, _ = info["name"].(string)
		m.Stream, _ = info["stream"].(string)
		m.Context, _ = info["context"].(string)
		m.ContentTag, _ = info["content_koji_tag"].(string)
		switch v := info["version"].(type) {
		case string:
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return m, fmt.Errorf("invalid module version %q of %s: %w", v, b.NVR, err)
			}
			m.Version = n
		case int:
			m.Version = uint64(v)
		case int64:
			m.Version = uint64(v)
		}
	}
	if m.Name == "" {
		m.Name = b.Name
	}
	if m.Stream == "" {
		m.Stream = strings.ReplaceAll(b.Version, "_", "-")
	}
	if m.Version == 0 || m.Context == "" {
		parts := strings.SplitN(b.Release, ".", 2)
		if m.Version == 0 {
			n, err := strconv.ParseUint(parts[0], 10, 64)
			if err != nil {
				return m, fmt.Errorf("cannot get module version from release %q of %s", b.Release, b.NVR)
			}
			m.Version = n
		}
		if m.Context == "" && len(parts) == 2 {
			m.Context = parts[1]
		}
	}
	return m, nil
}

// filterInherited drops builds coming from a parent tag when a tag closer
// to the top already provides the same N:S. Tags are visited by
// inheritance depth.
func filterInherited(top string, parents []koji.Inheritance, builds []ModuleBuild) []ModuleBuild {
	sorted := append([]koji.Inheritance(nil), parents...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Depth < sorted[j].Depth })
	order := []string{top}
	for _, p := range sorted {
		order = append(order, p.Name)
	}

	byTag := map[string][]ModuleBuild{}
	for _, b := range builds {
		tag := b.Build.TagName
		if tag == "" {
			tag = top
		}
		byTag[tag] = append(byTag[tag], b)
	}

	var out []ModuleBuild
	seen := map[string]bool{}
	for _, tag := range order {
		var found []string
		for _, b := range byTag[tag] {
			if seen[b.NS()] {
				continue
			}
			out = append(out, b)
			found = append(found, b.NS())
		}
		for _, ns := range found {
			seen[ns] = true
		}
	}
	return out
}

// latestModules keeps for every N:S the highest version with all of its
// contexts.
func latestModules(builds []ModuleBuild) []ModuleBuild {
	best := map[string]uint64{}
	for _, b := range builds {
		if b.Version > best[b.NS()] {
			best[b.NS()] = b.Version
		}
	}
	var out []ModuleBuild
	for _, b := range builds {
		if b.Version == best[b.NS()] {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NSVC() < out[j].NSVC() })
	return out
}

func matchPatterns(b ModuleBuild, patterns []modulemd.Selector) bool {
	for _, sel := range patterns {
		if sel.Name == "*" || sel.Matches(b.Name, b.Stream, strconv.FormatUint(b.Version, 10), b.Context) {
			return true
		}
	}
	return false
}

// ModuleSelection is the outcome of module resolution.
type ModuleSelection struct {
	// NEVRAs of module artifacts allowed in, per content tag.
	Include map[string]map[string]bool
	// Union of every artifact.
	All map[string]bool
}

// ContentTags lists the content tags of the selected modules, sorted.
func (s *ModuleSelection) ContentTags() []string {
	out := make([]string, 0, len(s.Include))
	for t := range s.Include {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *ModuleSelection) add(tag string, artifacts []string) {
	if s.Include[tag] == nil {
		s.Include[tag] = map[string]bool{}
	}
	for _, a := range artifacts {
		s.Include[tag][a] = true
		s.All[a] = true
	}
}

// ModuleResolver selects the module streams of every variant.
type ModuleResolver struct {
	Session  koji.Session
	PathInfo koji.PathInfo
	Event    int
	MBS      *MBSClient
	ReadFile func(path string) ([]byte, error)
	Log      logrus.FieldLogger

	mu sync.Mutex
}

func NewModuleResolver(session koji.Session, pathInfo koji.PathInfo, event int, log logrus.FieldLogger) *ModuleResolver {
	return &ModuleResolver{
		Session:  session,
		PathInfo: pathInfo,
		Event:    event,
		ReadFile: os.ReadFile,
		Log:      log,
	}
}

func (r *ModuleResolver) tagBuilds(tag string, inherit bool) ([]ModuleBuild, error) {
	builds, err := r.Session.ListTagged(tag, r.Event, inherit, "module")
	if err != nil {
		return nil, fmt.Errorf("cannot list modules in %s: %w", tag, err)
	}
	out := make([]ModuleBuild, 0, len(builds))
	for _, b := range builds {
		m, err := parseModuleBuild(b)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if inherit {
		parents, err := r.Session.GetFullInheritance(tag, r.Event)
		if err != nil {
			return nil, err
		}
		out = filterInherited(tag, parents, out)
	}
	return out, nil
}

// streams loads the per-arch modulemd documents of a build.
func (r *ModuleResolver) streams(b ModuleBuild, arches []string) (map[string]*modulemd.Stream, error) {
	archives, err := r.Session.ListArchives(b.Build.ID, "module")
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, a := range archives {
		names[a.Filename] = true
	}
	out := map[string]*modulemd.Stream{}
	for _, arch := range arches {
		name := fmt.Sprintf("modulemd.%s.txt", arch)
		if !names[name] {
			continue
		}
		data, err := r.ReadFile(filepath.Join(r.PathInfo.Typeinfo(b.Build, "module"), name))
		if err != nil {
			return nil, err
		}
		s, err := modulemd.ReadStream(data)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", b.Build.NVR, name, err)
		}
		out[arch] = s
	}
	return out, nil
}

func moduleFilter(conf *config.Config, arch, variantUID string) ([]glob.Glob, error) {
	var out []glob.Glob
	for _, pattern := range config.GetArchVariantData(conf.FilterModules, arch, variantUID) {
		if !strings.Contains(pattern, ":") {
			pattern += ":*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter_modules pattern %q: %w", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// addStreams stores the streams in the variant unless filter_modules drops
// them and records the allowed artifacts.
func (r *ModuleResolver) addStreams(c *compose.Compose, v *compose.Variant, tag string, streams map[string]*modulemd.Stream, sel *ModuleSelection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for arch, s := range streams {
		filters, err := moduleFilter(c.Conf, arch, v.UID)
		if err != nil {
			return err
		}
		filtered := false
		for _, g := range filters {
			if g.Match(s.NS()) {
				filtered = true
				break
			}
		}
		if filtered {
			r.Log.Infof("Module %s filtered from %s.%s", s.NSVC(), v.UID, arch)
			continue
		}
		v.AddModule(arch, s, tag, tag)
		v.AddPkgset(tag)
		sel.add(tag, s.Artifacts)
	}
	return nil
}

// Resolve selects modules for every variant of the compose, fills the
// variants' module maps and returns the artifacts allowed into the
// package sets.
func (r *ModuleResolver) Resolve(ctx context.Context, c *compose.Compose) (*ModuleSelection, error) {
	sel := &ModuleSelection{Include: map[string]map[string]bool{}, All: map[string]bool{}}
	conf := c.Conf

	var extra []ModuleBuild
	for _, nvr := range conf.PkgsetKojiModuleBuilds {
		b, err := r.Session.GetBuild(nvr)
		if err != nil {
			return nil, err
		}
		m, err := parseModuleBuild(*b)
		if err != nil {
			return nil, err
		}
		extra = append(extra, m)
	}

	for _, v := range c.GetVariants("") {
		if len(v.Modules) == 0 && len(v.ModularKojiTags) == 0 {
			continue
		}
		tags := v.ModularKojiTags
		if len(tags) == 0 {
			tags = conf.PkgsetKojiModuleTag
		}
		if len(tags) == 0 {
			tags = conf.PkgsetKojiTag
		}
		rawPatterns := v.Modules
		if len(rawPatterns) == 0 {
			rawPatterns = []string{"*"}
		}
		patterns := make([]modulemd.Selector, 0, len(rawPatterns))
		for _, p := range rawPatterns {
			s, err := modulemd.ParseSelector(p)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, s)
		}

		candidates := append([]ModuleBuild(nil), extra...)
		for _, tag := range tags {
			builds, err := r.tagBuilds(tag, conf.PkgsetKojiInheritModules)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, builds...)
		}
		var matched []ModuleBuild
		for _, b := range candidates {
			if matchPatterns(b, patterns) {
				matched = append(matched, b)
			}
		}
		for _, p := range patterns {
			if p.Name == "*" {
				continue
			}
			found := false
			for _, b := range matched {
				if matchPatterns(b, []modulemd.Selector{p}) {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("no module build found for %s in %s", p, strings.Join(tags, ", "))
			}
		}
		selected := latestModules(matched)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, b := range selected {
			b := b
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				if b.ContentTag == "" {
					return fmt.Errorf("module build %s has no content tag", b.Build.NVR)
				}
				streams, err := r.streams(b, v.Arches)
				if err != nil {
					return err
				}
				return r.addStreams(c, v, b.ContentTag, streams, sel)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		r.Log.Infof("Selected %d module build(s) for %s", len(selected), v.UID)
	}

	if err := r.resolveScratch(ctx, c, sel); err != nil {
		return nil, err
	}
	return sel, nil
}

// resolveScratch adds the scratch modules listed for variants. Those are
// only allowed in test composes.
func (r *ModuleResolver) resolveScratch(ctx context.Context, c *compose.Compose, sel *ModuleSelection) error {
	if len(c.Conf.PkgsetScratchModules) == 0 {
		return nil
	}
	if c.Identity.Type != "test" {
		return fmt.Errorf("scratch modules are only allowed in test composes, not %s", c.Identity.Type)
	}
	if r.MBS == nil {
		return fmt.Errorf("pkgset_scratch_modules needs mbs_api_url")
	}
	uids := make([]string, 0, len(c.Conf.PkgsetScratchModules))
	for uid := range c.Conf.PkgsetScratchModules {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		v := c.Variant(uid)
		if v == nil {
			return fmt.Errorf("pkgset_scratch_modules refers to unknown variant %s", uid)
		}
		for _, nsvc := range c.Conf.PkgsetScratchModules[uid] {
			build, err := r.MBS.BuildByNSVC(ctx, nsvc)
			if err != nil {
				return err
			}
			docs, err := r.MBS.FinalModulemd(ctx, build.ID)
			if err != nil {
				return err
			}
			streams := map[string]*modulemd.Stream{}
			for _, arch := range v.Arches {
				doc, ok := docs[arch]
				if !ok {
					continue
				}
				s, err := modulemd.ReadStream([]byte(doc))
				if err != nil {
					return fmt.Errorf("scratch module %s: %w", nsvc, err)
				}
				streams[arch] = s
			}
			if err := r.addStreams(c, v, build.KojiTag, streams, sel); err != nil {
				return err
			}
		}
	}
	return nil
}
