package createrepo

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/osbuild/pungi/internal/gather"
	"github.com/osbuild/pungi/internal/modulemd"
)

// modulesYAML renders the module metadata of a variant and arch. Streams
// only keep the artifacts that made it into the repository; defaults and
// obsoletes are limited to the modules present.
func (p *Phase) modulesYAML(j job) ([]byte, error) {
	conf := p.Compose.Conf
	present := map[string]bool{}
	res := p.Gather.Get(j.Arch, j.Variant.UID)
	for _, kind := range gather.Kinds {
		for _, e := range res.Entries(kind) {
			if e.Package != nil {
				present[e.Package.NEVRA()] = true
			}
		}
	}

	streams := j.Variant.ArchModules(j.Arch)
	nsvcs := make([]string, 0, len(streams))
	for nsvc := range streams {
		nsvcs = append(nsvcs, nsvc)
	}
	sort.Strings(nsvcs)
	idx := modulemd.NewIndex()
	names := map[string]bool{}
	for _, nsvc := range nsvcs {
		s := streams[nsvc].Copy()
		s.KeepArtifacts(present)
		idx.AddStream(s)
		names[s.Name] = true
	}
	if err := modulemd.CollectDefaults(conf.ModuleDefaultsDir, names, idx); err != nil {
		return nil, fmt.Errorf("cannot read module defaults: %w", err)
	}
	if err := modulemd.CollectObsoletes(conf.ModuleObsoletesDir, names, idx); err != nil {
		return nil, fmt.Errorf("cannot read module obsoletes: %w", err)
	}
	if dir, ok := conf.CreaterepoExtraModulemd[j.Variant.UID]; ok {
		if err := addExtraModulemd(idx, filepath.Join(dir, j.Arch)); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := idx.Dump(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// addExtraModulemd merges every YAML file of dir into idx.
func addExtraModulemd(idx *modulemd.Index, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		extra, err := modulemd.ReadFile(f)
		if err != nil {
			return err
		}
		for _, s := range extra.Streams() {
			idx.AddStream(s)
		}
		for _, d := range extra.Defaults() {
			idx.AddDefaults(d)
		}
		for _, o := range extra.Obsoletes() {
			idx.AddObsoletes(o)
		}
	}
	return nil
}
