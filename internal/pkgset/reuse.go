package pkgset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/rpmmd"
)

const (
	reuseKind    = "pkgset-reuse"
	reuseVersion = 1
)

var ErrUnknownReuseVersion = errors.New("unknown package set reuse file version")

// reuseCriteria are the inputs that must not change for an old package
// set to be reused.
type reuseCriteria struct {
	AllowInvalidSigkeys  bool     `json:"allow_invalid_sigkeys"`
	Packages             []string `json:"packages"`
	PopulateOnlyPackages bool     `json:"populate_only_packages"`
	ExtraBuilds          []string `json:"extra_builds"`
	ExtraTasks           []int    `json:"extra_tasks"`
	Sigkeys              []string `json:"sigkeys"`
	IncludePackages      []string `json:"include_packages"`
	Inherit              bool     `json:"inherit"`
}

type reuseFile struct {
	Kind       string                      `json:"kind"`
	Version    int                         `json:"version"`
	Name       string                      `json:"name"`
	Tag        string                      `json:"tag"`
	Event      int                         `json:"event"`
	Criteria   reuseCriteria               `json:"criteria"`
	RPMsByArch map[string][]*rpmmd.Package `json:"rpms_by_arch"`
}

func (s *KojiPackageSet) criteria(inherit bool, include map[string]bool) reuseCriteria {
	var inc []string
	for n := range include {
		inc = append(inc, n)
	}
	sort.Strings(inc)
	return reuseCriteria{
		AllowInvalidSigkeys:  s.AllowInvalidSigkeys,
		Packages:             s.Packages,
		PopulateOnlyPackages: s.PopulateOnly,
		ExtraBuilds:          s.ExtraBuilds,
		ExtraTasks:           s.ExtraTasks,
		Sigkeys:              s.Sigkeys,
		IncludePackages:      inc,
		Inherit:              inherit,
	}
}

// SaveReuse writes the populated set as a zstd compressed JSON record.
func (s *KojiPackageSet) SaveReuse(path, tag string, event int, inherit bool, include map[string]bool) error {
	byArch := map[string][]*rpmmd.Package{}
	for a, l := range s.ByArch() {
		byArch[a] = l
	}
	doc := reuseFile{
		Kind:       reuseKind,
		Version:    reuseVersion,
		Name:       s.Name,
		Tag:        tag,
		Event:      event,
		Criteria:   s.criteria(inherit, include),
		RPMsByArch: byArch,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := json.NewEncoder(enc).Encode(doc); err != nil {
		enc.Close()
		tmp.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readReuseFile(path string) (*reuseFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var doc reuseFile
	if err := json.NewDecoder(dec).Decode(&doc); err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", path, err)
	}
	if doc.Kind != reuseKind || doc.Version != reuseVersion {
		return nil, fmt.Errorf("%w: %s version %d in %s", ErrUnknownReuseVersion, doc.Kind, doc.Version, path)
	}
	return &doc, nil
}

// TryToReuse loads the set from the reuse file of an old compose when the
// tag and its parents did not change since the old event and every input
// is the same. It reports whether the set was loaded.
func (s *KojiPackageSet) TryToReuse(ctx context.Context, oldPath, tag string, event int, inherit bool, include map[string]bool) (bool, error) {
	if oldPath == "" {
		s.Log.Info("Not reusing package set: no old compose")
		return false, nil
	}
	old, err := readReuseFile(oldPath)
	if err != nil {
		s.Log.Infof("Not reusing package set: %v", err)
		return false, nil
	}

	oldCriteria, err := common.CanonicalJSON(old.Criteria)
	if err != nil {
		return false, err
	}
	newCriteria, err := common.CanonicalJSON(s.criteria(inherit, include))
	if err != nil {
		return false, err
	}
	if old.Tag != tag || !bytes.Equal(oldCriteria, newCriteria) {
		s.Log.Info("Not reusing package set: configuration changed")
		return false, nil
	}

	tags := []string{tag}
	if inherit {
		parents, err := s.Session.GetFullInheritance(tag, event)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			tags = append(tags, p.Name)
		}
	}
	for _, t := range tags {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		history, err := s.Session.QueryHistory([]string{"tag_listing", "tag_inheritance"}, t, old.Event, event)
		if err != nil {
			return false, err
		}
		if history.Changed("tag_listing", "tag_inheritance") {
			s.Log.Infof("Not reusing package set: tag %s changed since event %d", t, old.Event)
			return false, nil
		}
	}

	for _, l := range old.RPMsByArch {
		for _, p := range l {
			if p.Path != "" {
				s.Cache.Put(p)
			}
		}
		s.Add(l...)
	}
	s.Log.Infof("Reusing package set from %s (event %d)", oldPath, old.Event)
	return true, nil
}
