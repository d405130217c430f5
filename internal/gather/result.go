// Package gather computes the package content of every variant: the
// dependency closure of the configured inputs over a package set, trimmed
// against the variant's parent and linked into the compose tree.
package gather

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/osbuild/pungi/internal/rpmmd"
)

// Flag records why a package ended up in a gather result.
type Flag string

const (
	FlagInput           Flag = "input"
	FlagFulltreeExclude Flag = "fulltree-exclude"
	FlagConditional     Flag = "conditional"
	FlagLangpack        Flag = "langpack"
	FlagMultilib        Flag = "multilib"
	FlagSelfHosting     Flag = "self-hosting"
	FlagFulltree        Flag = "fulltree"
	FlagPrepopulate     Flag = "prepopulate"
	FlagGreedyBuild     Flag = "greedy-build"
)

// Kind is one of the three lists of a gather result.
type Kind string

const (
	KindRPM       Kind = "rpm"
	KindSRPM      Kind = "srpm"
	KindDebuginfo Kind = "debuginfo"
)

var Kinds = []Kind{KindRPM, KindSRPM, KindDebuginfo}

func kindOf(p *rpmmd.Package) Kind {
	switch {
	case p.IsSource():
		return KindSRPM
	case p.IsDebug():
		return KindDebuginfo
	default:
		return KindRPM
	}
}

type Entry struct {
	Path  string `json:"path"`
	Flags []Flag `json:"flags"`

	Package *rpmmd.Package `json:"-"`
}

func (e Entry) Has(f Flag) bool {
	for _, flag := range e.Flags {
		if flag == f {
			return true
		}
	}
	return false
}

// Filename identifies the entry across variants; the same NVRA may come
// from different package sets.
func (e Entry) Filename() string {
	return filepath.Base(e.Path)
}

// Result is the content of one variant for one arch.
type Result struct {
	RPM       []Entry `json:"rpm"`
	SRPM      []Entry `json:"srpm"`
	Debuginfo []Entry `json:"debuginfo"`
}

func NewResult() *Result {
	return &Result{RPM: []Entry{}, SRPM: []Entry{}, Debuginfo: []Entry{}}
}

func (r *Result) list(kind Kind) *[]Entry {
	switch kind {
	case KindSRPM:
		return &r.SRPM
	case KindDebuginfo:
		return &r.Debuginfo
	default:
		return &r.RPM
	}
}

func (r *Result) Entries(kind Kind) []Entry {
	return *r.list(kind)
}

// Add appends an entry unless one with the same file name exists, in which
// case the flags are merged.
func (r *Result) Add(kind Kind, e Entry) {
	l := r.list(kind)
	for i := range *l {
		if (*l)[i].Filename() != e.Filename() {
			continue
		}
		for _, f := range e.Flags {
			if !(*l)[i].Has(f) {
				(*l)[i].Flags = append((*l)[i].Flags, f)
			}
		}
		return
	}
	if e.Flags == nil {
		e.Flags = []Flag{}
	}
	*l = append(*l, e)
}

// Contains reports whether an entry with the same file name is present.
func (r *Result) Contains(kind Kind, filename string) bool {
	for _, e := range *r.list(kind) {
		if e.Filename() == filename {
			return true
		}
	}
	return false
}

// Remove drops the entries for which drop returns true and returns them.
func (r *Result) Remove(kind Kind, drop func(Entry) bool) []Entry {
	l := r.list(kind)
	var kept, removed []Entry
	for _, e := range *l {
		if drop(e) {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	if kept == nil {
		kept = []Entry{}
	}
	*l = kept
	return removed
}

// Merge adds every entry of other.
func (r *Result) Merge(other *Result) {
	for _, kind := range Kinds {
		for _, e := range other.Entries(kind) {
			r.Add(kind, e)
		}
	}
}

func (r *Result) Paths(kind Kind) []string {
	var out []string
	for _, e := range r.Entries(kind) {
		out = append(out, e.Path)
	}
	return out
}

func (r *Result) Len() int {
	return len(r.RPM) + len(r.SRPM) + len(r.Debuginfo)
}

// Sort orders every list by file name and every flag list alphabetically.
func (r *Result) Sort() {
	for _, kind := range Kinds {
		l := *r.list(kind)
		sort.Slice(l, func(i, j int) bool { return l[i].Filename() < l[j].Filename() })
		for _, e := range l {
			sort.Slice(e.Flags, func(i, j int) bool { return e.Flags[i] < e.Flags[j] })
		}
	}
}

func (r *Result) Copy() *Result {
	out := NewResult()
	for _, kind := range Kinds {
		for _, e := range r.Entries(kind) {
			e.Flags = append([]Flag{}, e.Flags...)
			*out.list(kind) = append(*out.list(kind), e)
		}
	}
	return out
}

func (r *Result) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// ReadResultFile loads a result. Entries carry no Package.
func ReadResultFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := NewResult()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("cannot parse gather result %s: %w", path, err)
	}
	return r, nil
}
