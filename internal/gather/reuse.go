package gather

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/rpmmd"
)

const reuseVersion = 1

// reuseCriteria is everything a gather result depends on besides the
// package set itself.
type reuseCriteria struct {
	Inputs    map[Method]*Inputs `json:"inputs"`
	Options   map[Method]Options `json:"options"`
	Lookaside []string           `json:"lookaside"`
}

type reuseRecord struct {
	Version int    `json:"version"`
	Digest  string `json:"digest"`
}

func reuseDigest(inputs map[Method]*Inputs, opts map[Method]Options, lookaside rpmmd.PackageList) (string, error) {
	c := reuseCriteria{Inputs: inputs, Options: opts, Lookaside: []string{}}
	for _, p := range lookaside {
		c.Lookaside = append(c.Lookaside, p.NEVRA())
	}
	return common.Digest(c)
}

func writeReuseRecord(path, digest string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(reuseRecord{Version: reuseVersion, Digest: digest})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readReuseRecord(path string) (*reuseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r reuseRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if r.Version != reuseVersion {
		return nil, fmt.Errorf("%s has unsupported version %d", path, r.Version)
	}
	return &r, nil
}

// bindResult attaches the packages of pool to the entries of an old
// result. It fails when an entry is no longer part of the pool.
func bindResult(res *Result, pool rpmmd.PackageList) error {
	byPath := make(map[string]*rpmmd.Package, len(pool))
	for _, p := range pool {
		byPath[p.Path] = p
	}
	for _, kind := range Kinds {
		l := *res.list(kind)
		for i := range l {
			p, ok := byPath[l[i].Path]
			if !ok {
				return fmt.Errorf("%s is not in the package set any more", l[i].Path)
			}
			l[i].Package = p
		}
	}
	return nil
}
