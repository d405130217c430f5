package pkgset

import (
	"fmt"
	"sync"

	"github.com/osbuild/pungi/internal/koji"
)

// CachingSession memoizes the read-only hub queries a package set makes.
// The compose works at a fixed event, so the answers never change.
type CachingSession struct {
	koji.Session

	mu      sync.Mutex
	tagged  map[string]taggedRPMs
	builds  map[string]*koji.Build
	listing map[string][]koji.Build
	inherit map[string][]koji.Inheritance
}

type taggedRPMs struct {
	rpms   []koji.RPM
	builds []koji.Build
}

func NewCachingSession(s koji.Session) *CachingSession {
	return &CachingSession{
		Session: s,
		tagged:  map[string]taggedRPMs{},
		builds:  map[string]*koji.Build{},
		listing: map[string][]koji.Build{},
		inherit: map[string][]koji.Inheritance{},
	}
}

func (c *CachingSession) ListTaggedRPMs(tag string, event int, inherit, latest bool) ([]koji.RPM, []koji.Build, error) {
	k := fmt.Sprintf("%s/%d/%t/%t", tag, event, inherit, latest)
	c.mu.Lock()
	if v, ok := c.tagged[k]; ok {
		c.mu.Unlock()
		return v.rpms, v.builds, nil
	}
	c.mu.Unlock()

	rpms, builds, err := c.Session.ListTaggedRPMs(tag, event, inherit, latest)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	c.tagged[k] = taggedRPMs{rpms: rpms, builds: builds}
	c.mu.Unlock()
	return rpms, builds, nil
}

func (c *CachingSession) ListTagged(tag string, event int, inherit bool, buildType string) ([]koji.Build, error) {
	k := fmt.Sprintf("%s/%d/%t/%s", tag, event, inherit, buildType)
	c.mu.Lock()
	if v, ok := c.listing[k]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	builds, err := c.Session.ListTagged(tag, event, inherit, buildType)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.listing[k] = builds
	c.mu.Unlock()
	return builds, nil
}

func (c *CachingSession) GetBuild(nvr string) (*koji.Build, error) {
	c.mu.Lock()
	if v, ok := c.builds[nvr]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	b, err := c.Session.GetBuild(nvr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.builds[nvr] = b
	c.mu.Unlock()
	return b, nil
}

func (c *CachingSession) GetFullInheritance(tag string, event int) ([]koji.Inheritance, error) {
	k := fmt.Sprintf("%s/%d", tag, event)
	c.mu.Lock()
	if v, ok := c.inherit[k]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	parents, err := c.Session.GetFullInheritance(tag, event)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.inherit[k] = parents
	c.mu.Unlock()
	return parents, nil
}
