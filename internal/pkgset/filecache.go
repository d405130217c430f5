package pkgset

import (
	"sync"

	"github.com/osbuild/pungi/internal/rpmmd"
)

// HeaderReader loads package metadata from an RPM file.
type HeaderReader func(path string) (*rpmmd.Package, error)

// FileCache maps absolute RPM paths to their parsed headers. It is shared
// by every package set of a compose, so each file is read once.
type FileCache struct {
	read HeaderReader

	mu    sync.Mutex
	files map[string]*rpmmd.Package
}

func NewFileCache(read HeaderReader) *FileCache {
	if read == nil {
		read = rpmmd.ReadHeader
	}
	return &FileCache{read: read, files: map[string]*rpmmd.Package{}}
}

// Add returns the cached header of path, reading it on first use.
func (c *FileCache) Add(path string) (*rpmmd.Package, error) {
	c.mu.Lock()
	if p, ok := c.files[path]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.read(path)
	if err != nil {
		return nil, err
	}
	p.Path = path

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.files[path]; ok {
		return existing, nil
	}
	c.files[path] = p
	return p, nil
}

// Put stores an already parsed package.
func (c *FileCache) Put(p *rpmmd.Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[p.Path] = p
}

func (c *FileCache) Get(path string) (*rpmmd.Package, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.files[path]
	return p, ok
}

func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Snapshot copies the cache content.
func (c *FileCache) Snapshot() map[string]*rpmmd.Package {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*rpmmd.Package, len(c.files))
	for k, v := range c.files {
		out[k] = v
	}
	return out
}

// Replace swaps the content for the given files.
func (c *FileCache) Replace(files map[string]*rpmmd.Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = make(map[string]*rpmmd.Package, len(files))
	for k, v := range files {
		c.files[k] = v
	}
}
