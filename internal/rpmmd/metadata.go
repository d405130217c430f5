package rpmmd

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

var ErrNoPrimary = errors.New("repository has no primary metadata")

// RepoMD is the index stored in repodata/repomd.xml.
type RepoMD struct {
	Revision string       `xml:"revision"`
	Data     []RepoMDData `xml:"data"`
}

type RepoMDData struct {
	Type string `xml:"type,attr"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Checksum struct {
		Type string `xml:"type,attr"`
		Sum  string `xml:",chardata"`
	} `xml:"checksum"`
}

// Href returns the location of the metadata file of type t.
func (md *RepoMD) Href(t string) (string, bool) {
	for _, d := range md.Data {
		if d.Type == t {
			return d.Location.Href, true
		}
	}
	return "", false
}

type primaryEntry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr"`
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

type primaryPackage struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name"`
	Arch string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Size struct {
		Package int64 `xml:"package,attr"`
	} `xml:"size"`
	Location struct {
		Href    string `xml:"href,attr"`
		XMLBase string `xml:"base,attr"`
	} `xml:"location"`
	Format struct {
		SourceRPM string         `xml:"sourcerpm"`
		Provides  []primaryEntry `xml:"provides>entry"`
		Requires  []primaryEntry `xml:"requires>entry"`
		Files     []string       `xml:"file"`
	} `xml:"format"`
}

func (e primaryEntry) reldep() Reldep {
	return Reldep{Name: e.Name, Flags: e.Flags, Epoch: e.Epoch, Version: e.Ver, Release: e.Rel}
}

// decompress wraps r according to the file name suffix.
func decompress(r io.Reader, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return g, nil
	case strings.HasSuffix(name, ".zst"):
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case strings.HasSuffix(name, ".xz"):
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(x), nil
	case strings.HasSuffix(name, ".bz2"):
		return nil, fmt.Errorf("bzip2 compressed metadata is not supported: %s", name)
	}
	return io.NopCloser(r), nil
}

// ReadPrimary parses primary.xml. Package paths are joined to baseDir.
func ReadPrimary(r io.Reader, baseDir string) ([]*Package, error) {
	dec := xml.NewDecoder(r)
	var pkgs []*Package
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse primary metadata: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			continue
		}
		var pp primaryPackage
		if err := dec.DecodeElement(&pp, &start); err != nil {
			return nil, fmt.Errorf("cannot parse primary metadata: %w", err)
		}
		if pp.Type != "" && pp.Type != "rpm" {
			continue
		}
		pkgs = append(pkgs, pp.toPackage(baseDir))
	}
	return pkgs, nil
}

func (pp *primaryPackage) toPackage(baseDir string) *Package {
	p := &Package{
		Name:      pp.Name,
		Version:   pp.Version.Ver,
		Release:   pp.Version.Rel,
		Arch:      pp.Arch,
		SourceRPM: pp.Format.SourceRPM,
		Size:      pp.Size.Package,
		Files:     pp.Format.Files,
	}
	if e, err := parseEpoch(pp.Version.Epoch); err == nil {
		p.Epoch = e
	}
	base := baseDir
	if pp.Location.XMLBase != "" {
		base = strings.TrimPrefix(pp.Location.XMLBase, "file://")
	}
	p.Path = joinLocation(base, pp.Location.Href)
	for _, e := range pp.Format.Provides {
		p.Provides = append(p.Provides, e.reldep())
	}
	for _, e := range pp.Format.Requires {
		p.Requires = append(p.Requires, e.reldep())
	}
	p.IsModular = IsModularRelease(p.Release)
	return p
}

func parseEpoch(s string) (uint, error) {
	if s == "" {
		return 0, nil
	}
	var e uint
	_, err := fmt.Sscanf(s, "%d", &e)
	return e, err
}

func joinLocation(base, href string) string {
	if strings.Contains(base, "://") {
		return strings.TrimSuffix(base, "/") + "/" + href
	}
	return filepath.Join(base, href)
}

// Loader reads repositories from local directories or over HTTP.
type Loader struct {
	Client *retryablehttp.Client
}

func NewLoader(client *retryablehttp.Client) *Loader {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &Loader{Client: client}
}

func (l *Loader) open(ctx context.Context, base, rel string) (io.ReadCloser, error) {
	u, err := url.Parse(base)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		target, err := u.Parse(strings.TrimSuffix(u.Path, "/") + "/" + rel)
		if err != nil {
			return nil, err
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.Client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetching %s: unexpected status %s", target, resp.Status)
		}
		return resp.Body, nil
	}
	return os.Open(filepath.Join(strings.TrimPrefix(base, "file://"), rel))
}

// ReadRepoMD loads repodata/repomd.xml of the repository at base.
func (l *Loader) ReadRepoMD(ctx context.Context, base string) (*RepoMD, error) {
	f, err := l.open(ctx, base, "repodata/repomd.xml")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var md RepoMD
	if err := xml.NewDecoder(f).Decode(&md); err != nil {
		return nil, fmt.Errorf("cannot parse repomd.xml of %s: %w", base, err)
	}
	return &md, nil
}

// Load returns every package listed in the primary metadata of the
// repository at base.
func (l *Loader) Load(ctx context.Context, base string) ([]*Package, error) {
	md, err := l.ReadRepoMD(ctx, base)
	if err != nil {
		return nil, err
	}
	href, ok := md.Href("primary")
	if !ok {
		return nil, fmt.Errorf("%s: %w", base, ErrNoPrimary)
	}
	f, err := l.open(ctx, base, href)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := decompress(f, href)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadPrimary(r, strings.TrimPrefix(base, "file://"))
}
