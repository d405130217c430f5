// Package modulemd reads and writes module metadata documents: module
// streams (modulemd v2), defaults and obsoletes.
package modulemd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	kindStream    = "modulemd"
	kindDefaults  = "modulemd-defaults"
	kindObsoletes = "modulemd-obsoletes"
)

type rawDocument struct {
	Document string                 `yaml:"document"`
	Version  int                    `yaml:"version"`
	Data     map[string]interface{} `yaml:"data"`
}

// Stream is one module stream built for one arch.
type Stream struct {
	Name      string
	Stream    string
	Version   uint64
	Context   string
	Arch      string
	Artifacts []string

	data map[string]interface{}
}

// NSVC renders name:stream:version:context.
func (s *Stream) NSVC() string {
	return fmt.Sprintf("%s:%s:%d:%s", s.Name, s.Stream, s.Version, s.Context)
}

// NSVCA appends the arch to the NSVC.
func (s *Stream) NSVCA() string {
	return s.NSVC() + ":" + s.Arch
}

// NS renders name:stream.
func (s *Stream) NS() string {
	return s.Name + ":" + s.Stream
}

// Copy returns an independent copy of the stream.
func (s *Stream) Copy() *Stream {
	out := *s
	out.Artifacts = append([]string(nil), s.Artifacts...)
	out.data = copyMap(s.data)
	return &out
}

// KeepArtifacts drops every RPM artifact not in keep.
func (s *Stream) KeepArtifacts(keep map[string]bool) {
	var out []string
	for _, a := range s.Artifacts {
		if keep[a] {
			out = append(out, a)
		}
	}
	s.Artifacts = out
}

// FilteredRPMs lists the package names the module filters out.
func (s *Stream) FilteredRPMs() []string {
	filter, _ := s.data["filter"].(map[string]interface{})
	if filter == nil {
		return nil
	}
	return toStrings(filter["rpms"])
}

func (s *Stream) document() rawDocument {
	data := copyMap(s.data)
	data["name"] = s.Name
	data["stream"] = s.Stream
	data["version"] = s.Version
	data["context"] = s.Context
	data["arch"] = s.Arch
	artifacts, _ := data["artifacts"].(map[string]interface{})
	if artifacts == nil {
		artifacts = map[string]interface{}{}
	}
	rpms := append([]string(nil), s.Artifacts...)
	sort.Strings(rpms)
	if len(rpms) > 0 {
		artifacts["rpms"] = rpms
	} else {
		delete(artifacts, "rpms")
	}
	if len(artifacts) > 0 {
		data["artifacts"] = artifacts
	} else {
		delete(data, "artifacts")
	}
	return rawDocument{Document: kindStream, Version: 2, Data: data}
}

// Defaults hold the default stream and profiles of one module.
type Defaults struct {
	Module string
	Stream string

	data map[string]interface{}
}

func (d *Defaults) document() rawDocument {
	data := copyMap(d.data)
	data["module"] = d.Module
	if d.Stream != "" {
		data["stream"] = d.Stream
	}
	return rawDocument{Document: kindDefaults, Version: 1, Data: data}
}

// Obsoletes marks a stream (or one context of it) as end of life or
// replaced.
type Obsoletes struct {
	Module   string
	Stream   string
	Context  string
	Modified string

	data map[string]interface{}
}

func (o *Obsoletes) document() rawDocument {
	data := copyMap(o.data)
	data["module"] = o.Module
	data["stream"] = o.Stream
	data["modified"] = o.Modified
	if o.Context != "" {
		data["context"] = o.Context
	}
	return rawDocument{Document: kindObsoletes, Version: 1, Data: data}
}

// Index is a collection of documents that ends up in modules.yaml.
type Index struct {
	streams   map[string]*Stream
	defaults  map[string]*Defaults
	obsoletes map[string]*Obsoletes
}

func NewIndex() *Index {
	return &Index{
		streams: map[string]*Stream{},
		defaults:  map[string]*Defaults{},
		obsoletes: map[string]*Obsoletes{},
	}
}

// AddStream adds or replaces a stream keyed by NSVCA.
func (i *Index) AddStream(s *Stream) {
	i.streams[s.NSVCA()] = s
}

// AddDefaults adds or replaces the defaults of a module.
func (i *Index) AddDefaults(d *Defaults) {
	i.defaults[d.Module] = d
}

// AddObsoletes keeps the most recently modified obsoletes per module,
// stream and context.
func (i *Index) AddObsoletes(o *Obsoletes) {
	key := o.Module + ":" + o.Stream + ":" + o.Context
	if old, ok := i.obsoletes[key]; ok && old.Modified > o.Modified {
		return
	}
	i.obsoletes[key] = o
}

func (i *Index) Streams() []*Stream {
	keys := make([]string, 0, len(i.streams))
	for k := range i.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Stream, 0, len(keys))
	for _, k := range keys {
		out = append(out, i.streams[k])
	}
	return out
}

func (i *Index) Defaults() []*Defaults {
	keys := make([]string, 0, len(i.defaults))
	for k := range i.defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Defaults, 0, len(keys))
	for _, k := range keys {
		out = append(out, i.defaults[k])
	}
	return out
}

func (i *Index) Obsoletes() []*Obsoletes {
	keys := make([]string, 0, len(i.obsoletes))
	for k := range i.obsoletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Obsoletes, 0, len(keys))
	for _, k := range keys {
		out = append(out, i.obsoletes[k])
	}
	return out
}

// ModuleNames returns the sorted names of all streams in the index.
func (i *Index) ModuleNames() []string {
	seen := map[string]bool{}
	for _, s := range i.streams {
		seen[s.Name] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (i *Index) Empty() bool {
	return len(i.streams) == 0 && len(i.defaults) == 0 && len(i.obsoletes) == 0
}

// Dump writes every document as a YAML stream: module streams first, then
// defaults and obsoletes.
func (i *Index) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, s := range i.Streams() {
		if err := enc.Encode(s.document()); err != nil {
			return err
		}
	}
	for _, d := range i.Defaults() {
		if err := enc.Encode(d.document()); err != nil {
			return err
		}
	}
	for _, o := range i.Obsoletes() {
		if err := enc.Encode(o.document()); err != nil {
			return err
		}
	}
	return enc.Close()
}

// WriteFile dumps the index into path.
func (i *Index) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := i.Dump(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Read parses every document in r into a new index. Unknown document kinds
// are an error.
func Read(r io.Reader) (*Index, error) {
	idx := NewIndex()
	dec := yaml.NewDecoder(r)
	for {
		var doc rawDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse module metadata: %w", err)
		}
		if doc.Data == nil {
			doc.Data = map[string]interface{}{}
		}
		switch doc.Document {
		case kindStream:
			s, err := parseStream(doc)
			if err != nil {
				return nil, err
			}
			idx.AddStream(s)
		case kindDefaults:
			idx.AddDefaults(&Defaults{
				Module: str(doc.Data["module"]),
				Stream: str(doc.Data["stream"]),
				data:   doc.Data,
			})
		case kindObsoletes:
			idx.AddObsoletes(&Obsoletes{
				Module:   str(doc.Data["module"]),
				Stream:   str(doc.Data["stream"]),
				Context:  str(doc.Data["context"]),
				Modified: str(doc.Data["modified"]),
				data:     doc.Data,
			})
		default:
			return nil, fmt.Errorf("unsupported module metadata document %q", doc.Document)
		}
	}
	return idx, nil
}

// ReadFile parses a YAML file with module metadata documents.
func ReadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	idx, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// ReadStream parses a single modulemd v2 stream document, e.g. the
// modulemd.{arch}.txt archive of a module build.
func ReadStream(data []byte) (*Stream, error) {
	idx, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	streams := idx.Streams()
	if len(streams) != 1 {
		return nil, fmt.Errorf("expected exactly one module stream, found %d", len(streams))
	}
	return streams[0], nil
}

func parseStream(doc rawDocument) (*Stream, error) {
	if doc.Version != 2 {
		return nil, fmt.Errorf("unsupported modulemd version %d", doc.Version)
	}
	version, err := toUint(doc.Data["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid module version: %w", err)
	}
	s := &Stream{
		Name:    str(doc.Data["name"]),
		Stream:  str(doc.Data["stream"]),
		Version: version,
		Context: str(doc.Data["context"]),
		Arch:    str(doc.Data["arch"]),
		data:    doc.Data,
	}
	if s.Name == "" || s.Stream == "" {
		return nil, fmt.Errorf("module stream without name or stream")
	}
	if artifacts, ok := doc.Data["artifacts"].(map[string]interface{}); ok {
		s.Artifacts = toStrings(artifacts["rpms"])
	}
	return s, nil
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func toUint(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return uint64(t), nil
	case uint64:
		return t, nil
	case int64:
		return uint64(t), nil
	case float64:
		return uint64(t), nil
	case string:
		return strconv.ParseUint(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toStrings(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, str(item))
	}
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = copyMap(m)
			continue
		}
		out[k] = v
	}
	return out
}

// Selector is a parsed N:S[:V[:C]] module pattern. Empty fields match
// anything.
type Selector struct {
	Name    string
	Stream  string
	Version string
	Context string
}

// ParseSelector parses a module pattern from the variant configuration.
func ParseSelector(s string) (Selector, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 1 || len(parts) > 4 || parts[0] == "" {
		return Selector{}, fmt.Errorf("invalid module pattern %q, expected N:S[:V[:C]]", s)
	}
	sel := Selector{Name: parts[0]}
	if len(parts) > 1 {
		sel.Stream = parts[1]
	}
	if len(parts) > 2 {
		sel.Version = parts[2]
	}
	if len(parts) > 3 {
		sel.Context = parts[3]
	}
	return sel, nil
}

// Matches compares the selector with a stream's NSVC.
func (sel Selector) Matches(name, stream, version, context string) bool {
	return sel.Name == name &&
		(sel.Stream == "" || sel.Stream == stream) &&
		(sel.Version == "" || sel.Version == version) &&
		(sel.Context == "" || sel.Context == context)
}

func (sel Selector) String() string {
	parts := []string{sel.Name}
	for _, p := range []string{sel.Stream, sel.Version, sel.Context} {
		if p == "" {
			break
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ":")
}
