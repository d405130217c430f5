// Package jsondb stores JSON documents in a directory, one file per
// document. Writes are atomic: a reader sees either the old or the new
// document, never a partial one.
package jsondb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type JSONDatabase struct {
	dir  string
	perm os.FileMode
}

// ErrUnknownVersion is returned by ReadRecord for a record written in a
// format this program does not understand.
var ErrUnknownVersion = errors.New("unknown record version")

// Create a new JSONDatabase in `dir`. Each document that is saved to it will
// have a file mode of `perm`.
func New(dir string, perm os.FileMode) *JSONDatabase {
	return &JSONDatabase{dir, perm}
}

// Reads the value at `name`. `document` must be a type that is deserializable
// from the JSON document `name`, or nil to not deserialize at all. Returns
// false if a document with `name` does not exist.
func (db *JSONDatabase) Read(name string, document interface{}) (bool, error) {
	f, err := os.Open(filepath.Join(db.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("error accessing db file %s: %v", name, err)
	}
	defer f.Close()

	if document != nil {
		err = json.NewDecoder(f).Decode(&document)
		if err != nil {
			return false, fmt.Errorf("error reading db file %s: %v", name, err)
		}
	}

	return true, nil
}

// Returns a list of all documents' names.
func (db *JSONDatabase) List() ([]string, error) {
	f, err := os.Open(db.dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if filepath.Ext(info.Name()) == ".json" {
			names = append(names, strings.TrimSuffix(info.Name(), ".json"))
		}
	}

	return names, nil
}

// Writes `document` to `name`, overwriting a previous document if it exists.
// `document` must be serializable to JSON. The directory must exist.
func (db *JSONDatabase) Write(name string, document interface{}) error {
	return writeFileAtomically(db.dir, name+".json", db.perm, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(document)
	})
}

// Delete removes the document `name`. A missing document is not an error.
func (db *JSONDatabase) Delete(name string) error {
	err := os.Remove(filepath.Join(db.dir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// record is the envelope of a versioned document.
type record struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// WriteRecord stores document wrapped in an envelope naming its kind and
// format version.
func (db *JSONDatabase) WriteRecord(name, kind string, version int, document interface{}) error {
	data, err := json.Marshal(document)
	if err != nil {
		return err
	}
	return db.Write(name, record{Kind: kind, Version: version, Data: data})
}

// ReadRecord reads a document written by WriteRecord. A record of a
// different kind or version yields ErrUnknownVersion.
func (db *JSONDatabase) ReadRecord(name, kind string, version int, document interface{}) (bool, error) {
	var r record
	exists, err := db.Read(name, &r)
	if err != nil || !exists {
		return exists, err
	}
	if r.Kind != kind || r.Version != version {
		return true, fmt.Errorf("%s: %w (%s v%d)", name, ErrUnknownVersion, r.Kind, r.Version)
	}
	if err := json.Unmarshal(r.Data, document); err != nil {
		return true, fmt.Errorf("error reading db file %s: %v", name, err)
	}
	return true, nil
}

// writeFileAtomically writes data to `filename` in `directory` atomically, by
// first creating a temporary file in `directory` and only moving it when
// writing succeeded. `writer` gets passed the open file handle to write to and
// does not need to take care of closing it.
func writeFileAtomically(dir, filename string, mode os.FileMode, writer func(f *os.File) error) error {
	tmpfile, err := os.CreateTemp(dir, filename+"-*.tmp")
	if err != nil {
		return err
	}

	// Make sure the file is removed unless we renamed it.
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	err = writer(tmpfile)
	if err != nil {
		tmpfile.Close()
		return err
	}

	err = tmpfile.Chmod(mode)
	if err != nil {
		tmpfile.Close()
		return err
	}

	err = tmpfile.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmpfile.Name(), filepath.Join(dir, filename))
}
