package rpmmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const primaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xmlns="http://linux.duke.edu/metadata/common" xmlns:rpm="http://linux.duke.edu/metadata/rpm" packages="2">
<package type="rpm">
  <name>bash</name>
  <arch>x86_64</arch>
  <version epoch="0" ver="5.1" rel="1.fc36"/>
  <size package="1500000" installed="7000000" archive="7100000"/>
  <location href="Packages/b/bash-5.1-1.fc36.x86_64.rpm"/>
  <format>
    <rpm:sourcerpm>bash-5.1-1.fc36.src.rpm</rpm:sourcerpm>
    <rpm:provides>
      <rpm:entry name="bash" flags="EQ" epoch="0" ver="5.1" rel="1.fc36"/>
      <rpm:entry name="/bin/sh"/>
    </rpm:provides>
    <rpm:requires>
      <rpm:entry name="libc.so.6()(64bit)"/>
      <rpm:entry name="filesystem" flags="GE" epoch="0" ver="3"/>
    </rpm:requires>
    <file>/usr/bin/bash</file>
  </format>
</package>
<package type="rpm">
  <name>nodejs</name>
  <arch>x86_64</arch>
  <version epoch="1" ver="18.0" rel="1.module+f36+123+abc"/>
  <location href="Packages/n/nodejs-18.0-1.module+f36+123+abc.x86_64.rpm"/>
  <format>
    <rpm:sourcerpm>nodejs-18.0-1.module+f36+123+abc.src.rpm</rpm:sourcerpm>
  </format>
</package>
</metadata>`

func writeRepo(t *testing.T, dir, primaryName string, primary []byte) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0755))
	repomd := `<?xml version="1.0"?><repomd xmlns="http://linux.duke.edu/metadata/repo"><revision>1</revision>` +
		`<data type="primary"><checksum type="sha256">abc</checksum><location href="repodata/` + primaryName + `"/></data></repomd>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(repomd), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", primaryName), primary, 0644))
}

func gzipped(t *testing.T, data string) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data string) []byte {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	return enc.EncodeAll([]byte(data), nil)
}

func TestLoadLocalRepo(t *testing.T) {
	dir := t.TempDir()
	writeRepo(t, dir, "abc-primary.xml.gz", gzipped(t, primaryXML))

	pkgs, err := NewLoader(nil).Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	bash := pkgs[0]
	assert.Equal(t, "bash-5.1-1.fc36.x86_64", bash.NVRA())
	assert.Equal(t, filepath.Join(dir, "Packages/b/bash-5.1-1.fc36.x86_64.rpm"), bash.Path)
	assert.Equal(t, int64(1500000), bash.Size)
	assert.Equal(t, "bash", bash.SourceName())
	assert.Equal(t, []string{"/usr/bin/bash"}, bash.Files)
	assert.True(t, bash.Satisfies(Reldep{Name: "/bin/sh"}))
	assert.Equal(t, Reldep{Name: "filesystem", Flags: "GE", Epoch: "0", Version: "3"}, bash.Requires[1])
	assert.False(t, bash.IsModular)

	nodejs := pkgs[1]
	assert.Equal(t, uint(1), nodejs.Epoch)
	assert.True(t, nodejs.IsModular)
}

func TestLoadHTTPRepo(t *testing.T) {
	dir := t.TempDir()
	writeRepo(t, dir, "abc-primary.xml.zst", zstded(t, primaryXML))
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	pkgs, err := NewLoader(nil).Load(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, srv.URL+"/Packages/b/bash-5.1-1.fc36.x86_64.rpm", pkgs[0].Path)
}

func TestLoadMissingPrimary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(`<repomd></repomd>`), 0644))
	_, err := NewLoader(nil).Load(context.Background(), dir)
	assert.ErrorIs(t, err, ErrNoPrimary)
}

func TestReadPrimaryPlain(t *testing.T) {
	pkgs, err := ReadPrimary(strings.NewReader(primaryXML), "/repo")
	require.NoError(t, err)
	assert.Equal(t, "/repo/Packages/n/nodejs-18.0-1.module+f36+123+abc.x86_64.rpm", pkgs[1].Path)
}
