package createiso

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/shell"
	"github.com/osbuild/pungi/internal/wrappers"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func writeISO(t *testing.T, path, volid string) {
	t.Helper()
	w, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer w.Cleanup()
	require.NoError(t, w.AddFile(strings.NewReader("dvd"), "README"))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, w.WriteTo(f, volid))
}

// fakeRunner runs the build scripts by writing the image they would
// produce.
type fakeRunner struct {
	t    *testing.T
	fail bool

	mu       sync.Mutex
	scripts  []string
	commands [][]string
}

func (r *fakeRunner) Run(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Script != "" {
		r.scripts = append(r.scripts, cmd.Script)
		if r.fail {
			return shell.Result{ExitCode: 1}, &shell.ExitError{Cmd: "bash", ExitCode: 1, LogFile: cmd.LogFile}
		}
		r.build(strings.TrimPrefix(cmd.Script, "bash "))
		return shell.Result{}, nil
	}
	r.commands = append(r.commands, cmd.Argv)
	return shell.Result{}, nil
}

func (r *fakeRunner) build(script string) {
	data, err := os.ReadFile(script)
	require.NoError(r.t, err)
	var dir, iso, volid string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "cd "):
			dir = strings.TrimPrefix(line, "cd ")
		case strings.HasPrefix(line, "/usr/bin/implantisomd5"):
			fields := strings.Fields(line)
			iso = fields[len(fields)-1]
		case strings.Contains(line, " -volid "):
			volid = flagValue(line, "-volid")
		}
	}
	require.NotEmpty(r.t, iso)
	writeISO(r.t, filepath.Join(dir, iso), volid)
	writeFile(r.t, filepath.Join(dir, iso+".manifest"), "README\n")
}

// flagValue returns the possibly single-quoted argument following flag.
func flagValue(line, flag string) string {
	_, rest, _ := strings.Cut(line, " "+flag+" ")
	if v, ok := strings.CutPrefix(rest, "'"); ok {
		v, _, _ = strings.Cut(v, "'")
		return v
	}
	v, _, _ := strings.Cut(rest, " ")
	return v
}

func (r *fakeRunner) find(tool string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.commands {
		if filepath.Base(c[0]) == tool {
			out = append(out, c)
		}
	}
	return out
}

type fakeBuildinstall struct {
	bootable  bool
	succeeded bool
	reused    bool
}

func (b *fakeBuildinstall) Bootable(v *compose.Variant, arch string) bool {
	return b.bootable && arch != "src"
}

func (b *fakeBuildinstall) Succeeded(uid, arch string) bool { return b.succeeded }

func (b *fakeBuildinstall) Reused(uid, arch string) bool { return b.reused }

func testCompose(t *testing.T, topdir string, modify func(*config.Config)) (*compose.Compose, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	conf := config.Default()
	conf.ReleaseName = "Test"
	conf.ReleaseShort = "test"
	conf.ReleaseVersion = "1.0"
	conf.Bootable = false
	conf.Variants = []config.VariantConfig{
		{ID: "Server", Name: "Server", Type: "variant", Arches: []string{"x86_64"}},
	}
	if modify != nil {
		modify(conf)
	}
	id := compose.Identity{Short: "test", Version: "1.0", Type: "nightly", Date: "20240101"}
	c, err := compose.New(conf, topdir, id, compose.Options{Log: log, Supported: true})
	require.NoError(t, err)
	return c, hook
}

// writeTree populates the x86_64 and source trees of Server.
func writeTree(t *testing.T, c *compose.Compose, withSource bool) {
	t.Helper()
	tree := c.Paths.OSTree("x86_64", "Server")
	writeFile(t, filepath.Join(tree, "Packages/b/bash-5.2-1.x86_64.rpm"), "bash")
	writeFile(t, filepath.Join(tree, "repodata/repomd.xml"), "<repomd/>")
	writeFile(t, filepath.Join(tree, "isolinux/isolinux.bin"), "isolinux")
	if withSource {
		src := c.Paths.OSTree("src", "Server")
		writeFile(t, filepath.Join(src, "Packages/b/bash-5.2-1.src.rpm"), "bash source")
		writeFile(t, filepath.Join(src, "repodata/repomd.xml"), "<repomd/>")
	}
}

func newTestPhase(t *testing.T, c *compose.Compose, runner *fakeRunner, bi Buildinstall) *Phase {
	t.Helper()
	rr, err := runroot.New(c.Conf, runner, nil, c.Log)
	require.NoError(t, err)
	if bi == nil {
		bi = &fakeBuildinstall{}
	}
	return NewPhase(c, bi, rr, runner)
}

func TestMediaSplitter(t *testing.T) {
	const (
		mb = 1000 * 1000
		gb = 1000 * mb
	)
	type testCase struct {
		capacity uint64
		expected []Disc
	}
	tests := map[string]testCase{
		"two-discs": {
			capacity: 4700*mb - config.DefaultSplitIsoReserve,
			expected: []Disc{
				{Size: 2030 * mb, Files: []string{"GPL", ".treeinfo", "media.repo"}},
				{Size: 3020 * mb, Files: []string{"GPL", "bash.rpm"}},
			},
		},
		"unbounded": {
			expected: []Disc{
				{Size: 5030 * mb, Files: []string{"GPL", ".treeinfo", "media.repo", "bash.rpm"}},
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			log, _ := test.NewNullLogger()
			s := NewMediaSplitter(tc.capacity, log)
			require.NoError(t, s.AddFile("GPL", 20*mb, true))
			require.NoError(t, s.AddFile(".treeinfo", 10*mb, false))
			require.NoError(t, s.AddFile("media.repo", 2*gb, false))
			require.NoError(t, s.AddFile("bash.rpm", 3*gb, false))
			assert.Equal(t, tc.expected, s.Split())
		})
	}
}

func TestMediaSplitterRejectsSizeChange(t *testing.T) {
	s := NewMediaSplitter(100, nil)
	require.NoError(t, s.AddFile("a", 10, false))
	require.NoError(t, s.AddFile("a", 10, false))
	assert.Error(t, s.AddFile("a", 11, false))
	assert.Equal(t, uint64(10), s.TotalSize())
}

func TestMediaSplitterWarnsOversizedFile(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := NewMediaSplitter(10, log)
	require.NoError(t, s.AddFile("big", 20, false))
	discs := s.Split()
	require.Len(t, discs, 1)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestSplitTree(t *testing.T) {
	c, _ := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.IsoSize = 100
		conf.SplitIsoReserve = 0
	})
	tree := c.Paths.OSTree("x86_64", "Server")
	writeFile(t, filepath.Join(tree, "GPL"), strings.Repeat("g", 10))
	writeFile(t, filepath.Join(c.Paths.ExtraFilesDir("x86_64", "Server"), "GPL"), strings.Repeat("g", 10))
	writeFile(t, filepath.Join(tree, "repodata/repomd.xml"), strings.Repeat("r", 90))
	writeFile(t, filepath.Join(tree, "images/boot.iso"), strings.Repeat("b", 90))
	writeFile(t, filepath.Join(tree, "Packages/a/a.rpm"), strings.Repeat("a", 60))
	writeFile(t, filepath.Join(tree, "Packages/b/b.rpm"), strings.Repeat("b", 60))

	log, _ := test.NewNullLogger()
	discs, err := splitTree(c, "x86_64", c.Variant("Server"), false, log)
	require.NoError(t, err)
	require.Len(t, discs, 2)
	gpl := filepath.Join(tree, "GPL")
	assert.Equal(t, []string{gpl, filepath.Join(tree, "Packages/a/a.rpm")}, discs[0].Files)
	assert.Equal(t, []string{gpl, filepath.Join(tree, "Packages/b/b.rpm")}, discs[1].Files)
	assert.Equal(t, []string{"Packages/b/b.rpm"}, rpmsOnDisc(discs[1], tree, c.Paths.Packages("x86_64", "Server")))

	discs, err = splitTree(c, "x86_64", c.Variant("Server"), true, log)
	require.NoError(t, err)
	require.Len(t, discs, 1)
	assert.Equal(t, uint64(130), discs[0].Size)
}

func TestQueueSingleISO(t *testing.T) {
	c, hook := testCompose(t, t.TempDir(), nil)
	writeTree(t, c, false)
	p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
	require.NoError(t, p.queue(context.Background()))

	queued := p.pool.Queued()
	require.Len(t, queued, 1)
	cmd := queued[0]
	assert.Equal(t, "x86_64", cmd.Arch)
	assert.False(t, cmd.Bootable)
	assert.Equal(t, 1, cmd.DiscNum)
	assert.Equal(t, "test-1.0 Server.x86_64", cmd.Opts.VolID)
	assert.Equal(t, "x86_64", cmd.Opts.Arch)
	assert.True(t, cmd.Opts.Supported)
	assert.True(t, cmd.Opts.HfsCompat)
	assert.Empty(t, cmd.Opts.BuildinstallMethod)
	assert.Equal(t, "test-1.0-20240101.n.0-Server-x86_64-dvd1.iso", cmd.Opts.IsoName)
	assert.Equal(t, c.Paths.IsoDir("x86_64", "Server"), cmd.Opts.OutputDir)

	points, err := wrappers.ReadGraftPoints(cmd.Opts.GraftPoints)
	require.NoError(t, err)
	tree := c.Paths.OSTree("x86_64", "Server")
	assert.Equal(t, filepath.Join(tree, "Packages/b/bash-5.2-1.x86_64.rpm"), points["Packages/b/bash-5.2-1.x86_64.rpm"])
	assert.Equal(t, filepath.Join(tree, "repodata/repomd.xml"), points["repodata/repomd.xml"])
	// the boot image is staged as a copy
	assert.NotEqual(t, filepath.Join(tree, "isolinux/isolinux.bin"), points["isolinux/isolinux.bin"])

	script, err := os.ReadFile(cmd.Script)
	require.NoError(t, err)
	assert.Contains(t, string(script), "/usr/bin/genisoimage")
	assert.Contains(t, string(script), "/usr/bin/implantisomd5 --supported-iso "+cmd.Opts.IsoName)
	assert.NotContains(t, string(script), "isohybrid")

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "No RPMs found for Server.src") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestQueueBootableWithoutBuildinstall(t *testing.T) {
	c, hook := testCompose(t, t.TempDir(), func(conf *config.Config) { conf.Bootable = true })
	writeTree(t, c, true)
	p := newTestPhase(t, c, &fakeRunner{t: t}, &fakeBuildinstall{bootable: true})
	require.NoError(t, p.queue(context.Background()))

	queued := p.pool.Queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "src", queued[0].Arch)
	assert.Equal(t, "test-1.0-20240101.n.0-Server-source-dvd1.iso", queued[0].Opts.IsoName)

	var warnings []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings = append(warnings, e.Message)
		}
	}
	assert.Contains(t, warnings, "ISO should be bootable, but buildinstall failed. Skipping for Server.x86_64")
}

func TestQueueBootable(t *testing.T) {
	c, _ := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.Bootable = true
		conf.BuildinstallMethod = "lorax"
	})
	writeTree(t, c, false)
	writeISO(t, filepath.Join(c.Paths.OSTree("x86_64", "Server"), "images/boot.iso"), "boot")
	p := newTestPhase(t, c, &fakeRunner{t: t}, &fakeBuildinstall{bootable: true, succeeded: true})
	require.NoError(t, p.queue(context.Background()))

	queued := p.pool.Queued()
	require.Len(t, queued, 1)
	cmd := queued[0]
	assert.True(t, cmd.Bootable)
	assert.Equal(t, "lorax", cmd.Opts.BuildinstallMethod)
	assert.Equal(t, filepath.Join(c.Paths.OSTree("x86_64", "Server"), "images/boot.iso"), cmd.Opts.BootISO)

	points, err := wrappers.ReadGraftPoints(cmd.Opts.GraftPoints)
	require.NoError(t, err)
	assert.NotContains(t, points, "images/boot.iso")
	assert.Equal(t, "x86_64", runrootArch(cmd.Arch, cmd.Bootable))
}

func TestQueueSplitDiscs(t *testing.T) {
	c, _ := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.IsoSize = 100
		conf.SplitIsoReserve = 0
	})
	tree := c.Paths.OSTree("x86_64", "Server")
	writeFile(t, filepath.Join(tree, "repodata/repomd.xml"), "<repomd/>")
	writeFile(t, filepath.Join(tree, "Packages/a/a.rpm"), strings.Repeat("a", 60))
	writeFile(t, filepath.Join(tree, "Packages/b/b.rpm"), strings.Repeat("b", 60))
	runner := &fakeRunner{t: t}
	p := newTestPhase(t, c, runner, nil)
	require.NoError(t, p.queue(context.Background()))

	queued := p.pool.Queued()
	require.Len(t, queued, 2)
	for i, cmd := range queued {
		assert.Equal(t, i+1, cmd.DiscNum)
		assert.Equal(t, 2, cmd.DiscCount)
	}
	second, err := wrappers.ReadGraftPoints(queued[1].Opts.GraftPoints)
	require.NoError(t, err)
	assert.Contains(t, second, "Packages/b/b.rpm")
	assert.NotContains(t, second, "Packages/a/a.rpm")
	assert.Equal(t, filepath.Join(c.Paths.IsoWorkDir("x86_64", queued[1].Opts.IsoName), "repodata/repomd.xml"), second["repodata/repomd.xml"])

	createrepo := append(runner.find("createrepo_c"), runner.find("createrepo")...)
	require.Len(t, createrepo, 2)
	assert.Contains(t, createrepo[1], "--update")
	list, err := os.ReadFile(c.Paths.IsoWorkDir("x86_64", queued[1].Opts.IsoName) + "-file-list")
	require.NoError(t, err)
	assert.Equal(t, "Packages/b/b.rpm", string(list))
}

func TestCreateisoSkip(t *testing.T) {
	c, _ := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.CreateisoSkip = []config.Rule[bool]{{Variant: "^Server$", Arches: []string{"x86_64"}, Values: []bool{true}}}
	})
	writeTree(t, c, true)
	p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
	assert.False(t, p.Skip())
	require.NoError(t, p.queue(context.Background()))
	queued := p.pool.Queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "src", queued[0].Arch)
}

func TestRun(t *testing.T) {
	c, _ := testCompose(t, t.TempDir(), nil)
	writeTree(t, c, true)
	runner := &fakeRunner{t: t}
	p := newTestPhase(t, c, runner, nil)
	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, runner.scripts, 2)

	images := c.Images.Images("Server", "x86_64")
	require.Len(t, images, 2)
	byArch := map[string]string{}
	for _, img := range images {
		byArch[img.Arch] = img.VolumeID
		assert.Equal(t, "dvd", img.Type)
		assert.Equal(t, "iso", img.Format)
		assert.Equal(t, 1, img.DiscNumber)
		assert.Equal(t, "Server", img.Subvariant)
		assert.Equal(t, Deliverable, img.Deliverable)
	}
	assert.Equal(t, map[string]string{"x86_64": "test-1.0 Server.x86_64", "src": "test-1.0 Server.src"}, byArch)

	name := "test-1.0-20240101.n.0-Server-x86_64-dvd1.iso"
	rec, err := ReadReuseRecord(c.Paths.ReuseMetadata("x86_64", logPrefix+name), "createiso")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, filepath.Join(c.Paths.IsoDir("x86_64", "Server"), name), rec.IsoPath)
	assert.Equal(t, "test-1.0 Server.x86_64", rec.Opts.VolID)
}

func TestRunFailure(t *testing.T) {
	type testCase struct {
		failable []config.Rule[string]
		err      bool
	}
	tests := map[string]testCase{
		"fatal": {err: true},
		"failable": {
			failable: []config.Rule[string]{{Variant: "^Server$", Arches: []string{"x86_64"}, Values: []string{"iso"}}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, _ := testCompose(t, t.TempDir(), func(conf *config.Config) { conf.FailableDeliverables = tc.failable })
			writeTree(t, c, false)
			p := newTestPhase(t, c, &fakeRunner{t: t, fail: true}, nil)
			err := p.Run(context.Background())
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			failed := c.FailedDeliverables()
			require.Len(t, failed, 1)
			assert.Equal(t, "iso", failed[0].Deliverable)
			assert.Empty(t, c.Images.Images("Server", "x86_64"))
		})
	}
}

func TestReuse(t *testing.T) {
	oldTopdir := t.TempDir()
	old, _ := testCompose(t, oldTopdir, nil)
	writeTree(t, old, false)
	require.NoError(t, newTestPhase(t, old, &fakeRunner{t: t}, nil).Run(context.Background()))

	type testCase struct {
		modify func(*config.Config)
		tree   func(t *testing.T, c *compose.Compose)
		reused bool
	}
	tests := map[string]testCase{
		"reused": {reused: true},
		"config-changed": {
			modify: func(conf *config.Config) { conf.ReleaseName = "Other" },
		},
		"packages-changed": {
			tree: func(t *testing.T, c *compose.Compose) {
				writeFile(t, filepath.Join(c.Paths.Packages("x86_64", "Server"), "z/zsh-5.9-1.x86_64.rpm"), "zsh")
			},
		},
		"disabled": {
			modify: func(conf *config.Config) { conf.CreateisoAllowReuse = false },
		},
		"lookaside-ignored": {
			modify: func(conf *config.Config) {
				conf.GatherLookasideRepos = []config.Rule[string]{{Variant: ".*", Values: []string{"https://lookaside"}}}
			},
			reused: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, _ := testCompose(t, t.TempDir(), tc.modify)
			c.Paths.WithOldComposes(oldTopdir)
			writeTree(t, c, false)
			if tc.tree != nil {
				tc.tree(t, c)
			}
			runner := &fakeRunner{t: t}
			p := newTestPhase(t, c, runner, nil)
			require.NoError(t, p.Run(context.Background()))

			name := "test-1.0-20240101.n.0-Server-x86_64-dvd1.iso"
			assert.Equal(t, tc.reused, p.pool.IsReused(name))
			if tc.reused {
				assert.Empty(t, runner.scripts)
				assert.FileExists(t, filepath.Join(c.Paths.IsoDir("x86_64", "Server"), name+".manifest"))
			} else {
				assert.Len(t, runner.scripts, 1)
			}
			require.Len(t, c.Images.Images("Server", "x86_64"), 1)
		})
	}
}

func TestReuseRollsBackOnRegisterFailure(t *testing.T) {
	oldTopdir := t.TempDir()
	old, _ := testCompose(t, oldTopdir, nil)
	writeTree(t, old, false)
	require.NoError(t, newTestPhase(t, old, &fakeRunner{t: t}, nil).Run(context.Background()))

	name := "test-1.0-20240101.n.0-Server-x86_64-dvd1.iso"
	oldIso := filepath.Join(old.Paths.IsoDir("x86_64", "Server"), name)
	// the old image can be linked but not read back
	require.NoError(t, os.WriteFile(oldIso, []byte("not an image"), 0644))

	c, hook := testCompose(t, t.TempDir(), nil)
	c.Paths.WithOldComposes(oldTopdir)
	writeTree(t, c, false)
	runner := &fakeRunner{t: t}
	p := newTestPhase(t, c, runner, nil)
	require.NoError(t, p.Run(context.Background()))

	assert.False(t, p.pool.IsReused(name))
	assert.Len(t, runner.scripts, 1)
	data, err := os.ReadFile(oldIso)
	require.NoError(t, err)
	assert.Equal(t, "not an image", string(data))

	newIso := filepath.Join(c.Paths.IsoDir("x86_64", "Server"), name)
	oldInfo, err := os.Stat(oldIso)
	require.NoError(t, err)
	newInfo, err := os.Stat(newIso)
	require.NoError(t, err)
	assert.False(t, os.SameFile(oldInfo, newInfo))
	require.Len(t, c.Images.Images("Server", "x86_64"), 1)

	var warned bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Cannot register reused ISO") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSamePackages(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, lines ...string) string {
		path := filepath.Join(dir, name)
		writeFile(t, path, strings.Join(lines, "\n")+"\n")
		return path
	}
	base := write("base", "Packages/a/a.rpm=/old/a.rpm", "repodata/repomd.xml=/old/repomd.xml", ".treeinfo=/old/.treeinfo")
	type testCase struct {
		other    string
		expected bool
	}
	tests := map[string]testCase{
		"same-packages-other-trees": {
			other:    write("moved", "Packages/a/a.rpm=/new/a.rpm", "repodata/repomd.xml=/new/repomd.xml"),
			expected: true,
		},
		"added": {
			other: write("added", "Packages/a/a.rpm=/new/a.rpm", "Packages/b/b.rpm=/new/b.rpm"),
		},
		"replaced": {
			other: write("replaced", "Packages/b/b.rpm=/new/b.rpm"),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			same, err := SamePackages(base, tc.other)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, same)
		})
	}
}

func TestBreakHardlinks(t *testing.T) {
	dir := t.TempDir()
	linked := filepath.Join(dir, "tree", "linked.rpm")
	writeFile(t, linked, "linked")
	require.NoError(t, os.Link(linked, filepath.Join(dir, "other.rpm")))
	single := filepath.Join(dir, "tree", "single.rpm")
	writeFile(t, single, "single")

	staging := filepath.Join(dir, "staging")
	points := map[string]string{"linked.rpm": linked, "single.rpm": single}
	copied, err := breakHardlinks(points, staging)
	require.NoError(t, err)
	assert.Equal(t, 1, copied)
	assert.Equal(t, single, points["single.rpm"])
	assert.True(t, strings.HasPrefix(points["linked.rpm"], staging+"/"))
	data, err := os.ReadFile(points["linked.rpm"])
	require.NoError(t, err)
	assert.Equal(t, "linked", string(data))
}

func TestWriteScript(t *testing.T) {
	type testCase struct {
		opts     CreateIsoOpts
		contains []string
		absent   []string
	}
	tests := map[string]testCase{
		"plain": {
			opts: CreateIsoOpts{Arch: "x86_64", OutputDir: "/iso", IsoName: "DVD.iso", VolID: "Vol 1", GraftPoints: "/gp"},
			contains: []string{
				"cd /iso",
				"/usr/bin/genisoimage -untranslated-filenames -volid 'Vol 1'",
				"-input-charset utf-8 -x ./lost+found -o DVD.iso -graft-points -path-list /gp",
				"/usr/bin/implantisomd5 DVD.iso",
				"isoinfo -R -f -i DVD.iso",
			},
			absent: []string{"isohybrid", "TEMPLATE", "jigdo"},
		},
		"lorax": {
			opts: CreateIsoOpts{Arch: "x86_64", OutputDir: "/iso", IsoName: "DVD.iso", VolID: "V", GraftPoints: "/gp", BuildinstallMethod: "lorax", Supported: true},
			contains: []string{
				findTemplate,
				"/usr/bin/isohybrid --uefi DVD.iso",
				"/usr/bin/implantisomd5 --supported-iso DVD.iso",
			},
		},
		"ppc": {
			opts:   CreateIsoOpts{Arch: "ppc64le", OutputDir: "/iso", IsoName: "DVD.iso", VolID: "V", GraftPoints: "/gp"},
			absent: []string{"-input-charset", "isohybrid"},
		},
		"jigdo": {
			opts: CreateIsoOpts{Arch: "x86_64", OutputDir: "/iso", IsoName: "DVD.iso", VolID: "V", GraftPoints: "/gp", JigdoDir: "/jigdo", OSTree: "/tree"},
			contains: []string{
				"jigdo-file make-template --force --image=/iso/DVD.iso --jigdo=/jigdo/DVD.iso.jigdo --template=/jigdo/DVD.iso.template --no-servers-section /tree//",
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteScript(tc.opts, &buf))
			script := buf.String()
			assert.True(t, strings.HasPrefix(script, "#!/bin/bash\nset -ex\n"))
			for _, s := range tc.contains {
				assert.Contains(t, script, s)
			}
			for _, s := range tc.absent {
				assert.NotContains(t, script, s)
			}
		})
	}
}

func TestWriteScriptXorriso(t *testing.T) {
	dir := t.TempDir()
	gp := filepath.Join(dir, "gp")
	writeFile(t, gp, "b.rpm=/tree/b.rpm\na.rpm=/tree/a.rpm\n")
	opts := CreateIsoOpts{
		Arch:               "x86_64",
		OutputDir:          "/iso",
		IsoName:            "DVD.iso",
		VolID:              "Vol 1",
		GraftPoints:        gp,
		BuildinstallMethod: "lorax",
		BootISO:            "/tree/images/boot.iso",
		UseXorrisofs:       true,
		ScriptDir:          dir,
	}
	var buf bytes.Buffer
	require.NoError(t, WriteScript(opts, &buf))
	commands := filepath.Join(dir, "xorriso-DVD.iso.txt")
	assert.Contains(t, buf.String(), "xorriso -dialog on <"+commands)
	assert.NotContains(t, buf.String(), "isohybrid")

	data, err := os.ReadFile(commands)
	require.NoError(t, err)
	expected := "-indev /tree/images/boot.iso\n" +
		"-outdev /iso/DVD.iso\n" +
		"-boot_image any replay\n" +
		"-volid 'Vol 1'\n" +
		"-map /tree/a.rpm a.rpm\n" +
		"-map /tree/b.rpm b.rpm\n" +
		"-chmod_r a+rX /\n" +
		"-end\n"
	assert.Equal(t, expected, string(data))
	assert.Equal(t, []string{"coreutils", "xorriso", "isomd5sum", "lorax", "which"}, RunrootPackages(opts, false))
}
