package buildinstall

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/pkgset"
	"github.com/osbuild/pungi/internal/rpmmd"
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
	require.NoError(t, w.AddFile(strings.NewReader("boot"), "README"))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, w.WriteTo(f, volid))
}

// fakeRunner plays lorax, mount and cp.
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
			return shell.Result{ExitCode: 1}, &shell.ExitError{Cmd: "lorax", ExitCode: 1, LogFile: cmd.LogFile}
		}
		r.lorax(cmd.Script)
		return shell.Result{}, nil
	}
	r.commands = append(r.commands, cmd.Argv)
	switch cmd.Argv[0] {
	case "mount":
		writeFile(r.t, filepath.Join(cmd.Argv[len(cmd.Argv)-1], "EFI/BOOT/grub.cfg"), "old")
	case "cp":
		data, err := os.ReadFile(cmd.Argv[3])
		require.NoError(r.t, err)
		writeFile(r.t, cmd.Argv[4], string(data))
	case "umount":
		require.NoError(r.t, os.RemoveAll(filepath.Join(cmd.Argv[1], "EFI")))
	}
	return shell.Result{}, nil
}

func (r *fakeRunner) lorax(script string) {
	fields := strings.Fields(script)
	outputDir := fields[len(fields)-1]
	writeFile(r.t, filepath.Join(outputDir, "isolinux/isolinux.cfg"),
		"label linux\n  append initrd=initrd.img inst.stage2=hd:LABEL=Lorax quiet\n")
	writeFile(r.t, filepath.Join(outputDir, "EFI/BOOT/grub.cfg"),
		"search --no-floppy --set=root -l 'Lorax'\nlinuxefi /images/pxeboot/vmlinuz inst.stage2=hd:LABEL=Lorax\n")
	writeFile(r.t, filepath.Join(outputDir, "images/efiboot.img"), "efi")
	writeISO(r.t, filepath.Join(outputDir, "images/boot.iso"), "test-1 Server.x86_64")
	for _, f := range fields {
		if strings.HasPrefix(f, "--logfile=") {
			pkglists := filepath.Join(filepath.Dir(strings.TrimPrefix(f, "--logfile=")), "pkglists")
			writeFile(r.t, filepath.Join(pkglists, "bash"), "bash-0:5.2-1.x86_64\n")
			writeFile(r.t, filepath.Join(pkglists, "glibc"), "glibc-2.39-1.x86_64\nglibc-common-2.39-1.x86_64\n")
		}
	}
}

func (r *fakeRunner) find(tool string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.commands {
		if c[0] == tool {
			out = append(out, c)
		}
	}
	return out
}

type fakeSession struct {
	koji.Session
	buildroots map[int][]int
	rpms       map[int][]koji.RPM
	tagged     []koji.RPM
}

func (f *fakeSession) ListBuildroots(taskID int) ([]int, error) {
	return f.buildroots[taskID], nil
}

func (f *fakeSession) ListRPMs(buildrootID int) ([]koji.RPM, error) {
	return f.rpms[buildrootID], nil
}

func (f *fakeSession) ListTaggedRPMs(tag string, event int, inherit, latest bool) ([]koji.RPM, []koji.Build, error) {
	if tag != "f40-build" || !inherit || !latest {
		return nil, nil, errors.New("unexpected query")
	}
	return f.tagged, nil, nil
}

func testCompose(t *testing.T, topdir string, modify func(*config.Config)) *compose.Compose {
	t.Helper()
	log, _ := test.NewNullLogger()
	conf := config.Default()
	conf.ReleaseName = "Test"
	conf.ReleaseShort = "test"
	conf.ReleaseVersion = "1"
	conf.Bootable = true
	conf.BuildinstallMethod = MethodLorax
	conf.Variants = []config.VariantConfig{
		{ID: "Server", Name: "Server", Type: "variant", Arches: []string{"x86_64"}},
		{ID: "HA", Name: "HA", Type: "addon", Arches: []string{"x86_64"}, Parent: "Server"},
		{ID: "Client", Name: "Client", Type: "variant", Arches: []string{"x86_64"}},
	}
	conf.BuildinstallSkip = []config.Rule[bool]{{Variant: "^Client$", Values: []bool{true}}}
	if modify != nil {
		modify(conf)
	}
	id := compose.Identity{Short: "test", Version: "1", Type: "nightly", Date: "20240101"}
	c, err := compose.New(conf, topdir, id, compose.Options{Log: log})
	require.NoError(t, err)
	return c
}

func testPkgsets(t *testing.T) *pkgset.Result {
	t.Helper()
	cache := pkgset.NewFileCache(nil)
	cache.Put(&rpmmd.Package{Name: "bash", Version: "5.2", Release: "1", Arch: "x86_64", Path: "/mnt/koji/bash-5.2-1.x86_64.rpm"})
	cache.Put(&rpmmd.Package{Name: "glibc", Version: "2.38", Release: "1", Arch: "x86_64", Path: "/mnt/koji/glibc-2.38-1.x86_64.rpm"})
	cache.Put(&rpmmd.Package{Name: "glibc", Version: "2.39", Release: "1", Arch: "x86_64", Path: "/mnt/koji/glibc-2.39-1.x86_64.rpm"})
	cache.Put(&rpmmd.Package{Name: "glibc-common", Version: "2.39", Release: "1", Arch: "x86_64", Path: "/mnt/koji/glibc-common-2.39-1.x86_64.rpm"})
	global := pkgset.New("global", []string{"x86_64"}, nil, cache, nil)
	return &pkgset.Result{
		Global: global,
		Repos:  map[string]map[string]string{"f40": {"x86_64": "/w/x86_64/repo/f40"}},
		Sets:   []*pkgset.PackageSet{pkgset.New("f40", []string{"x86_64"}, nil, cache, nil)},
	}
}

func newTestPhase(t *testing.T, c *compose.Compose, runner *fakeRunner, session koji.Session) *Phase {
	t.Helper()
	rr, err := runroot.New(c.Conf, runner, nil, c.Log)
	require.NoError(t, err)
	return NewPhase(c, testPkgsets(t), rr, session, runner)
}

func TestRun(t *testing.T) {
	c := testCompose(t, t.TempDir(), nil)
	runner := &fakeRunner{t: t}
	p := newTestPhase(t, c, runner, nil)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, runner.scripts, 1)
	script := runner.scripts[0]
	outputDir := c.Paths.BuildinstallDir("x86_64", "Server")
	assert.True(t, strings.HasPrefix(script, "rm -rf "+outputDir+" && lorax --product=Test --version=1 --release=1 "))
	assert.Contains(t, script, "--source=file:///w/x86_64/repo/f40")
	assert.Contains(t, script, "--variant=Server --nomacboot --noupgrade --buildarch=x86_64 '--volid=test-1 Server.x86_64'")
	assert.True(t, p.Succeeded("Server", "x86_64"))
	assert.False(t, p.Succeeded("Client", "x86_64"))

	tree := c.Paths.OSTree("x86_64", "Server")
	isolinux, err := os.ReadFile(filepath.Join(tree, "isolinux/isolinux.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(isolinux), `inst.stage2=hd:LABEL=test-1\x20Server.x86_64 quiet`)
	assert.NoFileExists(t, filepath.Join(tree, metadataFile))

	// the tweaked grub config went into the EFI image
	cps := runner.find("cp")
	require.Len(t, cps, 1)
	assert.True(t, strings.HasSuffix(cps[0][4], "EFI/BOOT/grub.cfg"))
	assert.Len(t, runner.find("umount"), 1)

	images := c.Images.Images("Server", "x86_64")
	require.Len(t, images, 1)
	img := images[0]
	assert.Equal(t, "Server/x86_64/iso/test-1-20240101.n.0-Server-x86_64-boot.iso", img.Path)
	assert.Equal(t, "boot", img.Type)
	assert.Equal(t, "iso", img.Format)
	assert.True(t, img.Bootable)
	assert.Equal(t, "test-1 Server.x86_64", img.VolumeID)
	assert.Equal(t, "Server", img.Subvariant)

	data, err := os.ReadFile(c.Paths.BuildinstallMetadata("x86_64", "Server"))
	require.NoError(t, err)
	var md buildMetadata
	require.NoError(t, json.Unmarshal(data, &md))
	assert.Equal(t, []string{
		"/mnt/koji/bash-5.2-1.x86_64.rpm",
		"/mnt/koji/glibc-2.39-1.x86_64.rpm",
		"/mnt/koji/glibc-common-2.39-1.x86_64.rpm",
	}, md.InstalledRPMs)
	assert.Empty(t, md.BuildrootRPMs)
	assert.Equal(t, "lorax", md.Cmd[0])
}

func TestRunKickstart(t *testing.T) {
	ks := filepath.Join(t.TempDir(), "ks.cfg")
	writeFile(t, ks, "text\n")
	c := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.BuildinstallKickstart = config.ScmSpec{Scm: "file", File: ks}
	})
	p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
	require.NoError(t, p.Run(context.Background()))

	tree := c.Paths.OSTree("x86_64", "Server")
	assert.FileExists(t, filepath.Join(tree, "ks.cfg"))
	isolinux, err := os.ReadFile(filepath.Join(tree, "isolinux/isolinux.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(isolinux), `LABEL=test-1\x20Server.x86_64 inst.ks=hd:LABEL=test-1\x20Server.x86_64:/ks.cfg quiet`)
}

func TestRunFailure(t *testing.T) {
	type testCase struct {
		failable []config.Rule[string]
		err      bool
	}
	tests := map[string]testCase{
		"fatal": {err: true},
		"failable": {
			failable: []config.Rule[string]{{Variant: "^Server$", Arches: []string{"*"}, Values: []string{"buildinstall"}}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := testCompose(t, t.TempDir(), func(conf *config.Config) { conf.FailableDeliverables = tc.failable })
			p := newTestPhase(t, c, &fakeRunner{t: t, fail: true}, nil)
			err := p.Run(context.Background())
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, p.Succeeded("Server", "x86_64"))
			failed := c.FailedDeliverables()
			require.Len(t, failed, 1)
			assert.Equal(t, "buildinstall", failed[0].Deliverable)
			assert.Empty(t, c.Images.Images("Server", "x86_64"))
		})
	}
}

func TestBootable(t *testing.T) {
	c := testCompose(t, t.TempDir(), nil)
	p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
	assert.True(t, p.Bootable(c.Variant("Server"), "x86_64"))
	assert.False(t, p.Bootable(c.Variant("Server"), "src"))
	assert.False(t, p.Bootable(c.Variant("Client"), "x86_64"))
	assert.False(t, p.Bootable(c.Variant("Server-HA"), "x86_64"))

	c.Conf.Bootable = false
	assert.False(t, p.Bootable(c.Variant("Server"), "x86_64"))
}

func TestLoraxOptions(t *testing.T) {
	no := false
	c := testCompose(t, t.TempDir(), func(conf *config.Config) {
		conf.LoraxOptions = []config.Rule[config.LoraxOptions]{
			{Variant: "^Server$", Arches: []string{"*"}, Values: []config.LoraxOptions{
				{BugURL: "https://bugs", InstallPackages: []string{"fedora-productimg"}, RootfsSize: 3},
			}},
			{Variant: ".*", Arches: []string{"x86_64"}, Values: []config.LoraxOptions{
				{NoMacBoot: &no, Version: "1.1", Extra: map[string]string{"rootfs-type": "erofs"}},
			}},
		}
		conf.LoraxExtraSources = []config.Rule[string]{{Variant: "^Server$", Values: []string{"https://extra/repo"}}}
	})
	p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
	opts := p.loraxOptions(job{Variant: c.Variant("Server"), Arch: "x86_64"}, "vol", "/out")

	assert.Equal(t, "https://bugs", opts.BugURL)
	assert.False(t, opts.NoMacBoot)
	assert.True(t, opts.NoUpgrade)
	assert.Equal(t, "1.1", opts.Version)
	assert.Equal(t, "1", opts.Release)
	assert.Equal(t, []string{"fedora-productimg"}, opts.InstallPackages)
	assert.Equal(t, 3, opts.RootfsSize)
	assert.Equal(t, []string{"--rootfs-type=erofs"}, opts.ExtraArgs)
	assert.Equal(t, []string{"/w/x86_64/repo/f40", "https://extra/repo"}, opts.Sources)
}

func TestTweakConfig(t *testing.T) {
	type testCase struct {
		config    string
		data      string
		kickstart bool
		expected  string
	}
	tests := map[string]testCase{
		"isolinux": {
			config:   "isolinux/isolinux.cfg",
			data:     "append initrd=initrd.img inst.stage2=hd:LABEL=Fedora-S-dvd quiet\n",
			expected: "append initrd=initrd.img inst.stage2=hd:LABEL=My\\x20Vol quiet\n",
		},
		"pre-f18": {
			config:   "isolinux/isolinux.cfg",
			data:     "append initrd=initrd.img stage2=hd:CDLABEL=Old\n",
			expected: "append initrd=initrd.img stage2=hd:CDLABEL=My\\x20Vol\n",
		},
		"yaboot": {
			config:   "etc/yaboot.conf",
			data:     "append=\"root=live:CDLABEL=Old\"\n",
			expected: "append=\"root=live:CDLABEL=My\\\\x20Vol\"\n",
		},
		"grub": {
			config:   "EFI/BOOT/grub.cfg",
			data:     "search --no-floppy --set=root -l 'Old'\n",
			expected: "search --no-floppy --set=root -l 'My Vol'\n",
		},
		"kickstart": {
			config:    "EFI/BOOT/grub.cfg",
			data:      "linuxefi vmlinuz inst.stage2=hd:LABEL=Old\n",
			kickstart: true,
			expected:  "linuxefi vmlinuz inst.stage2=hd:LABEL=My\\x20Vol inst.ks=hd:LABEL=My\\x20Vol:/ks.cfg\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tweakConfig(tc.data, tc.config, "My Vol", tc.kickstart))
		})
	}
}

func TestReuse(t *testing.T) {
	oldTopdir := t.TempDir()
	old := testCompose(t, oldTopdir, nil)
	session := &fakeSession{}
	require.NoError(t, newTestPhase(t, old, &fakeRunner{t: t}, session).Run(context.Background()))

	type testCase struct {
		modify  func(*config.Config)
		pkgsets func(*pkgset.Result)
		reused  bool
	}
	tests := map[string]testCase{
		"reused": {reused: true},
		"arguments-changed": {
			modify: func(conf *config.Config) { conf.ReleaseName = "Other" },
		},
		"package-gone": {
			pkgsets: func(r *pkgset.Result) {
				r.Global.Cache.Replace(nil)
			},
		},
		"subpackage-gone": {
			pkgsets: func(r *pkgset.Result) {
				files := r.Global.Cache.Snapshot()
				delete(files, "/mnt/koji/glibc-common-2.39-1.x86_64.rpm")
				r.Global.Cache.Replace(files)
			},
		},
		"stale-version-gone": {
			pkgsets: func(r *pkgset.Result) {
				files := r.Global.Cache.Snapshot()
				delete(files, "/mnt/koji/glibc-2.38-1.x86_64.rpm")
				r.Global.Cache.Replace(files)
			},
			reused: true,
		},
		"disabled": {
			modify: func(conf *config.Config) { conf.BuildinstallAllowReuse = false },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := testCompose(t, t.TempDir(), tc.modify)
			c.Paths.WithOldComposes(oldTopdir)
			runner := &fakeRunner{t: t}
			p := newTestPhase(t, c, runner, session)
			if tc.pkgsets != nil {
				tc.pkgsets(p.Pkgsets)
			}
			require.NoError(t, p.Run(context.Background()))

			assert.True(t, p.Succeeded("Server", "x86_64"))
			assert.Equal(t, tc.reused, p.Reused("Server", "x86_64"))
			if tc.reused {
				assert.Empty(t, runner.scripts)
			} else {
				assert.Len(t, runner.scripts, 1)
			}
			assert.FileExists(t, filepath.Join(c.Paths.OSTree("x86_64", "Server"), "images/boot.iso"))
			assert.FileExists(t, c.Paths.BuildinstallMetadata("x86_64", "Server"))
		})
	}
}

func TestReuseBuildroot(t *testing.T) {
	lorax := koji.RPM{Name: "lorax", Version: "40", Release: "1", Arch: "x86_64"}
	type testCase struct {
		tagged []koji.RPM
		reused bool
	}
	tests := map[string]testCase{
		"still-tagged": {tagged: []koji.RPM{lorax}, reused: true},
		"untagged":     {tagged: []koji.RPM{}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			oldTopdir := t.TempDir()
			old := testCompose(t, oldTopdir, nil)
			oldPhase := newTestPhase(t, old, &fakeRunner{t: t}, nil)
			require.NoError(t, oldPhase.Run(context.Background()))
			md := buildMetadata{
				Cmd:           loraxArgv(oldPhase, old),
				BuildrootRPMs: []string{lorax.NVRA()},
				InstalledRPMs: []string{},
			}
			data, err := json.Marshal(md)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(old.Paths.BuildinstallMetadata("x86_64", "Server"), data, 0644))

			c := testCompose(t, t.TempDir(), func(conf *config.Config) {
				conf.RunrootMethod = runroot.MethodLocal
				conf.RunrootTag = "f40-build"
			})
			c.Paths.WithOldComposes(oldTopdir)
			p := newTestPhase(t, c, &fakeRunner{t: t}, &fakeSession{tagged: tc.tagged})
			j := job{Variant: c.Variant("Server"), Arch: "x86_64"}
			assert.Equal(t, tc.reused, p.reuse(j, loraxArgv(p, c), c.Paths.BuildinstallDir("x86_64", "Server")))
		})
	}
}

func loraxArgv(p *Phase, c *compose.Compose) []string {
	j := job{Variant: c.Variant("Server"), Arch: "x86_64"}
	return wrappers.LoraxArgv(p.loraxOptions(j, "test-1 Server.x86_64", c.Paths.BuildinstallDir("x86_64", "Server")))
}

func TestInstalledRPMs(t *testing.T) {
	type testCase struct {
		pkglists map[string]string
		expected []string
		err      bool
	}
	tests := map[string]testCase{
		"subpackages": {
			pkglists: map[string]string{"glibc": "glibc-2.39-1.x86_64\nglibc-common-2.39-1.x86_64\n"},
			expected: []string{"/mnt/koji/glibc-2.39-1.x86_64.rpm", "/mnt/koji/glibc-common-2.39-1.x86_64.rpm"},
		},
		"with-epoch": {
			pkglists: map[string]string{"bash": "bash-0:5.2-1.x86_64\n\n"},
			expected: []string{"/mnt/koji/bash-5.2-1.x86_64.rpm"},
		},
		"not-in-pkgset": {
			pkglists: map[string]string{"kernel": "kernel-6.8-1.x86_64\n"},
			expected: []string{},
		},
		"no-pkglists": {
			expected: []string{},
		},
		"garbage": {
			pkglists: map[string]string{"bash": "bash\n"},
			err:      true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := testCompose(t, t.TempDir(), nil)
			p := newTestPhase(t, c, &fakeRunner{t: t}, nil)
			dir := filepath.Join(t.TempDir(), "pkglists")
			for file, content := range tc.pkglists {
				writeFile(t, filepath.Join(dir, file), content)
			}
			paths, err := p.installedRPMs(dir)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, paths)
		})
	}
}
