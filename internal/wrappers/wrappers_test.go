package wrappers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/shell"
)

func TestCreaterepoArgv(t *testing.T) {
	type testCase struct {
		useC bool
		opts CreaterepoOptions
		want []string
	}
	tests := map[string]testCase{
		"minimal": {
			useC: true,
			opts: CreaterepoOptions{Directory: "/c/os"},
			want: []string{"createrepo_c", "--database", "--unique-md-filenames", "/c/os"},
		},
		"full": {
			useC: true,
			opts: CreaterepoOptions{
				Directory:      "/c/os",
				OutputDir:      "/c/os",
				Pkglist:        "/w/list",
				Groupfile:      "/w/comps.xml",
				Cachedir:       "/w/cache",
				Update:         true,
				UpdateMDPath:   "/old/os",
				SkipStat:       true,
				Checksum:       "sha256",
				Deltas:         true,
				OldPackageDirs: []string{"/old/os/Packages"},
				NumDeltas:      2,
				Workers:        3,
				UseXZ:          true,
				ExtraArgs:      []string{"--general-compress-type=zstd"},
			},
			want: []string{
				"createrepo_c", "--outputdir=/c/os", "--pkglist=/w/list", "--groupfile=/w/comps.xml",
				"--cachedir=/w/cache", "--update", "--update-md-path=/old/os", "--skip-stat", "--database",
				"--checksum=sha256", "--unique-md-filenames", "--deltas", "--oldpackagedirs=/old/os/Packages",
				"--num-deltas=2", "--workers=3", "--xz", "--general-compress-type=zstd", "/c/os",
			},
		},
		"legacy": {
			opts: CreaterepoOptions{Directory: "/c/os", NoDatabase: true, OldPackageDirs: []string{"/ignored"}},
			want: []string{"createrepo", "--no-database", "--unique-md-filenames", "/c/os"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Createrepo{UseC: tc.useC}.CreaterepoArgv(tc.opts))
		})
	}
}

func TestMergeAndModifyrepo(t *testing.T) {
	c := Createrepo{UseC: true}
	assert.Equal(t,
		[]string{"mergerepo_c", "--outputdir=/out", "--repo=/a", "--repo=/b", "--database", "--nogroups"},
		c.MergerepoArgv("/out", []string{"/a", "/b"}, true))
	assert.Equal(t,
		[]string{"modifyrepo_c", "--mdtype=productid", "--compress-type=gz", "/w/productid", "/c/os/repodata"},
		c.ModifyrepoArgv("/c/os/repodata", "/w/productid", "productid", "gz"))
	assert.Equal(t,
		[]string{"modifyrepo", "/w/modules.yaml", "/c/os/repodata"},
		Createrepo{}.ModifyrepoArgv("/c/os/repodata", "/w/modules.yaml", "", ""))
}

func TestLoraxArgv(t *testing.T) {
	argv := LoraxArgv(LoraxOptions{
		Product:         "Fedora",
		Version:         "36",
		Release:         "36",
		Sources:         []string{"/w/x86_64/repo/f36", "https://example.com/extra"},
		OutputDir:       "/w/x86_64/buildinstall/Server",
		Variant:         "Server",
		BugURL:          "https://bugz",
		NoMacBoot:       true,
		NoUpgrade:       true,
		BuildArch:       "x86_64",
		VolID:           "Fedora-S-dvd-x86_64-36",
		InstallPackages: []string{"fedora-productimg-server"},
		AddTemplate:     []string{"/t/a.tmpl"},
		AddTemplateVar:  []string{"a=b"},
		RootfsSize:      3,
		DracutArgs:      []string{"--xz", "--install"},
		LogDir:          "/logs",
		SquashfsOnly:    true,
	})
	assert.Equal(t, []string{
		"lorax", "--product=Fedora", "--version=36", "--release=36",
		"--source=file:///w/x86_64/repo/f36", "--source=https://example.com/extra",
		"--variant=Server", "--bugurl=https://bugz", "--nomacboot", "--noupgrade",
		"--buildarch=x86_64", "--volid=Fedora-S-dvd-x86_64-36",
		"--installpkgs=fedora-productimg-server", "--add-template=/t/a.tmpl", "--add-template-var=a=b",
		"--rootfs-size=3", "--dracut-arg=--xz", "--dracut-arg=--install", "--logfile=/logs/lorax.log",
		"--squashfs-only", "/w/x86_64/buildinstall/Server",
	}, argv)
}

func TestBuildinstallArgv(t *testing.T) {
	argv := BuildinstallArgv(LoraxOptions{
		Product:   "RHEL",
		Version:   "6.10",
		Release:   "6.10",
		Sources:   []string{"file:///w/x86_64/repo", "file:///ignored"},
		OutputDir: "/w/x86_64/buildinstall",
		BuildArch: "x86_64",
		VolID:     "RHEL-6.10 x86_64",
		IsFinal:   true,
	})
	assert.Equal(t, []string{
		"/usr/lib/anaconda-runtime/buildinstall", "--debug",
		"--version", "6.10", "--release", "6.10", "--product", "RHEL",
		"--buildarch", "x86_64", "--volid", "RHEL-6.10 x86_64", "--final",
		"--output", "/w/x86_64/buildinstall", "file:///w/x86_64/repo",
	}, argv)
}

func TestJigdoArgv(t *testing.T) {
	argv := JigdoArgv("/c/Server/x86_64/iso/a.iso", []JigdoSource{
		{Path: "/c/Server/x86_64/os/", Label: "Server", URI: "http://mirror/Server/"},
		{Path: "/c/extra"},
	}, "/c/Server/x86_64/jigdo", true)
	assert.Equal(t, []string{
		"jigdo-file", "make-template", "--force",
		"--image=/c/Server/x86_64/iso/a.iso",
		"--jigdo=/c/Server/x86_64/jigdo/a.iso.jigdo",
		"--template=/c/Server/x86_64/jigdo/a.iso.template",
		"--no-servers-section",
		"/c/Server/x86_64/os//", "--label=Server=/c/Server/x86_64/os", "--uri=Server=http://mirror/Server/",
		"/c/extra//",
	}, argv)
}

func TestMkisofsArgv(t *testing.T) {
	argv := MkisofsArgv(MkisofsOptions{
		Output:       "/w/x.iso",
		VolID:        "test-1.0 Server.x86_64",
		Exclude:      []string{"./lost+found"},
		BootArgs:     []string{"-b", "isolinux/isolinux.bin"},
		InputCharset: "utf-8",
		GraftPoints:  "/w/graft",
		IsoLevel:     3,
	})
	assert.Equal(t, []string{
		"/usr/bin/genisoimage", "-iso-level", "3", "-untranslated-filenames", "-volid", "test-1.0 Server.x86_64",
		"-J", "-joliet-long", "-rational-rock", "-translation-table", "-input-charset", "utf-8",
		"-x", "./lost+found", "-b", "isolinux/isolinux.bin", "-o", "/w/x.iso",
		"-graft-points", "-path-list", "/w/graft",
	}, argv)

	argv = MkisofsArgv(MkisofsOptions{Output: "/w/x.iso", UseXorrisofs: true, Paths: []string{"/tree"}})
	assert.Equal(t, []string{
		"/usr/bin/xorrisofs", "-untranslated-filenames", "-J", "-joliet-long", "-rational-rock", "-o", "/w/x.iso", "/tree",
	}, argv)
}

func TestBootOptions(t *testing.T) {
	assert.Equal(t, []string{
		"-b", "isolinux/isolinux.bin", "-c", "isolinux/boot.cat", "-no-emul-boot", "-boot-load-size", "4",
		"-boot-info-table", "-eltorito-alt-boot", "-e", "images/efiboot.img", "-no-emul-boot",
	}, BootOptions("x86_64", "/tree", true, true))
	assert.Equal(t, []string{"-eltorito-boot", "images/cdboot.img", "-no-emul-boot"}, BootOptions("s390x", "/tree", true, true))
	assert.Contains(t, BootOptions("ppc64le", "/tree", false, true), "/tree/mapping")
	assert.Equal(t, []string{"-r", "-l", "-sysid", "PPC", "-chrp-boot"}, BootOptions("ppc64le", "/tree", false, false))
}

func TestPostprocessingCommands(t *testing.T) {
	assert.Equal(t, []string{"/usr/bin/isohybrid", "--uefi", "a.iso"}, IsohybridArgv("a.iso", "x86_64"))
	assert.Equal(t, []string{"/usr/bin/isohybrid", "a.iso"}, IsohybridArgv("a.iso", "i386"))
	assert.Equal(t, []string{"/usr/bin/implantisomd5", "--supported-iso", "a.iso"}, ImplantMD5Argv("a.iso", true))
	assert.Equal(t, "isoinfo -R -f -i 'my disc.iso' | grep -v '/TRANS.TBL$' | sort >> 'my disc.iso.manifest'", ManifestCmd("my disc.iso", false))
	assert.True(t, strings.HasPrefix(ManifestCmd("a.iso", true), "xorriso -dev a.iso --find"))
}

func TestGraftPoints(t *testing.T) {
	tree := t.TempDir()
	staging := t.TempDir()
	for _, f := range []string{"Packages/b/bash.rpm", "images/boot.iso", ".treeinfo", "repodata/repomd.xml"} {
		require.NoError(t, os.MkdirAll(filepath.Join(tree, filepath.Dir(f)), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(tree, f), []byte("x"), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "lost+found"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, ".treeinfo"), []byte("y"), 0644))

	points, err := GraftPoints(tree, staging)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(staging, ".treeinfo"), points[".treeinfo"])
	assert.Equal(t, filepath.Join(tree, "empty")+"/", points["empty/"])

	out := filepath.Join(t.TempDir(), "graft-points")
	require.NoError(t, WriteGraftPoints(out, points, []string{"*/lost+found", "lost+found/", "*/boot.iso"}))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		".treeinfo=" + filepath.Join(staging, ".treeinfo"),
		"Packages/b/bash.rpm=" + filepath.Join(tree, "Packages/b/bash.rpm"),
		"empty/=" + filepath.Join(tree, "empty") + "/",
		"repodata/repomd.xml=" + filepath.Join(tree, "repodata/repomd.xml"),
	}, lines)

	back, err := ReadGraftPoints(out)
	require.NoError(t, err)
	assert.Len(t, back, 4)
}

func TestGetVolumeID(t *testing.T) {
	w, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer w.Cleanup()
	require.NoError(t, w.AddFile(strings.NewReader("hello"), "hello.txt"))

	path := filepath.Join(t.TempDir(), "test.iso")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteTo(f, "TEST-1.0"))
	require.NoError(t, f.Close())

	volid, err := GetVolumeID(path)
	require.NoError(t, err)
	assert.Equal(t, "TEST-1.0", volid)

	md5, err := GetImplantedMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "", md5)
}

func TestGetImplantedMD5(t *testing.T) {
	buf := make([]byte, 40000)
	copy(buf[pvdOffset+appDataOffset:], "ISO MD5SUM = 0123456789ABCDEF0123456789abcdef;SKIPSECTORS = 15;")
	path := filepath.Join(t.TempDir(), "x.iso")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	md5, err := GetImplantedMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", md5)
}

func TestMountRetriesBusyUnmount(t *testing.T) {
	var calls []string
	umounts := 0
	m := &Mounter{
		UseGuestmount:  true,
		UnmountRetries: 3,
		Sleep:          func(time.Duration) {},
		Runner: shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
			calls = append(calls, cmd.Argv[0])
			if cmd.Argv[0] == "guestmount" {
				assert.Equal(t, []shell.EnvironmentVariable{{Key: "LIBGUESTFS_BACKEND", Value: "direct"}}, cmd.Env)
			}
			if cmd.Argv[0] == "fusermount" {
				umounts++
				if umounts == 1 {
					return shell.Result{ExitCode: 1, Output: "fusermount: failed to unmount: Device or resource busy"}, &shell.ExitError{ExitCode: 1}
				}
			}
			return shell.Result{}, nil
		}),
	}
	var seen string
	err := m.Mount(context.Background(), "/w/efiboot.img", "", func(dir string) error {
		seen = dir
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
	assert.Equal(t, []string{"guestmount", "fusermount", "fuser", "fusermount"}, calls)
}
