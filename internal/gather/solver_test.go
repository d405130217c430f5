package gather

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/rpmmd"
)

type pkgOpt func(*rpmmd.Package)

func requires(names ...string) pkgOpt {
	return func(p *rpmmd.Package) {
		for _, n := range names {
			p.Requires = append(p.Requires, rpmmd.Reldep{Name: n})
		}
	}
}

func provides(names ...string) pkgOpt {
	return func(p *rpmmd.Package) {
		for _, n := range names {
			p.Provides = append(p.Provides, rpmmd.Reldep{Name: n})
		}
	}
}

func files(paths ...string) pkgOpt {
	return func(p *rpmmd.Package) {
		p.Files = append(p.Files, paths...)
	}
}

func source(name string) pkgOpt {
	return func(p *rpmmd.Package) {
		p.SourceRPM = name + "-" + p.Version + "-" + p.Release + ".src.rpm"
	}
}

func modular() pkgOpt {
	return func(p *rpmmd.Package) {
		p.IsModular = true
	}
}

func pkg(nvra string, opts ...pkgOpt) *rpmmd.Package {
	n, err := rpmmd.ParseNEVRA(nvra)
	if err != nil {
		panic(err)
	}
	p := &rpmmd.Package{
		Name:    n.Name,
		Epoch:   n.Epoch,
		Version: n.Version,
		Release: n.Release,
		Arch:    n.Arch,
		Path:    "/mnt/koji/packages/" + nvra + ".rpm",
	}
	if !p.IsSource() {
		p.SourceRPM = n.Name + "-" + n.Version + "-" + n.Release + ".src.rpm"
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func names(res *Result, kind Kind) []string {
	out := []string{}
	for _, e := range res.Entries(kind) {
		out = append(out, e.Filename())
	}
	return out
}

func flagsOf(res *Result, kind Kind, filename string) []Flag {
	for _, e := range res.Entries(kind) {
		if e.Filename() == filename {
			return e.Flags
		}
	}
	return nil
}

func inputs(pkgs ...string) *Inputs {
	in := &Inputs{}
	for _, p := range pkgs {
		in.Packages = append(in.Packages, ParseInput(p, FlagInput))
	}
	return in
}

func solve(t *testing.T, pool, lookaside rpmmd.PackageList, opts Options, in *Inputs) (*Result, error) {
	t.Helper()
	log, _ := test.NewNullLogger()
	if opts.Arch == "" {
		opts.Arch = "x86_64"
	}
	if opts.Method == "" {
		opts.Method = MethodDeps
	}
	s, err := NewSolver(pool, lookaside, opts, log)
	require.NoError(t, err)
	return s.Solve(in)
}

func TestSolveDeps(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("bash-5.1-1.x86_64", requires("glibc", "libtinfo.so.6()(64bit)", "rpmlib(CompressedFileNames)", "/bin/sh"), files("/bin/sh", "/bin/bash")),
		pkg("bash-5.1-1.src"),
		pkg("bash-debuginfo-5.1-1.x86_64", source("bash")),
		pkg("bash-debuginfo-5.1-1.i686", source("bash")),
		pkg("glibc-2.35-1.x86_64", requires("(glibc-langpack if glibc-common)")),
		pkg("glibc-2.35-1.i686"),
		pkg("glibc-2.35-1.src"),
		pkg("ncurses-libs-6.3-1.x86_64", source("ncurses"), provides("libtinfo.so.6()(64bit)")),
		pkg("ncurses-libs-6.3-1.i686", source("ncurses"), provides("libtinfo.so.6")),
		pkg("ncurses-devel-6.3-1.x86_64", source("ncurses")),
		pkg("ncurses-6.3-1.src"),
		pkg("zsh-5.8-1.x86_64"),
		pkg("zsh-5.8-1.ppc64le"),
	}
	res, err := solve(t, pool, nil, Options{}, inputs("bash"))
	require.NoError(t, err)

	assert.Equal(t, []string{"bash-5.1-1.x86_64.rpm", "glibc-2.35-1.x86_64.rpm", "ncurses-libs-6.3-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []string{"bash-5.1-1.src.rpm", "glibc-2.35-1.src.rpm", "ncurses-6.3-1.src.rpm"}, names(res, KindSRPM))
	assert.Equal(t, []string{"bash-debuginfo-5.1-1.x86_64.rpm"}, names(res, KindDebuginfo))
	assert.Equal(t, []Flag{FlagInput}, flagsOf(res, KindRPM, "bash-5.1-1.x86_64.rpm"))
	assert.Empty(t, flagsOf(res, KindRPM, "glibc-2.35-1.x86_64.rpm"))
	for _, e := range res.RPM {
		assert.NotNil(t, e.Package)
	}
}

func TestSolvePicksLatest(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("kernel-5.18-1.x86_64"),
		pkg("kernel-6.1-1.x86_64"),
		pkg("kernel-5.18-1.src"),
		pkg("kernel-6.1-1.src"),
	}
	res, err := solve(t, pool, nil, Options{}, inputs("kernel"))
	require.NoError(t, err)
	assert.Equal(t, []string{"kernel-6.1-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []string{"kernel-6.1-1.src.rpm"}, names(res, KindSRPM))
}

func TestSolveGreedy(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("app-1-1.x86_64", requires("webserver")),
		pkg("app-1-1.src"),
		pkg("nginx-1.22-1.x86_64", provides("webserver")),
		pkg("nginx-1.22-1.src"),
		pkg("httpd-2.4-1.x86_64", provides("webserver")),
		pkg("httpd-tools-2.4-1.x86_64", source("httpd"), provides("webserver")),
		pkg("httpd-2.4-1.src"),
	}
	type testCase struct {
		greedy string
		want   []string
	}
	testCases := map[string]testCase{
		"none picks the shortest then alphabetical name": {
			greedy: GreedyNone,
			want:   []string{"app-1-1.x86_64.rpm", "httpd-2.4-1.x86_64.rpm"},
		},
		"all pulls every provider": {
			greedy: GreedyAll,
			want:   []string{"app-1-1.x86_64.rpm", "httpd-2.4-1.x86_64.rpm", "httpd-tools-2.4-1.x86_64.rpm", "nginx-1.22-1.x86_64.rpm"},
		},
		"build pulls providers built with the chosen one": {
			greedy: GreedyBuild,
			want:   []string{"app-1-1.x86_64.rpm", "httpd-2.4-1.x86_64.rpm", "httpd-tools-2.4-1.x86_64.rpm"},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			res, err := solve(t, pool, nil, Options{Greedy: tc.greedy}, inputs("app"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, names(res, KindRPM))
			if tc.greedy == GreedyBuild {
				assert.Equal(t, []Flag{FlagGreedyBuild}, flagsOf(res, KindRPM, "httpd-tools-2.4-1.x86_64.rpm"))
			}
		})
	}

	log, _ := test.NewNullLogger()
	_, err := NewSolver(pool, nil, Options{Arch: "x86_64", Greedy: "some"}, log)
	assert.EqualError(t, err, `unknown greedy method "some"`)
}

func TestSolveFulltree(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("foo-1-1.x86_64"),
		pkg("foo-libs-1-1.x86_64", source("foo")),
		pkg("foo-libs-1-1.i686", source("foo")),
		pkg("foo-1-1.src"),
		pkg("bar-1-1.x86_64"),
		pkg("bar-doc-1-1.noarch", source("bar")),
		pkg("bar-1-1.src"),
	}
	res, err := solve(t, pool, nil, Options{Fulltree: true, FulltreeExcludes: []string{"bar"}}, inputs("foo", "bar"))
	require.NoError(t, err)

	assert.Equal(t, []string{"bar-1-1.x86_64.rpm", "foo-1-1.x86_64.rpm", "foo-libs-1-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []Flag{FlagFulltreeExclude, FlagInput}, flagsOf(res, KindRPM, "bar-1-1.x86_64.rpm"))
	assert.Equal(t, []Flag{FlagFulltree}, flagsOf(res, KindRPM, "foo-libs-1-1.x86_64.rpm"))
}

func TestSolveMultilib(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("glibc-2.35-1.x86_64", provides("libc.so.6()(64bit)")),
		pkg("glibc-2.35-1.i686", provides("libc.so.6")),
		pkg("glibc-2.35-1.src"),
		pkg("glibc-devel-2.35-1.x86_64", source("glibc")),
		pkg("glibc-devel-2.35-1.i686", source("glibc")),
		pkg("tools-1-1.x86_64"),
		pkg("tools-1-1.i686"),
		pkg("tools-1-1.src"),
	}
	type testCase struct {
		opts Options
		want []string
	}
	testCases := map[string]testCase{
		"runtime": {
			opts: Options{MultilibMethods: []string{"runtime"}},
			want: []string{"glibc-2.35-1.i686.rpm"},
		},
		"devel": {
			opts: Options{MultilibMethods: []string{"devel"}},
			want: []string{"glibc-devel-2.35-1.i686.rpm"},
		},
		"whitelist without methods": {
			opts: Options{MultilibWhitelist: []string{"tools"}},
			want: []string{"tools-1-1.i686.rpm"},
		},
		"blacklist wins over all": {
			opts: Options{MultilibMethods: []string{"all"}, MultilibBlacklist: []string{"glibc*"}},
			want: []string{"tools-1-1.i686.rpm"},
		},
		"none": {
			opts: Options{MultilibMethods: []string{"none"}},
			want: []string{},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			res, err := solve(t, pool, nil, tc.opts, inputs("glibc", "glibc-devel", "tools"))
			require.NoError(t, err)
			var got []string
			for _, n := range names(res, KindRPM) {
				if e := flagsOf(res, KindRPM, n); len(e) > 0 && e[0] == FlagMultilib {
					got = append(got, n)
				}
			}
			if got == nil {
				got = []string{}
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSolveMultilibPullsMultilibDeps(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("libfoo-1-1.x86_64", requires("libbar.so.1()(64bit)"), provides("libfoo.so.1()(64bit)")),
		pkg("libfoo-1-1.i686", requires("libbar.so.1"), provides("libfoo.so.1")),
		pkg("libfoo-1-1.src"),
		pkg("libbar-1-1.x86_64", provides("libbar.so.1()(64bit)")),
		pkg("libbar-1-1.i686", provides("libbar.so.1")),
		pkg("libbar-1-1.src"),
	}
	res, err := solve(t, pool, nil, Options{MultilibMethods: []string{"runtime"}}, inputs("libfoo"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"libbar-1-1.i686.rpm",
		"libbar-1-1.x86_64.rpm",
		"libfoo-1-1.i686.rpm",
		"libfoo-1-1.x86_64.rpm",
	}, names(res, KindRPM))
}

func TestSolveNodeps(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("a-1-1.x86_64", requires("b")),
		pkg("a-1-1.src"),
		pkg("b-1-1.x86_64"),
		pkg("b-1-1.src"),
	}

	_, err := solve(t, pool, nil, Options{Method: MethodNodeps, CheckDeps: true}, inputs("a"))
	require.Error(t, err)
	var missing *MissingDepsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "a-1-1.x86_64", missing.Package)
	assert.Equal(t, []string{"b"}, missing.Missing)

	res, err := solve(t, pool, nil, Options{Method: MethodNodeps}, inputs("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1-1.x86_64.rpm"}, names(res, KindRPM))

	res, err = solve(t, pool, nil, Options{Method: MethodNodeps, CheckDeps: true}, inputs("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1-1.x86_64.rpm", "b-1-1.x86_64.rpm"}, names(res, KindRPM))

	res, err = solve(t, pool, rpmmd.PackageList{pkg("b-1-1.x86_64")}, Options{Method: MethodNodeps, CheckDeps: true}, inputs("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1-1.x86_64.rpm"}, names(res, KindRPM))
}

func TestSolveIncompatibleArch(t *testing.T) {
	pool := rpmmd.PackageList{pkg("zsh-5.8-1.ppc64le"), pkg("zsh-5.8-1.x86_64")}
	_, err := solve(t, pool, nil, Options{}, inputs("zsh.ppc64le"))
	var incompatible *IncompatibleArchError
	require.True(t, errors.As(err, &incompatible))
	assert.Equal(t, "zsh", incompatible.Input.Name)

	res, err := solve(t, pool, nil, Options{}, inputs("zsh.x86_64"))
	require.NoError(t, err)
	assert.Equal(t, []string{"zsh-5.8-1.x86_64.rpm"}, names(res, KindRPM))
}

func TestSolveLookaside(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("app-1-1.x86_64", requires("libx")),
		pkg("app-1-1.src"),
		pkg("libx-1-1.x86_64"),
		pkg("libx-1-1.src"),
		pkg("tool-1-1.x86_64"),
	}
	lookaside := rpmmd.PackageList{pkg("libx-1-1.x86_64"), pkg("tool-1-1.x86_64")}
	res, err := solve(t, pool, lookaside, Options{}, inputs("app", "tool"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []string{"app-1-1.src.rpm"}, names(res, KindSRPM))
}

func TestSolveFilter(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("a-1-1.x86_64", requires("cap")),
		pkg("b-1-1.x86_64", provides("cap")),
		pkg("b2-1-1.x86_64", provides("cap")),
		pkg("c-1-1.x86_64"),
		pkg("c-1-1.src"),
	}
	res, err := solve(t, pool, nil, Options{Filter: []string{"b", "c.src"}}, inputs("a", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1-1.x86_64.rpm", "b2-1-1.x86_64.rpm", "c-1-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Empty(t, names(res, KindSRPM))

	log, _ := test.NewNullLogger()
	_, err = NewSolver(pool, nil, Options{Arch: "x86_64", Filter: []string{"[a"}}, log)
	assert.ErrorContains(t, err, `invalid package pattern "[a"`)
}

func TestSolveConditionalAndLangpacks(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("gimp-2.10-1.x86_64"),
		pkg("gimp-help-de-2.10-1.noarch"),
		pkg("gimp-help-fr-2.10-1.noarch"),
		pkg("emacs-de-1-1.noarch"),
	}
	in := inputs("gimp")
	in.Packages = append(in.Packages,
		Input{Name: "gimp-help-de", Requires: "gimp", Flags: []Flag{FlagConditional}},
		Input{Name: "emacs-de", Requires: "emacs", Flags: []Flag{FlagConditional}},
	)
	in.Langpacks = map[string]string{"gimp": "gimp-help-%s"}

	res, err := solve(t, pool, nil, Options{}, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"gimp-2.10-1.x86_64.rpm", "gimp-help-de-2.10-1.noarch.rpm", "gimp-help-fr-2.10-1.noarch.rpm"}, names(res, KindRPM))
	assert.Equal(t, []Flag{FlagConditional, FlagLangpack}, flagsOf(res, KindRPM, "gimp-help-de-2.10-1.noarch.rpm"))
	assert.Equal(t, []Flag{FlagLangpack}, flagsOf(res, KindRPM, "gimp-help-fr-2.10-1.noarch.rpm"))
}

func TestSolveSelfhosting(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("foo-1-1.x86_64"),
		pkg("foo-1-1.src", requires("gcc", "make")),
		pkg("gcc-12-1.x86_64"),
		pkg("gcc-12-1.src"),
	}
	res, err := solve(t, pool, nil, Options{}, inputs("foo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo-1-1.x86_64.rpm"}, names(res, KindRPM))

	res, err = solve(t, pool, nil, Options{Selfhosting: true}, inputs("foo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo-1-1.x86_64.rpm", "gcc-12-1.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []Flag{FlagSelfHosting}, flagsOf(res, KindRPM, "gcc-12-1.x86_64.rpm"))
	assert.Equal(t, []string{"foo-1-1.src.rpm", "gcc-12-1.src.rpm"}, names(res, KindSRPM))
}

func TestSolveModular(t *testing.T) {
	pool := rpmmd.PackageList{
		pkg("app-1-1.x86_64", requires("nodejs")),
		pkg("nodejs-16-1.module_f36.x86_64", modular()),
		pkg("nodejs-18-1.module_f36.x86_64", modular()),
	}
	res, err := solve(t, pool, nil, Options{}, inputs("app"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1-1.x86_64.rpm", "nodejs-18-1.module_f36.x86_64.rpm"}, names(res, KindRPM))

	enabled := map[string]bool{"nodejs-0:16-1.module_f36.x86_64": true}
	res, err = solve(t, pool, nil, Options{Method: MethodHybrid, EnabledModular: enabled}, inputs("app"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1-1.x86_64.rpm", "nodejs-16-1.module_f36.x86_64.rpm"}, names(res, KindRPM))

	in := &Inputs{Modular: []string{"nodejs-0:16-1.module_f36.x86_64", "nodejs-0:16-1.module_f36.src"}}
	res, err = solve(t, pool, nil, Options{}, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodejs-16-1.module_f36.x86_64.rpm"}, names(res, KindRPM))
	assert.Equal(t, []Flag{FlagInput}, flagsOf(res, KindRPM, "nodejs-16-1.module_f36.x86_64.rpm"))
}

func TestParseInput(t *testing.T) {
	assert.Equal(t, Input{Name: "glibc", Arch: "i686"}, ParseInput("glibc.i686"))
	assert.Equal(t, Input{Name: "python3.11"}, ParseInput("python3.11"))
	assert.Equal(t, Input{Name: "kernel", Flags: []Flag{FlagInput}}, ParseInput("kernel", FlagInput))
	assert.Equal(t, "glibc.i686", ParseInput("glibc.i686").String())
}
