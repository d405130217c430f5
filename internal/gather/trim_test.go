package gather

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
)

func testCompose(t *testing.T, modify func(*config.Config)) *compose.Compose {
	t.Helper()
	log, _ := test.NewNullLogger()
	conf := config.Default()
	conf.ReleaseShort = "test"
	conf.ReleaseVersion = "1"
	conf.Variants = []config.VariantConfig{
		{ID: "Server", Name: "Server", Type: "variant", Arches: []string{"x86_64"}},
		{ID: "HA", Name: "High Availability", Type: "addon", Arches: []string{"x86_64"}, Parent: "Server"},
		{ID: "Tools", Name: "Tools", Type: "layered-product", Arches: []string{"x86_64"}, Parent: "Server",
			ReleaseShort: "tools", ReleaseVersion: "2"},
		{ID: "optional", Name: "optional", Type: "optional", Arches: []string{"x86_64"}, Parent: "Server"},
	}
	if modify != nil {
		modify(conf)
	}
	id := compose.Identity{Short: "test", Version: "1", Type: "nightly", Date: "20240101"}
	c, err := compose.New(conf, t.TempDir(), id, compose.Options{Log: log})
	require.NoError(t, err)
	return c
}

func entry(nvra string, flags ...Flag) Entry {
	if flags == nil {
		flags = []Flag{}
	}
	return Entry{Path: "/mnt/koji/packages/" + nvra + ".rpm", Flags: flags}
}

func TestTrimAddon(t *testing.T) {
	c := testCompose(t, nil)
	results := map[string]*Result{
		"Server": {
			RPM:       []Entry{entry("foo-1.0-1.x86_64")},
			SRPM:      []Entry{entry("foo-1.0-1.src")},
			Debuginfo: []Entry{},
		},
		"Server-HA": {
			RPM: []Entry{
				entry("foo-1.0-1.x86_64"),
				entry("bar-1.0-1.x86_64", FlagInput),
				entry("foo-common-1.0-1.x86_64", FlagFulltreeExclude),
			},
			SRPM:      []Entry{entry("foo-1.0-1.src")},
			Debuginfo: []Entry{},
		},
	}
	Trim(c, "x86_64", results, nil)

	expected := map[string]*Result{
		"Server": {
			RPM:  []Entry{entry("foo-1.0-1.x86_64"), entry("foo-common-1.0-1.x86_64", FlagFulltreeExclude)},
			SRPM: []Entry{entry("foo-1.0-1.src")},
		},
		"Server-HA": {
			RPM: []Entry{entry("bar-1.0-1.x86_64", FlagInput)},
		},
	}
	if diff := cmp.Diff(expected, results, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("unexpected trim result (-want +got):\n%s", diff)
	}
}

func TestTrimKeepsInputs(t *testing.T) {
	c := testCompose(t, nil)
	results := map[string]*Result{
		"Server": {RPM: []Entry{entry("foo-1.0-1.x86_64")}, SRPM: []Entry{}, Debuginfo: []Entry{}},
		"Server-HA": {
			RPM:       []Entry{entry("foo-1.0-1.x86_64", FlagInput)},
			SRPM:      []Entry{},
			Debuginfo: []Entry{},
		},
	}
	Trim(c, "x86_64", results, nil)
	assert.Equal(t, []string{"foo-1.0-1.x86_64.rpm"}, names(results["Server-HA"], KindRPM))
}

func TestTrimLayeredProductKeepsSources(t *testing.T) {
	c := testCompose(t, nil)
	results := map[string]*Result{
		"Server": {
			RPM:       []Entry{entry("foo-1.0-1.x86_64")},
			SRPM:      []Entry{entry("foo-1.0-1.src")},
			Debuginfo: []Entry{entry("foo-debuginfo-1.0-1.x86_64")},
		},
		"Server-Tools": {
			RPM:       []Entry{entry("foo-1.0-1.x86_64"), entry("tool-2-1.x86_64", FlagInput)},
			SRPM:      []Entry{entry("foo-1.0-1.src"), entry("tool-2-1.src")},
			Debuginfo: []Entry{entry("foo-debuginfo-1.0-1.x86_64")},
		},
	}
	Trim(c, "x86_64", results, nil)

	tools := results["Server-Tools"]
	assert.Equal(t, []string{"tool-2-1.x86_64.rpm"}, names(tools, KindRPM))
	assert.Equal(t, []string{"foo-1.0-1.src.rpm", "tool-2-1.src.rpm"}, names(tools, KindSRPM))
	assert.Equal(t, []string{"foo-debuginfo-1.0-1.x86_64.rpm"}, names(tools, KindDebuginfo))
}

func TestTrimOptional(t *testing.T) {
	c := testCompose(t, nil)
	results := map[string]*Result{
		"Server": {RPM: []Entry{entry("foo-1.0-1.x86_64")}, SRPM: []Entry{}, Debuginfo: []Entry{}},
		"Server-HA": {
			RPM:       []Entry{entry("bar-1.0-1.x86_64", FlagInput), entry("baz-1.0-1.x86_64", FlagFulltreeExclude)},
			SRPM:      []Entry{},
			Debuginfo: []Entry{},
		},
		"Server-optional": {
			RPM: []Entry{
				entry("foo-1.0-1.x86_64", FlagInput),
				entry("bar-1.0-1.x86_64"),
				entry("baz-1.0-1.x86_64"),
				entry("qux-1.0-1.x86_64", FlagFulltreeExclude),
			},
			SRPM:      []Entry{},
			Debuginfo: []Entry{},
		},
	}
	Trim(c, "x86_64", results, nil)

	// baz moved from the addon to the parent and is gone from optional
	assert.Equal(t, []string{"baz-1.0-1.x86_64.rpm", "foo-1.0-1.x86_64.rpm"}, names(results["Server"], KindRPM))
	assert.Equal(t, []string{"qux-1.0-1.x86_64.rpm"}, names(results["Server-optional"], KindRPM))
}
