package pkgset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/koji"
)

func populatedSet(t *testing.T, session *fakeSession) *KojiPackageSet {
	t.Helper()
	bash := rpm("bash-5.1-1.fc36.x86_64", 1)
	session.tag("f36", build(10, "bash-5.1-1.fc36"), bash, rpm("bash-5.1-1.fc36.src", 2))
	fs := newFileSystem()
	fs.add(pathInfo.SignedRPM(bash, "cafebabe"), 0)
	fs.add(pathInfo.SignedRPM(rpm("bash-5.1-1.fc36.src", 2), "cafebabe"), 0)
	set := newTestKojiSet(t, session, fs, []string{"x86_64"}, []string{"cafebabe"})
	require.NoError(t, set.Populate(context.Background(), "f36", 900, true, nil))
	return set
}

func TestReuse(t *testing.T) {
	include := map[string]bool{"nodejs-0:16.0-1.module+el8.1.0+123+abcdef.x86_64": true}

	type testCase struct {
		modify func(s *KojiPackageSet, session *fakeSession)
		tag    string
		reused bool
	}
	testCases := map[string]testCase{
		"unchanged": {
			modify: func(*KojiPackageSet, *fakeSession) {},
			tag:    "f36",
			reused: true,
		},
		"different tag": {
			modify: func(*KojiPackageSet, *fakeSession) {},
			tag:    "f37",
		},
		"sigkeys changed": {
			modify: func(s *KojiPackageSet, _ *fakeSession) { s.Sigkeys = []string{"deadbeef"} },
			tag:    "f36",
		},
		"extra builds changed": {
			modify: func(s *KojiPackageSet, _ *fakeSession) { s.ExtraBuilds = []string{"bash-5.2-1.fc36"} },
			tag:    "f36",
		},
		"tag listing changed": {
			modify: func(_ *KojiPackageSet, session *fakeSession) {
				session.history["f36"] = koji.History{"tag_listing": {{"build_id": 42}}}
			},
			tag: "f36",
		},
		"parent inheritance changed": {
			modify: func(_ *KojiPackageSet, session *fakeSession) {
				session.inheritance["f36"] = []koji.Inheritance{{Name: "f36-base", Depth: 1}}
				session.history["f36-base"] = koji.History{"tag_inheritance": {{"parent_id": 7}}}
			},
			tag: "f36",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			old := populatedSet(t, newFakeSession())
			path := filepath.Join(t.TempDir(), "pkgset_f36_reuse.json.zst")
			require.NoError(t, old.SaveReuse(path, "f36", 900, true, include))

			session := newFakeSession()
			set := newTestKojiSet(t, session, newFileSystem(), []string{"x86_64"}, []string{"cafebabe"})
			tc.modify(set, session)
			reused, err := set.TryToReuse(context.Background(), path, tc.tag, 1000, true, include)
			require.NoError(t, err)
			assert.Equal(t, tc.reused, reused)
			if !tc.reused {
				assert.Equal(t, 0, set.Len())
				return
			}
			assert.Equal(t, names(old.PackageSet), names(set.PackageSet))
			assert.Equal(t, 2, set.Cache.Len())
			for _, p := range set.All() {
				cached, ok := set.Cache.Get(p.Path)
				require.True(t, ok)
				assert.Equal(t, p.SourceRPM, cached.SourceRPM)
			}
		})
	}
}

func TestReuseMissingOrBroken(t *testing.T) {
	set := newTestKojiSet(t, newFakeSession(), newFileSystem(), []string{"x86_64"}, nil)

	reused, err := set.TryToReuse(context.Background(), "", "f36", 1000, true, nil)
	require.NoError(t, err)
	assert.False(t, reused)

	path := filepath.Join(t.TempDir(), "broken.json.zst")
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0644))
	reused, err = set.TryToReuse(context.Background(), path, "f36", 1000, true, nil)
	require.NoError(t, err)
	assert.False(t, reused)
}
