package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/config"
)

const testConfig = `
release_name = "Test"
release_short = "test"
release_version = "1.0"
compose_type = "nightly"
sigkeys = [""]
pkgset_koji_tag = "f25"
koji_max_retries = 0

[[variants]]
id = "Server"
name = "Server"
type = "variant"
arches = ["x86_64"]
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pungi.toml")
	require.NoError(t, os.WriteFile(path, []byte(extra+testConfig), 0644))
	return path
}

// resetFlags restores the command line defaults when the test ends.
func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		configFile, targetDir, label, composeType, metricsFile = "", "", "", "", ""
		noLabel, supported, useJournal, verbose = false, false, false, false
		oldComposes, skipPhases, justPhases = nil, nil, nil
		exitCode = 0
		logrus.SetOutput(os.Stderr)
	})
}

func TestComposeOptions(t *testing.T) {
	type testCase struct {
		composeType string
		label       string
		noLabel     bool
		kojiServer  string
		err         string
	}
	tests := map[string]testCase{
		"nightly": {
			kojiServer: "https://koji.example.com/kojihub",
		},
		"production-with-label": {
			composeType: "production",
			label:       "RC-1.0",
			kojiServer:  "https://koji.example.com/kojihub",
		},
		"production-no-label": {
			composeType: "production",
			noLabel:     true,
			kojiServer:  "https://koji.example.com/kojihub",
		},
		"production-without-label": {
			composeType: "production",
			kojiServer:  "https://koji.example.com/kojihub",
			err:         "a production compose needs --label or --no-label",
		},
		"both-label-flags": {
			label:      "RC-1.0",
			noLabel:    true,
			kojiServer: "https://koji.example.com/kojihub",
			err:        "--label and --no-label are mutually exclusive",
		},
		"bad-label": {
			label:      "Beta",
			kojiServer: "https://koji.example.com/kojihub",
			err:        `invalid compose label "Beta"`,
		},
		"bad-type": {
			composeType: "weekly",
			kojiServer:  "https://koji.example.com/kojihub",
			err:         `unknown compose type "weekly"`,
		},
		"no-koji": {
			err: "pkgset_source = koji needs koji_server",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			resetFlags(t)
			conf := config.Default()
			conf.ComposeType = "nightly"
			conf.KojiServer = tc.kojiServer
			composeType, label, noLabel = tc.composeType, tc.label, tc.noLabel

			opts, err := composeOptions(conf)
			if tc.err != "" {
				assert.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			if tc.composeType == "" {
				assert.Equal(t, "nightly", opts.Type)
			} else {
				assert.Equal(t, tc.composeType, opts.Type)
			}
			assert.Equal(t, tc.label, opts.Label)
		})
	}
}

func TestPrintConfig(t *testing.T) {
	resetFlags(t)
	path := writeConfig(t, "")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"print-config", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `release_short = "test"`)
	assert.Contains(t, out.String(), `createrepo_checksum = "sha256"`)
}

func TestRunComposeDoomed(t *testing.T) {
	resetFlags(t)
	koji := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "koji is down", http.StatusServiceUnavailable)
	}))
	defer koji.Close()

	configFile = writeConfig(t, `koji_server = "`+koji.URL+`"`)
	targetDir = t.TempDir()
	metricsFile = filepath.Join(t.TempDir(), "pungi.prom")

	status, err := runCompose(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.StatusDoomed, status)
	assert.Equal(t, 1, status.ExitCode())

	matches, err := filepath.Glob(filepath.Join(targetDir, "test-1.0-*.n.0"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	topdir := matches[0]
	data, err := os.ReadFile(filepath.Join(topdir, "STATUS"))
	require.NoError(t, err)
	assert.Equal(t, "DOOMED", strings.TrimSpace(string(data)))
	id, err := os.ReadFile(filepath.Join(topdir, "COMPOSE_ID"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(topdir), string(id))

	log, err := os.ReadFile(filepath.Join(topdir, "logs", "global", "pungi.global.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "[BEGIN] ---------- PHASE: INIT ----------")
	assert.Contains(t, string(log), "[FAIL] Phase pkgset failed")

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `pungi_compose_status{status="DOOMED"} 1`)
	assert.NoFileExists(t, filepath.Join(targetDir, "latest-test-1.0"))
}
