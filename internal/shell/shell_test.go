package shell

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	type testCase struct {
		in       string
		expected string
	}
	testCases := map[string]testCase{
		"plain":  {"createrepo_c", "createrepo_c"},
		"option": {"--outputdir=/a/b", "--outputdir=/a/b"},
		"space":  {"test-1.0 Server.x86_64", "'test-1.0 Server.x86_64'"},
		"quote":  {"it's", `'it'"'"'s'`},
		"empty":  {"", "''"},
		"glob":   {"*.rpm", "'*.rpm'"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Quote(tc.in))
		})
	}
	assert.Equal(t, "mkisofs -volid 'a b'", Join([]string{"mkisofs", "-volid", "a b"}))
}

func TestRun(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "run.log")
	res, err := Run(context.Background(), Command{
		Argv:    []string{"/bin/sh", "-c", "echo out; echo err >&2; echo $FOO"},
		Env:     []EnvironmentVariable{{Key: "FOO", Value: "bar"}},
		LogFile: logFile,
		ShowCmd: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "err\n")
	assert.Contains(t, res.Output, "bar\n")

	logged, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Executing command: /bin/sh -c")
	assert.Contains(t, string(logged), "bar\n")
}

func TestRunExitCode(t *testing.T) {
	res, err := Run(context.Background(), Command{Script: "echo failing; exit 3"})
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "failing\n", res.Output)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Command{Argv: []string{"/nonexistent/binary"}})
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))

	_, err = Run(context.Background(), Command{})
	assert.Error(t, err)
}
