package common

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueStrings(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, UniqueStrings([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, UniqueStrings(nil))
}

func TestParseMediaSize(t *testing.T) {
	cases := []struct {
		input   string
		success bool
		output  uint64
	}{
		{"4700000000", true, 4700000000},
		{"10M", true, 10 * 1024 * 1024},
		{"8G", true, 8 * 1024 * 1024 * 1024},
		{"700k", true, 700 * 1024},
		{"4.5G", true, 4831838208},
		{"15b", true, 15},
		{" 2 M ", true, 2 * 1024 * 1024},
		{"0", false, 0},
		{"-5", false, 0},
		{"5T", false, 0},
		{"abc", false, 0},
	}

	for _, c := range cases {
		result, err := ParseMediaSize(c.input)
		if c.success {
			require.NoError(t, err, c.input)
			assert.EqualValues(t, c.output, result, c.input)
		} else {
			assert.Error(t, err, c.input)
		}
	}
}

func TestSizeUnmarshalTOML(t *testing.T) {
	var cfg struct {
		A Size `toml:"a"`
		B Size `toml:"b"`
	}
	_, err := toml.Decode("a = 1024\nb = \"2k\"\n", &cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, cfg.A)
	assert.EqualValues(t, 2048, cfg.B)

	_, err = toml.Decode("a = true\n", &cfg)
	assert.Error(t, err)
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, "Packages/b/bash.rpm", RelativePath("/c/os/Packages/b/bash.rpm", "/c/os"))
	assert.Equal(t, "Packages/b/bash.rpm", RelativePath("/c/os/Packages/b/bash.rpm", "/c/os/"))
	assert.Equal(t, "/elsewhere/x", RelativePath("/elsewhere/x", "/c/os"))
}
