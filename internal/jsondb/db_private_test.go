package jsondb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomically(t *testing.T) {
	type testCase struct {
		writer func(f *os.File) error
		err    bool
	}
	record := []byte(`{"kind":"createrepo-reuse","version":1}` + "\n")
	tests := map[string]testCase{
		"written": {
			writer: func(f *os.File) error {
				_, err := f.Write(record)
				return err
			},
		},
		"writer-fails": {
			writer: func(f *os.File) error {
				return errors.New("disk quota exceeded")
			},
			err: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			err := writeFileAtomically(dir, "Server.x86_64.json", 0640, tc.writer)

			entries, rerr := os.ReadDir(dir)
			require.NoError(t, rerr)
			if tc.err {
				require.Error(t, err)
				// the temporary file is gone as well
				assert.Empty(t, entries)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "Server.x86_64.json", entries[0].Name())
			info, err := entries[0].Info()
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0640), info.Mode())

			data, err := os.ReadFile(filepath.Join(dir, "Server.x86_64.json"))
			require.NoError(t, err)
			assert.Equal(t, record, data)
		})
	}
}
