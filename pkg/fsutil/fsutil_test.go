package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *Owner
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{name: "valid", in: "1000:1001", want: &Owner{UID: 1000, GID: 1001}},
		{name: "surrounding space", in: " 0:0 ", want: &Owner{UID: 0, GID: 0}},
		{name: "missing gid", in: "1000", wantErr: true},
		{name: "too many parts", in: "1:2:3", wantErr: true},
		{name: "non-numeric", in: "root:root", wantErr: true},
		{name: "negative", in: "-1:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecreateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.xml"), []byte("x"), 0o644))

	require.NoError(t, RecreateDir(dir, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecreateDir_CreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, RecreateDir(dir, nil))
	assert.DirExists(t, dir)
}

func TestRecreateDir_RefusesRoot(t *testing.T) {
	assert.Error(t, RecreateDir(string(filepath.Separator), nil))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Error(t, RecreateDir(cwd, nil))
	assert.DirExists(t, cwd)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")

	require.NoError(t, WriteFile(path, []byte("{}"), 0o644, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
