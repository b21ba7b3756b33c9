package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	root := t.TempDir()
	fs, err := NewStorageFS(logs.NewTestingLog(t), root)
	require.NoError(t, err)

	content := []byte(`{"labeledImageSetList":[]}`)
	require.NoError(t, WriteFile(fs, "sets/1/labeledImages.json", bytes.NewReader(content)))
	_, err = os.Stat(filepath.Join(root, "sets/1/labeledImages.json.tmp"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	f, err := fs.ReadFile("sets/1/labeledImages.json")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), f.Size)
	f.Reader.Close()

	got, err := ReadFile(fs, "sets/1/labeledImages.json")
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.NoError(t, fs.DeleteFile("sets/1/labeledImages.json"))
	_, err = ReadFile(fs, "sets/1/labeledImages.json")
	require.Error(t, err)
}

func TestStorageFSRejectsEscapes(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"../x", "/etc/passwd", "", "a/../../b"} {
		_, err := fs.WriteFile(name)
		require.ErrorIs(t, err, ErrInvalidName, name)
		_, err = fs.ReadFile(name)
		require.ErrorIs(t, err, ErrInvalidName, name)
		require.ErrorIs(t, fs.DeleteFile(name), ErrInvalidName, name)
	}
}
