package hashing

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	// sha256 of the empty string is a fixed vector
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Hash(nil))

	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Hash([]byte("hello")))
}

func TestHashReaderMatchesHash(t *testing.T) {
	data := []byte("some chunk payload with enough bytes to matter")

	got, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, Hash(data), got)
}

func TestHashFile(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, Hash(data), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
