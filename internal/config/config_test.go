package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	c := Config{
		Version: CurrentVersion,
		Backend: Backend{Kind: Filesystem, Path: "/tmp/repo"},
		Filter: &Filter{
			EncryptCmd: []string{"gpg", "--encrypt", "-r", "me"},
			DecryptCmd: []string{"gpg", "--decrypt"},
		},
	}
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, c.Backend.Kind, got.Backend.Kind)
	require.Equal(t, c.Backend.Path, got.Backend.Path)
	require.Equal(t, c.Filter.EncryptCmd, got.Filter.EncryptCmd)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	c := Config{Backend: Backend{Kind: "ftp"}}
	require.ErrorIs(t, c.Validate(), ErrUnsupportedBackend)
}
