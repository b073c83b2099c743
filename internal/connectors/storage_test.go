package connectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "_audit_log_shipping/ws/2024/01/02/e.json", []byte(`{"id":"e"}`)))
	data, err := s.Download(ctx, "_audit_log_shipping/ws/2024/01/02/e.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e"}`, string(data))

	_, err = s.Download(ctx, "missing.pdf")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFileStore_KeyCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(filepath.Join(root, "store"))
	require.NoError(t, err)

	require.NoError(t, s.Upload(context.Background(), "../../escape.txt", []byte("x")))
	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "store", "escape.txt"))
	assert.NoError(t, err)

	assert.Error(t, s.Upload(context.Background(), "  ", []byte("x")))
}
