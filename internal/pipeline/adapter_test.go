package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryAdapterReadsInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hl7"), []byte("second"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hl7"), []byte("first"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	a := NewDirectoryAdapter(dir, "hl7v2")
	recs, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "first", string(recs[0].Data))
	assert.Equal(t, "second", string(recs[1].Data))
	assert.Equal(t, "a.hl7", recs[0].StreamID)
	assert.Equal(t, "hl7v2", recs[0].Format)
	assert.Equal(t, filepath.Join(dir, "a.hl7"), recs[0].SourcePath)
}

func TestDirectoryAdapterSkipsSeenFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hl7"), []byte("one"), 0644))

	a := NewDirectoryAdapter(dir, "hl7v2")
	recs, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Drained until a new file shows up.
	recs, err = a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "z.hl7"), []byte("two"), 0644))
	recs, err = a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "z.hl7", recs[0].StreamID)
}

func TestDirectoryAdapterMissingDir(t *testing.T) {
	a := NewDirectoryAdapter("/does/not/exist", "hl7v2")
	_, err := a.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read source directory")
}
