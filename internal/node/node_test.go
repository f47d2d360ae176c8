package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochcqrs/internal/node"
)

func TestNew_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.New(dir, "auto")
	require.NoError(t, err)
	require.False(t, n1.ID().IsZero())
	assert.Len(t, n1.ID().String(), 26)

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	require.NoError(t, err)
	assert.Equal(t, n1.ID().String(), strings.TrimSpace(string(data)))

	n2, err := node.New(dir, "auto")
	require.NoError(t, err)
	assert.Equal(t, n1.ID(), n2.ID(), "ID changed across restarts")
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()

	n, err := node.New(t.TempDir(), override)
	require.NoError(t, err)
	assert.Equal(t, override, n.ID().String())
}

func TestNew_Rejects(t *testing.T) {
	_, err := node.New(t.TempDir(), "not-a-valid-ulid")
	assert.Error(t, err, "invalid override")

	_, err = node.New("", "auto")
	assert.Error(t, err, "empty data dir")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640))
	_, err = node.New(dir, "auto")
	assert.Error(t, err, "corrupt node_id file")
}

func TestEphemeral_HasIDWithoutDataDir(t *testing.T) {
	n := node.Ephemeral()
	assert.False(t, n.ID().IsZero())
	assert.Empty(t, n.DataDir())
}

func TestMustNewID_UniqueAndOrdered(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		require.False(t, seen[id], "duplicate ULID generated: %s", id)
		seen[id] = true
		require.Greater(t, id, prev, "ULIDs must be monotonically increasing")
		prev = id
	}
}
